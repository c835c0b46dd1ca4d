package server

import (
	"encoding/json"

	"github.com/vittorioscocca/kidbox-sync/internal/remote"
)

// RemoteDoc is the devserver's persisted remote document: the envelope a
// client shipped, stored verbatim. UpdatedAtSeconds is nullable so an absent
// client timestamp stays absent on read-back.
type RemoteDoc struct {
	FamilyID         string `gorm:"column:family_id;primaryKey;size:190;not null"`
	Kind             string `gorm:"column:kind;primaryKey;size:64;not null"`
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds *int64 `gorm:"column:updated_at_s;index"`
	UpdatedBy        string `gorm:"column:updated_by;size:190;not null;default:''"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (RemoteDoc) TableName() string { return "remote_documents" }

// Envelope converts the stored document back to its wire shape.
func (d RemoteDoc) Envelope() remote.Envelope {
	envelope := remote.Envelope{
		Kind:             d.Kind,
		ID:               d.DocID,
		FamilyID:         d.FamilyID,
		CreatedAtSeconds: d.CreatedAtSeconds,
		UpdatedAtSeconds: d.UpdatedAtSeconds,
		UpdatedBy:        d.UpdatedBy,
		IsDeleted:        d.IsDeleted,
	}
	if d.PayloadJSON != "" {
		envelope.Payload = json.RawMessage(d.PayloadJSON)
	}
	return envelope
}

func encodeBatch(batch remote.ChangeBatch) ([]byte, error) {
	return json.Marshal(batch)
}

func docFromEnvelope(familyID, kind, id string, envelope remote.Envelope) RemoteDoc {
	doc := RemoteDoc{
		FamilyID:         familyID,
		Kind:             kind,
		DocID:            id,
		CreatedAtSeconds: envelope.CreatedAtSeconds,
		UpdatedAtSeconds: envelope.UpdatedAtSeconds,
		UpdatedBy:        envelope.UpdatedBy,
		IsDeleted:        envelope.IsDeleted,
	}
	if len(envelope.Payload) > 0 {
		doc.PayloadJSON = string(envelope.Payload)
	}
	return doc
}
