// Package synccenter implements the offline-first synchronization engine:
// the outbox processor draining pending mutations against the remote
// gateway, the inbound reconciler merging remote changes into the local
// store, and the orchestrator owning listener lifecycles, the periodic flush
// loop, revocation detection and the local-wipe guard.
package synccenter

import (
	"encoding/json"
	"fmt"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
)

// encodeRecord builds the remote write model from current local state. Ops
// carry no payload snapshot, so this runs at flush time and ships the
// entity's latest fields.
func encodeRecord(record family.Record) (remote.Envelope, error) {
	meta := record.Meta()
	envelope := remote.Envelope{
		Kind:             record.Kind().String(),
		ID:               record.EntityID(),
		FamilyID:         record.Scope(),
		CreatedAtSeconds: meta.CreatedAtSeconds,
		UpdatedBy:        meta.UpdatedBy,
		IsDeleted:        meta.IsDeleted,
	}
	if meta.UpdatedAtSeconds > 0 {
		stamp := meta.UpdatedAtSeconds
		envelope.UpdatedAtSeconds = &stamp
	}

	payload, err := payloadFor(record)
	if err != nil {
		return remote.Envelope{}, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return remote.Envelope{}, fmt.Errorf("synccenter: encode %s payload: %w", record.Kind(), err)
	}
	envelope.Payload = encoded
	return envelope, nil
}

func payloadFor(record family.Record) (interface{}, error) {
	switch typed := record.(type) {
	case *family.Family:
		return remote.FamilyPayload{
			Name:      typed.Name,
			OwnerID:   typed.OwnerID,
			ChildIDs:  typed.ChildIDs,
			MemberIDs: typed.MemberIDs,
		}, nil
	case *family.Child:
		return remote.ChildPayload{
			Name:             typed.Name,
			BirthDateSeconds: typed.BirthDateSeconds,
			AvatarBlobID:     typed.AvatarBlobID,
		}, nil
	case *family.Member:
		return remote.MemberPayload{
			UserID:      typed.UserID,
			Role:        typed.Role,
			DisplayName: typed.DisplayName,
		}, nil
	case *family.Todo:
		return remote.TodoPayload{
			Title:        typed.Title,
			Notes:        typed.Notes,
			DueAtSeconds: typed.DueAtSeconds,
			Done:         typed.Done,
			AssigneeID:   typed.AssigneeID,
		}, nil
	case *family.Document:
		return remote.DocumentPayload{
			CategoryID: typed.CategoryID,
			Title:      typed.Title,
			BlobRef:    typed.BlobRef,
			MimeType:   typed.MimeType,
			SizeBytes:  typed.SizeBytes,
		}, nil
	case *family.DocumentCategory:
		return remote.DocumentCategoryPayload{
			Name:      typed.Name,
			SortOrder: typed.SortOrder,
		}, nil
	case *family.Event:
		return remote.EventPayload{
			Title:          typed.Title,
			StartsAtSecond: typed.StartsAtSecond,
			EndsAtSecond:   typed.EndsAtSecond,
			ChildID:        typed.ChildID,
			Location:       typed.Location,
		}, nil
	case *family.ChatMessage:
		return remote.ChatMessagePayload{
			AuthorID:      typed.AuthorID,
			Body:          typed.Body,
			SentAtSeconds: typed.SentAtSeconds,
			Reactions:     typed.Reactions,
			ReadBy:        typed.ReadBy,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", family.ErrUnknownKind, record)
	}
}

// applyPayload merges the envelope's domain payload into the local record
// and reports whether any field changed. Scalar fields are replaced;
// collection-valued fields on chat messages (reactions, read receipts) merge
// by union keyed on actor id, so a local optimistic addition is never erased
// by a remote snapshot that has not observed it yet.
func applyPayload(record family.Record, envelope remote.Envelope) (bool, error) {
	changed := false
	assign := func(target *string, value string) {
		if *target != value {
			*target = value
			changed = true
		}
	}
	assignInt := func(target *int64, value int64) {
		if *target != value {
			*target = value
			changed = true
		}
	}
	assignBool := func(target *bool, value bool) {
		if *target != value {
			*target = value
			changed = true
		}
	}

	switch typed := record.(type) {
	case *family.Family:
		var payload remote.FamilyPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.Name, payload.Name)
		assign(&typed.OwnerID, payload.OwnerID)
		if mergeIDList(&typed.ChildIDs, payload.ChildIDs) {
			changed = true
		}
		if mergeIDList(&typed.MemberIDs, payload.MemberIDs) {
			changed = true
		}
	case *family.Child:
		var payload remote.ChildPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.Name, payload.Name)
		assignInt(&typed.BirthDateSeconds, payload.BirthDateSeconds)
		assign(&typed.AvatarBlobID, payload.AvatarBlobID)
	case *family.Member:
		var payload remote.MemberPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.UserID, payload.UserID)
		assign(&typed.Role, payload.Role)
		assign(&typed.DisplayName, payload.DisplayName)
	case *family.Todo:
		var payload remote.TodoPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.Title, payload.Title)
		assign(&typed.Notes, payload.Notes)
		assignInt(&typed.DueAtSeconds, payload.DueAtSeconds)
		assignBool(&typed.Done, payload.Done)
		assign(&typed.AssigneeID, payload.AssigneeID)
	case *family.Document:
		var payload remote.DocumentPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.CategoryID, payload.CategoryID)
		assign(&typed.Title, payload.Title)
		assign(&typed.BlobRef, payload.BlobRef)
		assign(&typed.MimeType, payload.MimeType)
		assignInt(&typed.SizeBytes, payload.SizeBytes)
	case *family.DocumentCategory:
		var payload remote.DocumentCategoryPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.Name, payload.Name)
		assignInt(&typed.SortOrder, payload.SortOrder)
	case *family.Event:
		var payload remote.EventPayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.Title, payload.Title)
		assignInt(&typed.StartsAtSecond, payload.StartsAtSecond)
		assignInt(&typed.EndsAtSecond, payload.EndsAtSecond)
		assign(&typed.ChildID, payload.ChildID)
		assign(&typed.Location, payload.Location)
	case *family.ChatMessage:
		var payload remote.ChatMessagePayload
		if err := decodePayload(envelope, &payload); err != nil {
			return false, err
		}
		assign(&typed.AuthorID, payload.AuthorID)
		assign(&typed.Body, payload.Body)
		assignInt(&typed.SentAtSeconds, payload.SentAtSeconds)
		if typed.Reactions.Merge(family.ReactionSet(payload.Reactions)) {
			changed = true
		}
		if typed.ReadBy.Merge(family.ReadReceipts(payload.ReadBy)) {
			changed = true
		}
	default:
		return false, fmt.Errorf("%w: %T", family.ErrUnknownKind, record)
	}
	return changed, nil
}

func decodePayload(envelope remote.Envelope, out interface{}) error {
	if len(envelope.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Payload, out); err != nil {
		return fmt.Errorf("synccenter: decode %s payload for %s: %w", envelope.Kind, envelope.ID, err)
	}
	return nil
}

// mergeIDList unions incoming ids into the denormalized list without
// dropping locally-known entries.
func mergeIDList(target *family.StringList, incoming []string) bool {
	changed := false
	for _, id := range incoming {
		if target.Contains(id) {
			continue
		}
		*target = append(*target, id)
		changed = true
	}
	return changed
}
