// Package remote defines the gateway contract between the sync engine and
// the KidBox backend, the wire shapes it exchanges, and an HTTP
// implementation of the contract.
package remote

import "encoding/json"

// Envelope is the wire shape for a single remote document. UpdatedAtSeconds
// is a pointer on purpose: an absent remote timestamp must survive the round
// trip as absent, never be upgraded to the local clock.
type Envelope struct {
	Kind             string          `json:"kind"`
	ID               string          `json:"id"`
	FamilyID         string          `json:"family_id"`
	CreatedAtSeconds int64           `json:"created_at_s,omitempty"`
	UpdatedAtSeconds *int64          `json:"updated_at_s,omitempty"`
	UpdatedBy        string          `json:"updated_by,omitempty"`
	IsDeleted        bool            `json:"is_deleted,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// MergeStampOrZero resolves the envelope's merge timestamp: updatedAt,
// falling back to createdAt, falling back to zero (distant past).
func (e Envelope) MergeStampOrZero() int64 {
	if e.UpdatedAtSeconds != nil && *e.UpdatedAtSeconds > 0 {
		return *e.UpdatedAtSeconds
	}
	if e.CreatedAtSeconds > 0 {
		return e.CreatedAtSeconds
	}
	return 0
}

// ChangeBatch is one realtime push delivery: server-ordered upserts and
// removals for a single (family, kind) subscription.
type ChangeBatch struct {
	Upserts []Envelope `json:"upserts,omitempty"`
	Removes []string   `json:"removes,omitempty"`
}

// Empty reports whether the batch carries no changes.
func (b ChangeBatch) Empty() bool {
	return len(b.Upserts) == 0 && len(b.Removes) == 0
}

// FamilyPayload is the family bundle's domain payload.
type FamilyPayload struct {
	Name      string   `json:"name,omitempty"`
	OwnerID   string   `json:"owner_id,omitempty"`
	ChildIDs  []string `json:"child_ids,omitempty"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

// ChildPayload is a child profile's domain payload.
type ChildPayload struct {
	Name             string `json:"name,omitempty"`
	BirthDateSeconds int64  `json:"birth_date_s,omitempty"`
	AvatarBlobID     string `json:"avatar_blob_id,omitempty"`
}

// MemberPayload is a membership record's domain payload.
type MemberPayload struct {
	UserID      string `json:"user_id,omitempty"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// TodoPayload is a todo item's domain payload.
type TodoPayload struct {
	Title        string `json:"title,omitempty"`
	Notes        string `json:"notes,omitempty"`
	DueAtSeconds int64  `json:"due_at_s,omitempty"`
	Done         bool   `json:"done,omitempty"`
	AssigneeID   string `json:"assignee_id,omitempty"`
}

// DocumentPayload is a document metadata record's domain payload.
type DocumentPayload struct {
	CategoryID string `json:"category_id,omitempty"`
	Title      string `json:"title,omitempty"`
	BlobRef    string `json:"blob_ref,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
}

// DocumentCategoryPayload is a document category's domain payload.
type DocumentCategoryPayload struct {
	Name      string `json:"name,omitempty"`
	SortOrder int64  `json:"sort_order,omitempty"`
}

// EventPayload is a calendar event's domain payload.
type EventPayload struct {
	Title          string `json:"title,omitempty"`
	StartsAtSecond int64  `json:"starts_at_s,omitempty"`
	EndsAtSecond   int64  `json:"ends_at_s,omitempty"`
	ChildID        string `json:"child_id,omitempty"`
	Location       string `json:"location,omitempty"`
}

// ChatMessagePayload is a chat message's domain payload. Reactions and read
// receipts are actor-keyed maps merged by union on the client.
type ChatMessagePayload struct {
	AuthorID      string            `json:"author_id,omitempty"`
	Body          string            `json:"body,omitempty"`
	SentAtSeconds int64             `json:"sent_at_s,omitempty"`
	Reactions     map[string]string `json:"reactions,omitempty"`
	ReadBy        map[string]int64  `json:"read_by,omitempty"`
}
