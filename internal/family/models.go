package family

import "fmt"

// Record is the shape shared by every synchronized entity model. Each model
// is a gorm table keyed by (family_id, id) and embeds SyncMeta.
type Record interface {
	Kind() Kind
	EntityID() string
	Scope() string
	Meta() *SyncMeta
	// Placeholder reports whether the row is a locally-created stub holding a
	// foreign-key reference before the real payload arrived. Placeholder rows
	// always yield to an inbound upsert regardless of merge timestamps.
	Placeholder() bool
	TableName() string
}

// Family is the family bundle: the family record plus denormalized child and
// member id lists.
type Family struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID  string     `gorm:"column:family_id;primaryKey;size:190;not null"`
	Name      string     `gorm:"column:name;size:190;not null;default:''"`
	OwnerID   string     `gorm:"column:owner_id;size:190;not null;default:''"`
	ChildIDs  StringList `gorm:"column:child_ids;type:text;not null;default:'[]'"`
	MemberIDs StringList `gorm:"column:member_ids;type:text;not null;default:'[]'"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Family) TableName() string { return "families" }

// Kind identifies the entity type.
func (*Family) Kind() Kind { return KindFamily }

// EntityID returns the stable entity identifier.
func (f *Family) EntityID() string { return f.ID }

// Scope returns the owning family id.
func (f *Family) Scope() string { return f.FamilyID }

// Meta exposes the sync metadata.
func (f *Family) Meta() *SyncMeta { return &f.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (f *Family) Placeholder() bool { return f.Name == "" }

// Child is a child profile within a family.
type Child struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID         string `gorm:"column:family_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:190;not null;default:''"`
	BirthDateSeconds int64  `gorm:"column:birth_date_s;not null;default:0"`
	AvatarBlobID     string `gorm:"column:avatar_blob_id;size:190;not null;default:''"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Child) TableName() string { return "children" }

// Kind identifies the entity type.
func (*Child) Kind() Kind { return KindChild }

// EntityID returns the stable entity identifier.
func (c *Child) EntityID() string { return c.ID }

// Scope returns the owning family id.
func (c *Child) Scope() string { return c.FamilyID }

// Meta exposes the sync metadata.
func (c *Child) Meta() *SyncMeta { return &c.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (c *Child) Placeholder() bool { return c.Name == "" }

// Member is a family membership record.
type Member struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID    string `gorm:"column:family_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;default:'';index"`
	Role        string `gorm:"column:role;size:64;not null;default:''"`
	DisplayName string `gorm:"column:display_name;size:190;not null;default:''"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string { return "members" }

// Kind identifies the entity type.
func (*Member) Kind() Kind { return KindMember }

// EntityID returns the stable entity identifier.
func (m *Member) EntityID() string { return m.ID }

// Scope returns the owning family id.
func (m *Member) Scope() string { return m.FamilyID }

// Meta exposes the sync metadata.
func (m *Member) Meta() *SyncMeta { return &m.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (m *Member) Placeholder() bool { return m.UserID == "" }

// Todo is a shared todo item.
type Todo struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID     string `gorm:"column:family_id;primaryKey;size:190;not null"`
	Title        string `gorm:"column:title;size:500;not null;default:''"`
	Notes        string `gorm:"column:notes;type:text;not null;default:''"`
	DueAtSeconds int64  `gorm:"column:due_at_s;not null;default:0"`
	Done         bool   `gorm:"column:done;not null;default:false"`
	AssigneeID   string `gorm:"column:assignee_id;size:190;not null;default:''"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Todo) TableName() string { return "todos" }

// Kind identifies the entity type.
func (*Todo) Kind() Kind { return KindTodo }

// EntityID returns the stable entity identifier.
func (t *Todo) EntityID() string { return t.ID }

// Scope returns the owning family id.
func (t *Todo) Scope() string { return t.FamilyID }

// Meta exposes the sync metadata.
func (t *Todo) Meta() *SyncMeta { return &t.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (t *Todo) Placeholder() bool { return t.Title == "" }

// Document is a shared document's metadata record. The blob itself lives in
// the backend's object storage and is referenced by BlobRef.
type Document struct {
	ID         string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID   string `gorm:"column:family_id;primaryKey;size:190;not null"`
	CategoryID string `gorm:"column:category_id;size:190;not null;default:'';index"`
	Title      string `gorm:"column:title;size:500;not null;default:''"`
	BlobRef    string `gorm:"column:blob_ref;size:500;not null;default:''"`
	MimeType   string `gorm:"column:mime_type;size:190;not null;default:''"`
	SizeBytes  int64  `gorm:"column:size_bytes;not null;default:0"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string { return "documents" }

// Kind identifies the entity type.
func (*Document) Kind() Kind { return KindDocument }

// EntityID returns the stable entity identifier.
func (d *Document) EntityID() string { return d.ID }

// Scope returns the owning family id.
func (d *Document) Scope() string { return d.FamilyID }

// Meta exposes the sync metadata.
func (d *Document) Meta() *SyncMeta { return &d.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (d *Document) Placeholder() bool { return d.Title == "" }

// DocumentCategory groups documents within a family.
type DocumentCategory struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID  string `gorm:"column:family_id;primaryKey;size:190;not null"`
	Name      string `gorm:"column:name;size:190;not null;default:''"`
	SortOrder int64  `gorm:"column:sort_order;not null;default:0"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (DocumentCategory) TableName() string { return "document_categories" }

// Kind identifies the entity type.
func (*DocumentCategory) Kind() Kind { return KindDocumentCategory }

// EntityID returns the stable entity identifier.
func (c *DocumentCategory) EntityID() string { return c.ID }

// Scope returns the owning family id.
func (c *DocumentCategory) Scope() string { return c.FamilyID }

// Meta exposes the sync metadata.
func (c *DocumentCategory) Meta() *SyncMeta { return &c.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (c *DocumentCategory) Placeholder() bool { return c.Name == "" }

// Event is a calendar event, optionally linked to a child.
type Event struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID       string `gorm:"column:family_id;primaryKey;size:190;not null"`
	Title          string `gorm:"column:title;size:500;not null;default:''"`
	StartsAtSecond int64  `gorm:"column:starts_at_s;not null;default:0;index"`
	EndsAtSecond   int64  `gorm:"column:ends_at_s;not null;default:0"`
	ChildID        string `gorm:"column:child_id;size:190;not null;default:''"`
	Location       string `gorm:"column:location;size:500;not null;default:''"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string { return "events" }

// Kind identifies the entity type.
func (*Event) Kind() Kind { return KindEvent }

// EntityID returns the stable entity identifier.
func (e *Event) EntityID() string { return e.ID }

// Scope returns the owning family id.
func (e *Event) Scope() string { return e.FamilyID }

// Meta exposes the sync metadata.
func (e *Event) Meta() *SyncMeta { return &e.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (e *Event) Placeholder() bool { return e.Title == "" }

// ChatMessage is a family chat message. Reactions and read receipts are
// collection-valued and merge by union rather than last-writer-wins.
type ChatMessage struct {
	ID            string       `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID      string       `gorm:"column:family_id;primaryKey;size:190;not null"`
	AuthorID      string       `gorm:"column:author_id;size:190;not null;default:''"`
	Body          string       `gorm:"column:body;type:text;not null;default:''"`
	SentAtSeconds int64        `gorm:"column:sent_at_s;not null;default:0;index"`
	Reactions     ReactionSet  `gorm:"column:reactions;type:text;not null;default:'{}'"`
	ReadBy        ReadReceipts `gorm:"column:read_by;type:text;not null;default:'{}'"`
	SyncMeta
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string { return "chat_messages" }

// Kind identifies the entity type.
func (*ChatMessage) Kind() Kind { return KindChatMessage }

// EntityID returns the stable entity identifier.
func (m *ChatMessage) EntityID() string { return m.ID }

// Scope returns the owning family id.
func (m *ChatMessage) Scope() string { return m.FamilyID }

// Meta exposes the sync metadata.
func (m *ChatMessage) Meta() *SyncMeta { return &m.SyncMeta }

// Placeholder reports whether the row is a stub awaiting its first payload.
func (m *ChatMessage) Placeholder() bool { return m.Body == "" }

// SyncStatus tracks family-level sync bookkeeping: the incremental-pull low
// water mark and the last processed-op outcome.
type SyncStatus struct {
	FamilyID          string `gorm:"column:family_id;primaryKey;size:190;not null"`
	LastSyncAtSeconds int64  `gorm:"column:last_sync_at_s;not null;default:0"`
	LastSyncError     string `gorm:"column:last_sync_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncStatus) TableName() string { return "family_sync_status" }

// NewRecord returns an empty model for the given kind. The switch is
// exhaustive over the closed kind set.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindFamily:
		return &Family{}, nil
	case KindChild:
		return &Child{}, nil
	case KindMember:
		return &Member{}, nil
	case KindTodo:
		return &Todo{}, nil
	case KindDocument:
		return &Document{}, nil
	case KindDocumentCategory:
		return &DocumentCategory{}, nil
	case KindEvent:
		return &Event{}, nil
	case KindChatMessage:
		return &ChatMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Models lists every persisted model for schema migration.
func Models() []interface{} {
	return []interface{}{
		&Family{},
		&Child{},
		&Member{},
		&Todo{},
		&Document{},
		&DocumentCategory{},
		&Event{},
		&ChatMessage{},
		&SyncStatus{},
	}
}
