package synccenter

import (
	"errors"
	"fmt"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"go.uber.org/zap"
)

// mergeDecision is the outcome of comparing an inbound upsert against the
// local row.
type mergeDecision int

const (
	// mergeSkip keeps the local row untouched: the local write is newer.
	mergeSkip mergeDecision = iota
	// mergeApply overwrites local fields with the remote ones.
	mergeApply
	// mergeCreate materializes a new local row from the remote document.
	mergeCreate
	// mergeRemove hard-deletes the local row: the remote record is deleted.
	mergeRemove
)

// resolveInbound decides how one inbound upsert merges against the local
// row. Last-writer-wins on the merge timestamp, with three overrides: a
// remote soft-delete is always authoritative, a local placeholder row always
// yields, and a remote document carrying no timestamp at all is treated as
// better than nothing.
func resolveInbound(existing family.Record, envelope remote.Envelope) mergeDecision {
	if envelope.IsDeleted {
		if existing == nil {
			return mergeSkip
		}
		return mergeRemove
	}
	if existing == nil {
		return mergeCreate
	}
	if existing.Placeholder() {
		return mergeApply
	}
	remoteStamp := envelope.MergeStampOrZero()
	if remoteStamp == 0 {
		return mergeApply
	}
	if remoteStamp >= existing.Meta().MergeStamp() {
		return mergeApply
	}
	return mergeSkip
}

// Reconciler applies inbound remote changes into the Entity Store with
// per-entity last-writer-wins merge rules.
type Reconciler struct {
	store  *family.Store
	logger *zap.Logger
}

// NewReconciler constructs the inbound reconciler.
func NewReconciler(store *family.Store, logger *zap.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, errors.New("synccenter: entity store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}, nil
}

// ApplyInbound merges one realtime change batch (or incremental-pull page)
// for a (family, kind) scope into the Entity Store. The store is written at
// most once per batch: when no change actually mutates state, the batch is a
// no-op and nothing is saved.
func (r *Reconciler) ApplyInbound(kind family.Kind, familyID string, batch remote.ChangeBatch) error {
	dirty := make([]family.Record, 0, len(batch.Upserts))
	removals := make([]string, 0, len(batch.Removes))

	// Within one batch an explicit remove supersedes any upsert for the
	// same id: the server emits removes for the final server-side state.
	removed := make(map[string]struct{}, len(batch.Removes))
	for _, id := range batch.Removes {
		removed[id] = struct{}{}
		_, err := r.store.Get(kind, familyID, id)
		if errors.Is(err, family.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		removals = append(removals, id)
	}

	for _, envelope := range batch.Upserts {
		if _, gone := removed[envelope.ID]; gone {
			continue
		}
		record, err := r.mergeUpsert(kind, familyID, envelope, &removals)
		if err != nil {
			return err
		}
		if record != nil {
			dirty = append(dirty, record)
		}
	}

	if len(dirty) == 0 && len(removals) == 0 {
		return nil
	}

	for _, id := range removals {
		if err := r.store.Delete(kind, familyID, id); err != nil {
			return err
		}
	}
	for _, record := range dirty {
		if err := r.store.Save(record); err != nil {
			return err
		}
	}

	// Re-establish relationship pointers opportunistically: a child or
	// member upsert appends its id on the family bundle only when missing,
	// without touching the bundle's other fields.
	for _, record := range dirty {
		if err := r.repointParent(record); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) mergeUpsert(kind family.Kind, familyID string, envelope remote.Envelope, removals *[]string) (family.Record, error) {
	existing, err := r.store.Get(kind, familyID, envelope.ID)
	if err != nil && !errors.Is(err, family.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, family.ErrNotFound) {
		existing = nil
	}

	switch resolveInbound(existing, envelope) {
	case mergeSkip:
		return nil, nil
	case mergeRemove:
		*removals = append(*removals, envelope.ID)
		return nil, nil
	case mergeCreate:
		record, err := newRecordFrom(kind, familyID, envelope)
		if err != nil {
			return nil, err
		}
		return record, nil
	case mergeApply:
		changed, err := applyPayload(existing, envelope)
		if err != nil {
			return nil, err
		}
		if applyMeta(existing.Meta(), envelope) {
			changed = true
		}
		if !changed {
			return nil, nil
		}
		return existing, nil
	default:
		return nil, fmt.Errorf("synccenter: unreachable merge decision for %s/%s", kind, envelope.ID)
	}
}

func newRecordFrom(kind family.Kind, familyID string, envelope remote.Envelope) (family.Record, error) {
	record, err := family.NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := setIdentity(record, familyID, envelope.ID); err != nil {
		return nil, err
	}
	if _, err := applyPayload(record, envelope); err != nil {
		return nil, err
	}
	applyMeta(record.Meta(), envelope)
	return record, nil
}

// applyMeta copies the envelope's sync metadata onto the local row. A remote
// document confirmed by the backend is synced by definition. An absent
// remote updatedAt is stored as zero, never as the merge wall-clock time.
func applyMeta(meta *family.SyncMeta, envelope remote.Envelope) bool {
	changed := false
	remoteUpdatedAt := int64(0)
	if envelope.UpdatedAtSeconds != nil {
		remoteUpdatedAt = *envelope.UpdatedAtSeconds
	}
	if meta.UpdatedAtSeconds != remoteUpdatedAt {
		meta.UpdatedAtSeconds = remoteUpdatedAt
		changed = true
	}
	if envelope.CreatedAtSeconds > 0 && meta.CreatedAtSeconds != envelope.CreatedAtSeconds {
		meta.CreatedAtSeconds = envelope.CreatedAtSeconds
		changed = true
	}
	if envelope.UpdatedBy != "" && meta.UpdatedBy != envelope.UpdatedBy {
		meta.UpdatedBy = envelope.UpdatedBy
		changed = true
	}
	if meta.IsDeleted {
		meta.IsDeleted = false
		changed = true
	}
	if meta.SyncState != family.SyncStateSynced || meta.LastSyncError != "" {
		meta.MarkSynced()
		changed = true
	}
	return changed
}

// repointParent ensures the family bundle's denormalized id lists reference a
// freshly merged child or member. Only the missing id is appended; nothing
// else on the bundle changes and its merge timestamps are left alone.
func (r *Reconciler) repointParent(record family.Record) error {
	var listFor func(bundle *family.Family) *family.StringList
	switch record.Kind() {
	case family.KindChild:
		listFor = func(bundle *family.Family) *family.StringList { return &bundle.ChildIDs }
	case family.KindMember:
		listFor = func(bundle *family.Family) *family.StringList { return &bundle.MemberIDs }
	default:
		return nil
	}

	parent, err := r.store.Get(family.KindFamily, record.Scope(), record.Scope())
	if errors.Is(err, family.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	bundle, ok := parent.(*family.Family)
	if !ok {
		return nil
	}
	list := listFor(bundle)
	if list.Contains(record.EntityID()) {
		return nil
	}
	*list = append(*list, record.EntityID())
	return r.store.Save(bundle)
}

func setIdentity(record family.Record, familyID, id string) error {
	switch typed := record.(type) {
	case *family.Family:
		typed.ID, typed.FamilyID = id, familyID
	case *family.Child:
		typed.ID, typed.FamilyID = id, familyID
	case *family.Member:
		typed.ID, typed.FamilyID = id, familyID
	case *family.Todo:
		typed.ID, typed.FamilyID = id, familyID
	case *family.Document:
		typed.ID, typed.FamilyID = id, familyID
	case *family.DocumentCategory:
		typed.ID, typed.FamilyID = id, familyID
	case *family.Event:
		typed.ID, typed.FamilyID = id, familyID
	case *family.ChatMessage:
		typed.ID, typed.FamilyID = id, familyID
	default:
		return fmt.Errorf("%w: %T", family.ErrUnknownKind, record)
	}
	return nil
}
