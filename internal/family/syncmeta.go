package family

import (
	"errors"
	"fmt"
	"strings"
)

// SyncState tracks where an entity sits in the local/remote reconciliation cycle.
type SyncState string

const (
	// SyncStatePendingUpsert marks a local write awaiting remote confirmation.
	SyncStatePendingUpsert SyncState = "pendingUpsert"
	// SyncStatePendingDelete marks a local delete awaiting remote confirmation.
	SyncStatePendingDelete SyncState = "pendingDelete"
	// SyncStateSynced marks an entity confirmed by the remote store.
	SyncStateSynced SyncState = "synced"
	// SyncStateError marks an entity whose last remote operation failed.
	SyncStateError SyncState = "error"
)

// ErrUnknownSyncState indicates a persisted sync state outside the known set.
var ErrUnknownSyncState = errors.New("family: unknown sync state")

// ParseSyncState validates a raw sync state tag read from storage.
func ParseSyncState(raw string) (SyncState, error) {
	candidate := SyncState(strings.TrimSpace(raw))
	switch candidate {
	case SyncStatePendingUpsert, SyncStatePendingDelete, SyncStateSynced, SyncStateError:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSyncState, raw)
	}
}

// SyncMeta carries the synchronization metadata shared by every entity model.
//
// UpdatedAtSeconds and CreatedAtSeconds are unix seconds; zero means the
// timestamp is absent. An absent remote timestamp is stored as zero and never
// replaced with local wall-clock time, so it can never win a future
// last-writer-wins comparison it did not earn.
type SyncMeta struct {
	SyncState        SyncState `gorm:"column:sync_state;size:32;not null;default:'synced'"`
	LastSyncError    string    `gorm:"column:last_sync_error;type:text;not null;default:''"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;default:0"`
	UpdatedAtSeconds int64     `gorm:"column:updated_at_s;not null;default:0;index"`
	UpdatedBy        string    `gorm:"column:updated_by;size:190;not null;default:''"`
	IsDeleted        bool      `gorm:"column:is_deleted;not null;default:false"`
}

// MergeStamp resolves the timestamp used for last-writer-wins comparisons:
// updatedAt, falling back to createdAt, falling back to zero (distant past).
// This is the only place the fallback chain lives.
func MergeStamp(updatedAtSeconds, createdAtSeconds int64) int64 {
	if updatedAtSeconds > 0 {
		return updatedAtSeconds
	}
	if createdAtSeconds > 0 {
		return createdAtSeconds
	}
	return 0
}

// MergeStamp returns the entity's own merge-comparison timestamp.
func (m SyncMeta) MergeStamp() int64 {
	return MergeStamp(m.UpdatedAtSeconds, m.CreatedAtSeconds)
}

// MarkPendingUpsert flags a local write awaiting remote confirmation.
func (m *SyncMeta) MarkPendingUpsert() {
	m.SyncState = SyncStatePendingUpsert
}

// MarkPendingDelete flags a local delete awaiting remote confirmation.
func (m *SyncMeta) MarkPendingDelete() {
	m.SyncState = SyncStatePendingDelete
}

// MarkSynced records remote confirmation and clears the last error.
func (m *SyncMeta) MarkSynced() {
	m.SyncState = SyncStateSynced
	m.LastSyncError = ""
}

// MarkError records a failed remote operation.
func (m *SyncMeta) MarkError(message string) {
	m.SyncState = SyncStateError
	m.LastSyncError = message
}
