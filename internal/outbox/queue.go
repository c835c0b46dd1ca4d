package outbox

import (
	"errors"
	"time"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("outbox: database handle is required")
	errMissingIDProvider = errors.New("outbox: id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new outbox rows.
type IDProvider interface {
	NewID() (string, error)
}

// QueueConfig describes the dependencies of the outbox queue.
type QueueConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Queue is the durable outbox of pending remote mutations.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewQueue constructs the outbox queue.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, ids: cfg.IDProvider, logger: logger}, nil
}

// Enqueue records a pending mutation for the (family, kind, id) key. A second
// enqueue for the same key replaces the existing op: the op type is updated,
// attempts reset to zero and the op becomes immediately eligible.
//
// Enqueue never surfaces persistence failures to the caller. The optimistic
// local mutation has already been applied; losing the outbox row is a
// best-effort gap that gets logged, not a transactional rollback.
func (q *Queue) Enqueue(familyID string, kind family.Kind, entityID string, opType OpType) {
	now := q.clock().UTC().Unix()
	opID, err := q.ids.NewID()
	if err != nil {
		q.logger.Error("outbox enqueue id generation failed",
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return
	}

	op := Op{
		ID:                 opID,
		FamilyID:           familyID,
		EntityKind:         kind.String(),
		EntityID:           entityID,
		OpType:             opType,
		CreatedAtSeconds:   now,
		NextRetryAtSeconds: now,
		Attempts:           0,
		LastError:          "",
	}

	err = q.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "family_id"}, {Name: "entity_kind"}, {Name: "entity_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"op_type":         string(opType),
			"next_retry_at_s": now,
			"attempts":        0,
			"last_error":      "",
		}),
	}).Create(&op).Error
	if err != nil {
		q.logger.Error("outbox enqueue failed",
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.String("op_type", string(opType)),
			zap.Error(err))
	}
}

// Due returns every op eligible to run at the given instant, oldest first.
// FIFO by creation time; there is no priority lane.
func (q *Queue) Due(now time.Time, familyID string) ([]Op, error) {
	query := q.db.Where("next_retry_at_s <= ?", now.UTC().Unix())
	if familyID != "" {
		query = query.Where("family_id = ?", familyID)
	}
	var ops []Op
	if err := query.Order("created_at_s ASC").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// Remove deletes a processed op. Only successful processing removes ops.
func (q *Queue) Remove(opID string) error {
	return q.db.Where("id = ?", opID).Delete(&Op{}).Error
}

// RemoveKey purges any outstanding op for an entity key. Used by the
// local-only delete fast path so a stale op cannot resurrect data that never
// left the device.
func (q *Queue) RemoveKey(familyID string, kind family.Kind, entityID string) error {
	return q.db.
		Where("family_id = ? AND entity_kind = ? AND entity_id = ?", familyID, kind.String(), entityID).
		Delete(&Op{}).Error
}

// RemoveFamily purges every op for a family. Used by the local-wipe path.
func (q *Queue) RemoveFamily(familyID string) error {
	return q.db.Where("family_id = ?", familyID).Delete(&Op{}).Error
}

// RecordFailure schedules a retry for a failed op: attempts increments by one
// and the op becomes eligible again after the exponential backoff delay. Ops
// are never dropped on failure.
func (q *Queue) RecordFailure(op *Op, message string) error {
	op.Attempts++
	op.LastError = message
	op.NextRetryAtSeconds = q.clock().UTC().Add(BackoffDelay(op.Attempts)).Unix()
	return q.db.Model(&Op{}).
		Where("id = ?", op.ID).
		Updates(map[string]interface{}{
			"attempts":        op.Attempts,
			"last_error":      op.LastError,
			"next_retry_at_s": op.NextRetryAtSeconds,
		}).Error
}

// Find returns the op for an entity key, or ErrNotFound when absent.
func (q *Queue) Find(familyID string, kind family.Kind, entityID string) (Op, error) {
	var op Op
	err := q.db.
		Where("family_id = ? AND entity_kind = ? AND entity_id = ?", familyID, kind.String(), entityID).
		Take(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Op{}, family.ErrNotFound
	}
	if err != nil {
		return Op{}, err
	}
	return op, nil
}

// Count returns the number of queued ops for a family; an empty family id
// counts the whole outbox.
func (q *Queue) Count(familyID string) (int64, error) {
	query := q.db.Model(&Op{})
	if familyID != "" {
		query = query.Where("family_id = ?", familyID)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}
