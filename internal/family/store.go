package family

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the requested entity row does not exist locally.
	ErrNotFound = errors.New("family: entity not found")

	errMissingDatabase = errors.New("family: database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig describes the dependencies of the Entity Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the local persisted representation of domain entities. It is the
// single shared mutable resource of the sync engine; the orchestrator
// serializes all access to it.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs the Entity Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get loads a single entity row. Returns ErrNotFound when the row is absent.
func (s *Store) Get(kind Kind, familyID, id string) (Record, error) {
	record, err := NewRecord(kind)
	if err != nil {
		return nil, err
	}
	err = s.db.Where("family_id = ? AND id = ?", familyID, id).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, familyID, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("family: load %s %s: %w", kind, id, err)
	}
	return record, nil
}

// Save creates or fully replaces an entity row.
func (s *Store) Save(record Record) error {
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error
	if err != nil {
		return fmt.Errorf("family: save %s %s: %w", record.Kind(), record.EntityID(), err)
	}
	return nil
}

// Delete hard-deletes an entity row. Deleting an absent row is a no-op.
func (s *Store) Delete(kind Kind, familyID, id string) error {
	record, err := NewRecord(kind)
	if err != nil {
		return err
	}
	err = s.db.Where("family_id = ? AND id = ?", familyID, id).Delete(record).Error
	if err != nil {
		return fmt.Errorf("family: delete %s %s: %w", kind, id, err)
	}
	return nil
}

// List returns every row of a kind within a family, ordered by merge
// timestamp descending.
func (s *Store) List(kind Kind, familyID string) ([]Record, error) {
	query := s.db.Where("family_id = ?", familyID).Order("updated_at_s DESC")
	switch kind {
	case KindFamily:
		return collect[*Family](query)
	case KindChild:
		return collect[*Child](query)
	case KindMember:
		return collect[*Member](query)
	case KindTodo:
		return collect[*Todo](query)
	case KindDocument:
		return collect[*Document](query)
	case KindDocumentCategory:
		return collect[*DocumentCategory](query)
	case KindEvent:
		return collect[*Event](query)
	case KindChatMessage:
		return collect[*ChatMessage](query)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func collect[R Record](query *gorm.DB) ([]Record, error) {
	var rows []R
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("family: list: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, row)
	}
	return records, nil
}

// Status returns the family-level sync status, or a zero-valued status when
// the family has never completed a sync.
func (s *Store) Status(familyID string) (SyncStatus, error) {
	var status SyncStatus
	err := s.db.Where("family_id = ?", familyID).Take(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncStatus{FamilyID: familyID}, nil
	}
	if err != nil {
		return SyncStatus{}, fmt.Errorf("family: load sync status %s: %w", familyID, err)
	}
	return status, nil
}

// RecordSyncSuccess advances the family's last-sync low water mark and clears
// the last sync error.
func (s *Store) RecordSyncSuccess(familyID string, atSeconds int64) error {
	status := SyncStatus{FamilyID: familyID, LastSyncAtSeconds: atSeconds, LastSyncError: ""}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&status).Error
	if err != nil {
		return fmt.Errorf("family: record sync success %s: %w", familyID, err)
	}
	return nil
}

// RecordSyncError stores the family's last sync error without touching the
// low water mark.
func (s *Store) RecordSyncError(familyID, message string) error {
	existing, err := s.Status(familyID)
	if err != nil {
		return err
	}
	existing.LastSyncError = message
	err = s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&existing).Error
	if err != nil {
		return fmt.Errorf("family: record sync error %s: %w", familyID, err)
	}
	return nil
}

// PurgeFamily hard-deletes every entity row and the sync status for a family.
// Used by the local-wipe path when the user leaves a family.
func (s *Store) PurgeFamily(familyID string) error {
	for _, kind := range Kinds() {
		record, err := NewRecord(kind)
		if err != nil {
			return err
		}
		if err := s.db.Where("family_id = ?", familyID).Delete(record).Error; err != nil {
			return fmt.Errorf("family: purge %s rows for %s: %w", kind, familyID, err)
		}
	}
	err := s.db.Where("family_id = ?", familyID).Delete(&SyncStatus{}).Error
	if err != nil {
		return fmt.Errorf("family: purge sync status for %s: %w", familyID, err)
	}
	return nil
}

// Database exposes the underlying handle for transactional composition by the
// sync orchestrator.
func (s *Store) Database() *gorm.DB {
	return s.db
}
