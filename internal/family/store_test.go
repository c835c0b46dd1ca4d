package family

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:family_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate models: %v", err)
	}

	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustSave(t *testing.T, store *Store, record Record) {
	t.Helper()
	if err := store.Save(record); err != nil {
		t.Fatalf("failed to save %s %s: %v", record.Kind(), record.EntityID(), err)
	}
}

func TestStoreSaveAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	todo := &Todo{
		ID:       "todo-1",
		FamilyID: "fam-1",
		Title:    "buy milk",
		SyncMeta: SyncMeta{SyncState: SyncStateSynced, UpdatedAtSeconds: 1700000100},
	}
	mustSave(t, store, todo)

	loaded, err := store.Get(KindTodo, "fam-1", "todo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, ok := loaded.(*Todo)
	if !ok {
		t.Fatalf("expected *Todo, got %T", loaded)
	}
	if stored.Title != "buy milk" || stored.UpdatedAtSeconds != 1700000100 {
		t.Fatalf("unexpected stored row %+v", stored)
	}
}

func TestStoreSaveReplacesExistingRow(t *testing.T) {
	store := newTestStore(t)
	mustSave(t, store, &Todo{ID: "todo-1", FamilyID: "fam-1", Title: "first"})
	mustSave(t, store, &Todo{ID: "todo-1", FamilyID: "fam-1", Title: "second", Done: true})

	loaded, err := store.Get(KindTodo, "fam-1", "todo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := loaded.(*Todo)
	if stored.Title != "second" || !stored.Done {
		t.Fatalf("expected replaced row, got %+v", stored)
	}
}

func TestStoreGetMissingRowReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(KindTodo, "fam-1", "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreScopesRowsByFamily(t *testing.T) {
	store := newTestStore(t)
	mustSave(t, store, &Todo{ID: "todo-1", FamilyID: "fam-1", Title: "fam one"})
	mustSave(t, store, &Todo{ID: "todo-1", FamilyID: "fam-2", Title: "fam two"})

	loaded, err := store.Get(KindTodo, "fam-2", "todo-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.(*Todo).Title != "fam two" {
		t.Fatalf("expected the fam-2 row, got %+v", loaded)
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	mustSave(t, store, &Event{ID: "evt-1", FamilyID: "fam-1", Title: "recital"})

	if err := store.Delete(KindEvent, "fam-1", "evt-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Delete(KindEvent, "fam-1", "evt-1"); err != nil {
		t.Fatalf("deleting an absent row should be a no-op: %v", err)
	}
	if _, err := store.Get(KindEvent, "fam-1", "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}
}

func TestStoreListOrdersByMergeStampDescending(t *testing.T) {
	store := newTestStore(t)
	mustSave(t, store, &Todo{ID: "todo-old", FamilyID: "fam-1", Title: "old", SyncMeta: SyncMeta{UpdatedAtSeconds: 1700000100}})
	mustSave(t, store, &Todo{ID: "todo-new", FamilyID: "fam-1", Title: "new", SyncMeta: SyncMeta{UpdatedAtSeconds: 1700000900}})
	mustSave(t, store, &Todo{ID: "todo-other", FamilyID: "fam-2", Title: "other scope"})

	rows, err := store.List(KindTodo, "fam-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows, got %d", len(rows))
	}
	if rows[0].EntityID() != "todo-new" || rows[1].EntityID() != "todo-old" {
		t.Fatalf("unexpected ordering: %s then %s", rows[0].EntityID(), rows[1].EntityID())
	}
}

func TestStoreStatusDefaultsToZeroValue(t *testing.T) {
	store := newTestStore(t)
	status, err := store.Status("fam-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.FamilyID != "fam-1" || status.LastSyncAtSeconds != 0 || status.LastSyncError != "" {
		t.Fatalf("unexpected zero status %+v", status)
	}
}

func TestStoreRecordSyncSuccessClearsError(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordSyncError("fam-1", "remote unavailable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RecordSyncSuccess("fam-1", 1700000200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := store.Status("fam-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.LastSyncAtSeconds != 1700000200 {
		t.Fatalf("expected mark advanced, got %d", status.LastSyncAtSeconds)
	}
	if status.LastSyncError != "" {
		t.Fatalf("expected error cleared, got %q", status.LastSyncError)
	}
}

func TestStoreRecordSyncErrorKeepsMark(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordSyncSuccess("fam-1", 1700000200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.RecordSyncError("fam-1", "remote unavailable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := store.Status("fam-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.LastSyncAtSeconds != 1700000200 {
		t.Fatalf("recording an error must not move the mark, got %d", status.LastSyncAtSeconds)
	}
	if status.LastSyncError != "remote unavailable" {
		t.Fatalf("expected error recorded, got %q", status.LastSyncError)
	}
}

func TestStorePurgeFamilyRemovesEveryKindAndStatus(t *testing.T) {
	store := newTestStore(t)
	mustSave(t, store, &Family{ID: "fam-1", FamilyID: "fam-1", Name: "The Smiths"})
	mustSave(t, store, &Child{ID: "child-1", FamilyID: "fam-1", Name: "Ada"})
	mustSave(t, store, &ChatMessage{ID: "msg-1", FamilyID: "fam-1", Body: "hello"})
	mustSave(t, store, &Todo{ID: "todo-1", FamilyID: "fam-2", Title: "other scope"})
	if err := store.RecordSyncSuccess("fam-1", 1700000200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.PurgeFamily("fam-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, kind := range []Kind{KindFamily, KindChild, KindChatMessage} {
		rows, err := store.List(kind, "fam-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rows) != 0 {
			t.Fatalf("expected %s rows purged, found %d", kind, len(rows))
		}
	}
	status, err := store.Status("fam-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.LastSyncAtSeconds != 0 {
		t.Fatalf("expected status purged, got %+v", status)
	}

	if _, err := store.Get(KindTodo, "fam-2", "todo-1"); err != nil {
		t.Fatalf("other scopes must survive a purge: %v", err)
	}
}
