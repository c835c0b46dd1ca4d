package synccenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/outbox"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"gorm.io/gorm"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:synccenter_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

	models := append(family.Models(), &outbox.Op{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate models: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, db *gorm.DB) *family.Store {
	t.Helper()
	store, err := family.NewStore(family.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestQueue(t *testing.T, db *gorm.DB, clock *fixedClock) *outbox.Queue {
	t.Helper()
	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: outbox.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue
}

func mustSave(t *testing.T, store *family.Store, record family.Record) {
	t.Helper()
	if err := store.Save(record); err != nil {
		t.Fatalf("failed to save %s %s: %v", record.Kind(), record.EntityID(), err)
	}
}

type gatewayCall struct {
	method   string
	kind     string
	familyID string
	entityID string
}

type fakeSubscription struct {
	cancelled chan struct{}
	once      sync.Once
}

func (s *fakeSubscription) Cancel() {
	s.once.Do(func() { close(s.cancelled) })
}

type fakeListener struct {
	kind         string
	familyID     string
	onChange     remote.ChangeHandler
	onError      remote.ErrorHandler
	subscription *fakeSubscription
}

// fakeGateway is an in-memory Gateway double. Upserts are recorded, failures
// are injected per call count or per family, and realtime listeners are
// captured so tests can push inbound batches.
type fakeGateway struct {
	mu sync.Mutex

	calls     []gatewayCall
	upserts   []remote.Envelope
	failWith  error
	failCalls int

	deniedFamilies map[string]struct{}

	changed map[string][]remote.Envelope

	listeners []*fakeListener
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		deniedFamilies: make(map[string]struct{}),
		changed:        make(map[string][]remote.Envelope),
	}
}

// failNext makes the next n mutating calls fail with the given error.
func (g *fakeGateway) failNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failCalls = n
	g.failWith = err
}

func (g *fakeGateway) denyFamily(familyID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deniedFamilies[familyID] = struct{}{}
}

func (g *fakeGateway) checkFailure(familyID string) error {
	if _, denied := g.deniedFamilies[familyID]; denied {
		return fmt.Errorf("%w: scope %s", remote.ErrPermissionDenied, familyID)
	}
	if g.failCalls > 0 {
		g.failCalls--
		return g.failWith
	}
	return nil
}

func (g *fakeGateway) Upsert(ctx context.Context, envelope remote.Envelope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{method: "upsert", kind: envelope.Kind, familyID: envelope.FamilyID, entityID: envelope.ID})
	if err := g.checkFailure(envelope.FamilyID); err != nil {
		return err
	}
	g.upserts = append(g.upserts, envelope)
	return nil
}

func (g *fakeGateway) Delete(ctx context.Context, kind, familyID, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{method: "delete", kind: kind, familyID: familyID, entityID: id})
	return g.checkFailure(familyID)
}

func (g *fakeGateway) SoftDelete(ctx context.Context, kind, familyID, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{method: "softDelete", kind: kind, familyID: familyID, entityID: id})
	return g.checkFailure(familyID)
}

func (g *fakeGateway) FetchChangedSince(ctx context.Context, kind, familyID string, sinceSeconds int64) ([]remote.Envelope, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{method: "fetch", kind: kind, familyID: familyID})
	if err := g.checkFailure(familyID); err != nil {
		return nil, err
	}
	var matched []remote.Envelope
	for _, envelope := range g.changed[kind] {
		if envelope.FamilyID == familyID && envelope.MergeStampOrZero() > sinceSeconds {
			matched = append(matched, envelope)
		}
	}
	return matched, nil
}

func (g *fakeGateway) ListenChanges(ctx context.Context, kind, familyID string, onChange remote.ChangeHandler, onError remote.ErrorHandler) (remote.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkFailure(familyID); err != nil {
		return nil, err
	}
	listener := &fakeListener{
		kind:         kind,
		familyID:     familyID,
		onChange:     onChange,
		onError:      onError,
		subscription: &fakeSubscription{cancelled: make(chan struct{})},
	}
	g.listeners = append(g.listeners, listener)
	return listener.subscription, nil
}

func (g *fakeGateway) callsFor(method string) []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var matched []gatewayCall
	for _, call := range g.calls {
		if call.method == method {
			matched = append(matched, call)
		}
	}
	return matched
}

func (g *fakeGateway) lastUpsert(t *testing.T) remote.Envelope {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.upserts) == 0 {
		t.Fatalf("expected at least one upsert to reach the gateway")
	}
	return g.upserts[len(g.upserts)-1]
}

func (g *fakeGateway) liveListener(t *testing.T, kind, familyID string) *fakeListener {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	for position := len(g.listeners) - 1; position >= 0; position-- {
		listener := g.listeners[position]
		if listener.kind != kind || listener.familyID != familyID {
			continue
		}
		select {
		case <-listener.subscription.cancelled:
			continue
		default:
			return listener
		}
	}
	t.Fatalf("no live listener for %s/%s", familyID, kind)
	return nil
}

var errRemoteUnavailable = errors.New("remote unavailable")
