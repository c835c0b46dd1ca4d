package synccenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/outbox"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultPullInterval  = 5 * time.Minute
)

var (
	errMissingStore   = errors.New("entity store is required")
	errMissingQueue   = errors.New("outbox queue is required")
	errMissingGateway = errors.New("remote gateway is required")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opOrchestratorNew = "synccenter.orchestrator.new"
	opFlush           = "synccenter.flush"
	opListen          = "synccenter.listen"
	opPull            = "synccenter.pull"
	opWipe            = "synccenter.wipe"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Revocation notifies the UI layer that the current user lost access to a
// family. Emitted at most once per scope per session.
type Revocation struct {
	FamilyID string
}

// Config describes the orchestrator's injected dependencies.
type Config struct {
	Store         *family.Store
	Queue         *outbox.Queue
	Gateway       remote.Gateway
	Clock         func() time.Time
	Logger        *zap.Logger
	FlushInterval time.Duration
	PullInterval  time.Duration
}

type listenerEntry struct {
	familyID     string
	subscription remote.Subscription
}

// Orchestrator is the sync engine façade: it owns realtime listener
// lifecycles, the periodic flush loop, revocation detection and the
// local-wipe guard. All Entity Store writes funnel through its store mutex,
// keeping the store single-writer.
type Orchestrator struct {
	store      *family.Store
	queue      *outbox.Queue
	gateway    remote.Gateway
	clock      func() time.Time
	logger     *zap.Logger
	processor  *Processor
	reconciler *Reconciler

	flushInterval time.Duration
	pullInterval  time.Duration

	// storeMu serializes every Entity Store mutation: flush processing,
	// inbound application, incremental pull and local wipes. The wipe guard
	// is this mutex, not an advisory flag.
	storeMu  sync.Mutex
	wiping   atomic.Bool
	flushing atomic.Bool

	listenerMu sync.Mutex
	listeners  map[family.Kind]*listenerEntry

	revokedMu   sync.Mutex
	revoked     map[string]struct{}
	revocations chan Revocation

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}

	pullMu     sync.Mutex
	pullCancel context.CancelFunc
	pullDone   chan struct{}
}

// NewOrchestrator constructs the sync orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_store", errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_queue", errMissingQueue)
	}
	if cfg.Gateway == nil {
		return nil, newServiceError(opOrchestratorNew, "missing_gateway", errMissingGateway)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	pullInterval := cfg.PullInterval
	if pullInterval <= 0 {
		pullInterval = defaultPullInterval
	}

	processor, err := NewProcessor(cfg.Store, cfg.Queue, cfg.Gateway, logger)
	if err != nil {
		return nil, newServiceError(opOrchestratorNew, "processor_init_failed", err)
	}
	reconciler, err := NewReconciler(cfg.Store, logger)
	if err != nil {
		return nil, newServiceError(opOrchestratorNew, "reconciler_init_failed", err)
	}

	return &Orchestrator{
		store:         cfg.Store,
		queue:         cfg.Queue,
		gateway:       cfg.Gateway,
		clock:         clock,
		logger:        logger,
		processor:     processor,
		reconciler:    reconciler,
		flushInterval: interval,
		pullInterval:  pullInterval,
		listeners:     make(map[family.Kind]*listenerEntry),
		revoked:       make(map[string]struct{}),
		revocations:   make(chan Revocation, 8),
	}, nil
}

// EnqueueUpsert records a pending remote upsert for an entity the UI layer
// already wrote optimistically. Fire-and-forget: local persistence problems
// are logged, never raised.
func (o *Orchestrator) EnqueueUpsert(kind family.Kind, familyID, entityID string) {
	familyID, entityID, err := validIdentifiers(familyID, entityID)
	if err != nil {
		o.logger.Warn("rejecting enqueue with invalid identifiers",
			zap.String("entity_kind", kind.String()),
			zap.Error(err))
		return
	}

	o.storeMu.Lock()
	defer o.storeMu.Unlock()

	record, err := o.store.Get(kind, familyID, entityID)
	if err == nil {
		record.Meta().MarkPendingUpsert()
		if saveErr := o.store.Save(record); saveErr != nil {
			o.logger.Warn("failed to mark entity pending",
				zap.String("family_id", familyID),
				zap.String("entity_kind", kind.String()),
				zap.String("entity_id", entityID),
				zap.Error(saveErr))
		}
	} else if !errors.Is(err, family.ErrNotFound) {
		o.logger.Warn("failed to load entity for enqueue",
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}

	o.queue.Enqueue(familyID, kind, entityID, outbox.OpTypeUpsert)
}

// EnqueueDelete records a pending remote delete. Entities that never reached
// the remote store take the local-only fast path: no gateway call is ever
// issued for them, any outstanding outbox op is purged so it cannot
// resurrect the row, and the local row is removed immediately.
func (o *Orchestrator) EnqueueDelete(kind family.Kind, familyID, entityID string) {
	familyID, entityID, err := validIdentifiers(familyID, entityID)
	if err != nil {
		o.logger.Warn("rejecting delete with invalid identifiers",
			zap.String("entity_kind", kind.String()),
			zap.Error(err))
		return
	}

	o.storeMu.Lock()
	defer o.storeMu.Unlock()

	record, err := o.store.Get(kind, familyID, entityID)
	if errors.Is(err, family.ErrNotFound) {
		if purgeErr := o.queue.RemoveKey(familyID, kind, entityID); purgeErr != nil {
			o.logger.Warn("failed to purge outbox op for missing entity", zap.Error(purgeErr))
		}
		return
	}
	if err != nil {
		o.logger.Warn("failed to load entity for delete",
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind.String()),
			zap.String("entity_id", entityID),
			zap.Error(err))
		return
	}

	if record.Meta().SyncState != family.SyncStateSynced {
		if purgeErr := o.queue.RemoveKey(familyID, kind, entityID); purgeErr != nil {
			o.logger.Warn("failed to purge outbox op on local-only delete", zap.Error(purgeErr))
		}
		if deleteErr := o.store.Delete(kind, familyID, entityID); deleteErr != nil {
			o.logger.Warn("failed to delete local-only entity", zap.Error(deleteErr))
		}
		return
	}

	record.Meta().MarkPendingDelete()
	if saveErr := o.store.Save(record); saveErr != nil {
		o.logger.Warn("failed to mark entity pending delete", zap.Error(saveErr))
	}
	o.queue.Enqueue(familyID, kind, entityID, outbox.OpTypeDelete)
}

// validIdentifiers normalizes the scope and entity identifiers the UI layer
// hands in before they become store keys or outbox keys.
func validIdentifiers(familyID, entityID string) (string, string, error) {
	scope, err := family.NewFamilyID(familyID)
	if err != nil {
		return "", "", err
	}
	entity, err := family.NewEntityID(entityID)
	if err != nil {
		return "", "", err
	}
	return scope.String(), entity.String(), nil
}

// FlushNow drains every eligible outbox op, oldest first, one at a time. An
// empty familyID flushes all scopes. Only one flush runs at a time: a
// concurrent call is a no-op and relies on the periodic loop to pick up the
// missed work. A failing op never aborts the flush of the ops behind it.
func (o *Orchestrator) FlushNow(ctx context.Context, familyID string) error {
	if !o.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer o.flushing.Store(false)

	due, err := o.queue.Due(o.clock(), familyID)
	if err != nil {
		o.logError(opFlush, "due_query_failed", err)
		return newServiceError(opFlush, "due_query_failed", err)
	}

	for _, op := range due {
		if ctx.Err() != nil {
			// Cancellation stops pulling new ops; the op in flight (if any)
			// already completed and its result was applied.
			return nil
		}
		if o.isRevoked(op.FamilyID) {
			continue
		}
		o.processOne(ctx, op)
	}
	return nil
}

func (o *Orchestrator) processOne(ctx context.Context, op outbox.Op) {
	o.storeMu.Lock()
	err := o.processor.Process(ctx, op)
	o.storeMu.Unlock()

	now := o.clock().UTC().Unix()
	if err == nil {
		if removeErr := o.queue.Remove(op.ID); removeErr != nil {
			o.logError(opFlush, "op_remove_failed", removeErr, zap.String("op_id", op.ID))
		}
		if statusErr := o.store.RecordSyncSuccess(op.FamilyID, now); statusErr != nil {
			o.logError(opFlush, "status_update_failed", statusErr, zap.String("family_id", op.FamilyID))
		}
		return
	}

	if failErr := o.queue.RecordFailure(&op, err.Error()); failErr != nil {
		o.logError(opFlush, "op_failure_record_failed", failErr, zap.String("op_id", op.ID))
	}
	if statusErr := o.store.RecordSyncError(op.FamilyID, err.Error()); statusErr != nil {
		o.logError(opFlush, "status_update_failed", statusErr, zap.String("family_id", op.FamilyID))
	}
	o.logError(opFlush, "op_process_failed", err,
		zap.String("family_id", op.FamilyID),
		zap.String("entity_kind", op.EntityKind),
		zap.String("entity_id", op.EntityID),
		zap.Int("attempts", op.Attempts))

	if remote.IsPermissionDenied(err) {
		o.revoke(op.FamilyID)
	}
}

// StartAutoFlush launches the periodic flush loop. Idempotent while running.
func (o *Orchestrator) StartAutoFlush(ctx context.Context) {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	if o.autoCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.autoCancel = cancel
	o.autoDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := o.FlushNow(loopCtx, ""); err != nil {
					o.logError(opFlush, "periodic_flush_failed", err)
				}
			}
		}
	}()
}

// StopAutoFlush stops the periodic flush loop and waits for it to exit.
// Idempotent.
func (o *Orchestrator) StopAutoFlush() {
	o.autoMu.Lock()
	cancel := o.autoCancel
	done := o.autoDone
	o.autoCancel = nil
	o.autoDone = nil
	o.autoMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// StartAutoPull launches the periodic incremental-pull loop over the given
// family scopes. Realtime subscriptions cover one scope per entity kind at a
// time; the pull loop keeps every other configured scope converging.
// Idempotent while running.
func (o *Orchestrator) StartAutoPull(ctx context.Context, familyIDs []string) {
	o.pullMu.Lock()
	defer o.pullMu.Unlock()
	if o.pullCancel != nil {
		return
	}

	scopes := make([]string, len(familyIDs))
	copy(scopes, familyIDs)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.pullCancel = cancel
	o.pullDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.pullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				for _, familyID := range scopes {
					if o.isRevoked(familyID) {
						continue
					}
					if err := o.PullChangedSince(loopCtx, familyID); err != nil {
						o.logError(opPull, "periodic_pull_failed", err,
							zap.String("family_id", familyID))
					}
				}
			}
		}
	}()
}

// StopAutoPull stops the periodic pull loop and waits for it to exit.
// Idempotent.
func (o *Orchestrator) StopAutoPull() {
	o.pullMu.Lock()
	cancel := o.pullCancel
	done := o.pullDone
	o.pullCancel = nil
	o.pullDone = nil
	o.pullMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// StartRealtime attaches the realtime listener for one entity kind, tearing
// down any existing listener for that kind first. At most one live
// subscription exists per kind process-wide.
func (o *Orchestrator) StartRealtime(ctx context.Context, kind family.Kind, familyID string) error {
	o.StopRealtime(kind)

	subscription, err := o.gateway.ListenChanges(ctx, kind.String(), familyID,
		func(batch remote.ChangeBatch) {
			o.applyInbound(kind, familyID, batch)
		},
		func(streamErr error) {
			if remote.IsPermissionDenied(streamErr) {
				o.revoke(familyID)
				return
			}
			o.logError(opListen, "subscription_failed", streamErr,
				zap.String("family_id", familyID),
				zap.String("entity_kind", kind.String()))
		})
	if err != nil {
		if remote.IsPermissionDenied(err) {
			o.revoke(familyID)
		}
		return newServiceError(opListen, "subscribe_failed", err)
	}

	o.listenerMu.Lock()
	displaced := o.listeners[kind]
	o.listeners[kind] = &listenerEntry{familyID: familyID, subscription: subscription}
	o.listenerMu.Unlock()

	if displaced != nil {
		displaced.subscription.Cancel()
	}
	return nil
}

// StopRealtime detaches the listener for one entity kind. Idempotent.
func (o *Orchestrator) StopRealtime(kind family.Kind) {
	o.listenerMu.Lock()
	entry := o.listeners[kind]
	delete(o.listeners, kind)
	o.listenerMu.Unlock()

	if entry != nil {
		entry.subscription.Cancel()
	}
}

// StartFamilyListeners attaches realtime listeners for every entity kind of
// a family scope.
func (o *Orchestrator) StartFamilyListeners(ctx context.Context, familyID string) error {
	for _, kind := range family.Kinds() {
		if err := o.StartRealtime(ctx, kind, familyID); err != nil {
			return err
		}
	}
	return nil
}

// StopAllListeners detaches every realtime listener.
func (o *Orchestrator) StopAllListeners() {
	o.listenerMu.Lock()
	entries := make([]*listenerEntry, 0, len(o.listeners))
	for kind, entry := range o.listeners {
		entries = append(entries, entry)
		delete(o.listeners, kind)
	}
	o.listenerMu.Unlock()

	for _, entry := range entries {
		entry.subscription.Cancel()
	}
}

func (o *Orchestrator) teardownScope(familyID string) {
	o.listenerMu.Lock()
	entries := make([]*listenerEntry, 0, len(o.listeners))
	for kind, entry := range o.listeners {
		if entry.familyID == familyID {
			entries = append(entries, entry)
			delete(o.listeners, kind)
		}
	}
	o.listenerMu.Unlock()

	for _, entry := range entries {
		entry.subscription.Cancel()
	}
}

// applyInbound routes a realtime batch through the reconciler on the store's
// serialization domain. A failed batch is logged and waits for the next
// inbound push or explicit reload; it is not retried here.
func (o *Orchestrator) applyInbound(kind family.Kind, familyID string, batch remote.ChangeBatch) {
	o.storeMu.Lock()
	err := o.reconciler.ApplyInbound(kind, familyID, batch)
	o.storeMu.Unlock()
	if err != nil {
		o.logError(opListen, "inbound_apply_failed", err,
			zap.String("family_id", familyID),
			zap.String("entity_kind", kind.String()))
	}
}

// PullChangedSince is the incremental-pull fallback: it fetches every remote
// document changed since the family's last sync low water mark, merges it
// with the same rules as the realtime path, then advances the mark to the
// newest merge stamp observed.
func (o *Orchestrator) PullChangedSince(ctx context.Context, familyID string) error {
	status, err := o.store.Status(familyID)
	if err != nil {
		return newServiceError(opPull, "status_load_failed", err)
	}
	since := status.LastSyncAtSeconds
	maxStamp := since

	for _, kind := range family.Kinds() {
		envelopes, err := o.gateway.FetchChangedSince(ctx, kind.String(), familyID, since)
		if err != nil {
			if remote.IsPermissionDenied(err) {
				o.revoke(familyID)
			}
			o.logError(opPull, "fetch_failed", err,
				zap.String("family_id", familyID),
				zap.String("entity_kind", kind.String()))
			return newServiceError(opPull, "fetch_failed", err)
		}
		if len(envelopes) == 0 {
			continue
		}
		for _, envelope := range envelopes {
			if stamp := envelope.MergeStampOrZero(); stamp > maxStamp {
				maxStamp = stamp
			}
		}
		o.applyInbound(kind, familyID, remote.ChangeBatch{Upserts: envelopes})
	}

	if maxStamp > since {
		if err := o.store.RecordSyncSuccess(familyID, maxStamp); err != nil {
			return newServiceError(opPull, "status_update_failed", err)
		}
	}
	return nil
}

// Revocations is the notification stream the UI layer subscribes to for
// "access revoked from scope" events.
func (o *Orchestrator) Revocations() <-chan Revocation {
	return o.revocations
}

func (o *Orchestrator) isRevoked(familyID string) bool {
	o.revokedMu.Lock()
	defer o.revokedMu.Unlock()
	_, handled := o.revoked[familyID]
	return handled
}

// revoke handles a permission-denied failure for a scope exactly once:
// every listener for the scope is torn down and a single revocation
// notification is emitted, no matter how many more denied calls arrive.
func (o *Orchestrator) revoke(familyID string) {
	o.revokedMu.Lock()
	if _, handled := o.revoked[familyID]; handled {
		o.revokedMu.Unlock()
		return
	}
	o.revoked[familyID] = struct{}{}
	o.revokedMu.Unlock()

	o.logger.Warn("access revoked from family scope", zap.String("family_id", familyID))
	o.teardownScope(familyID)

	select {
	case o.revocations <- Revocation{FamilyID: familyID}:
	default:
		o.logger.Warn("revocation notification dropped: stream full",
			zap.String("family_id", familyID))
	}
}

// BeginLocalWipe acquires the store mutex ahead of a destructive local data
// purge. Nothing else can touch the Entity Store until EndLocalWipe.
// Callers stop listeners before wiping and restart them after.
func (o *Orchestrator) BeginLocalWipe() {
	o.storeMu.Lock()
	o.wiping.Store(true)
}

// EndLocalWipe releases the wipe guard.
func (o *Orchestrator) EndLocalWipe() {
	o.wiping.Store(false)
	o.storeMu.Unlock()
}

// Wiping reports whether a local wipe is in progress.
func (o *Orchestrator) Wiping() bool {
	return o.wiping.Load()
}

// WipeFamily purges every local trace of a family: its listeners, entity
// rows, outbox ops and sync status.
func (o *Orchestrator) WipeFamily(familyID string) error {
	o.teardownScope(familyID)

	o.BeginLocalWipe()
	defer o.EndLocalWipe()

	if err := o.store.PurgeFamily(familyID); err != nil {
		return newServiceError(opWipe, "store_purge_failed", err)
	}
	if err := o.queue.RemoveFamily(familyID); err != nil {
		return newServiceError(opWipe, "outbox_purge_failed", err)
	}
	return nil
}

// Status returns the family-level sync status for UI badges.
func (o *Orchestrator) Status(familyID string) (family.SyncStatus, error) {
	return o.store.Status(familyID)
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("sync orchestrator error", attrs...)
}
