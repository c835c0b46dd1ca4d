package synccenter

import (
	"context"
	"errors"
	"fmt"

	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/outbox"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"go.uber.org/zap"
)

// Processor executes one outbox op at a time against the remote gateway.
// Ordering and re-entrancy are owned by the orchestrator's flush loop; the
// processor only knows how to ship a single op.
type Processor struct {
	store   *family.Store
	queue   *outbox.Queue
	gateway remote.Gateway
	logger  *zap.Logger
}

// NewProcessor constructs the outbox processor.
func NewProcessor(store *family.Store, queue *outbox.Queue, gateway remote.Gateway, logger *zap.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("synccenter: entity store is required")
	}
	if queue == nil {
		return nil, errors.New("synccenter: outbox queue is required")
	}
	if gateway == nil {
		return nil, errors.New("synccenter: remote gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, queue: queue, gateway: gateway, logger: logger}, nil
}

// Process applies one pending op to the remote store. A nil return means the
// op is finished and may be removed from the outbox; any error keeps the op
// queued for retry. Ops whose persisted kind or op type tag is not
// recognized fail hard: they were written by code this build does not know.
func (p *Processor) Process(ctx context.Context, op outbox.Op) error {
	kind, err := family.ParseKind(op.EntityKind)
	if err != nil {
		return err
	}
	opType, err := outbox.ParseOpType(string(op.OpType))
	if err != nil {
		return err
	}

	switch opType {
	case outbox.OpTypeUpsert:
		return p.processUpsert(ctx, kind, op)
	case outbox.OpTypeDelete:
		return p.processDelete(ctx, kind, op)
	default:
		return fmt.Errorf("%w: %q", outbox.ErrUnknownOpType, op.OpType)
	}
}

func (p *Processor) processUpsert(ctx context.Context, kind family.Kind, op outbox.Op) error {
	record, err := p.store.Get(kind, op.FamilyID, op.EntityID)
	if errors.Is(err, family.ErrNotFound) {
		// The local row disappeared since the op was enqueued; there is
		// nothing left to ship.
		p.logger.Warn("dropping upsert op for missing local entity",
			zap.String("family_id", op.FamilyID),
			zap.String("entity_kind", kind.String()),
			zap.String("entity_id", op.EntityID))
		return nil
	}
	if err != nil {
		return err
	}

	if record.Meta().SyncState != family.SyncStatePendingUpsert {
		record.Meta().MarkPendingUpsert()
		if err := p.store.Save(record); err != nil {
			return err
		}
	}

	envelope, err := encodeRecord(record)
	if err != nil {
		return p.markEntityError(record, err)
	}
	if err := p.gateway.Upsert(ctx, envelope); err != nil {
		return p.markEntityError(record, err)
	}

	record.Meta().MarkSynced()
	return p.store.Save(record)
}

func (p *Processor) processDelete(ctx context.Context, kind family.Kind, op outbox.Op) error {
	var err error
	switch kind {
	case family.KindTodo, family.KindChatMessage:
		// Collaborative timelines keep a tombstone remotely instead of
		// erasing the row other members may still reference.
		err = p.gateway.SoftDelete(ctx, kind.String(), op.FamilyID, op.EntityID)
	default:
		err = p.gateway.Delete(ctx, kind.String(), op.FamilyID, op.EntityID)
	}
	if err != nil {
		record, loadErr := p.store.Get(kind, op.FamilyID, op.EntityID)
		if loadErr == nil {
			return p.markEntityError(record, err)
		}
		return err
	}

	// Remote confirmed: the local row can finally go.
	return p.store.Delete(kind, op.FamilyID, op.EntityID)
}

// markEntityError records the failure on the entity's sync metadata and
// re-raises the original error to the op-level handler.
func (p *Processor) markEntityError(record family.Record, cause error) error {
	record.Meta().MarkError(cause.Error())
	if saveErr := p.store.Save(record); saveErr != nil {
		p.logger.Error("failed to persist entity sync error",
			zap.String("family_id", record.Scope()),
			zap.String("entity_kind", record.Kind().String()),
			zap.String("entity_id", record.EntityID()),
			zap.Error(saveErr))
	}
	return cause
}
