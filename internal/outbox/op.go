// Package outbox implements the durable queue of pending remote mutations.
//
// At most one op exists per (family, entity kind, entity id) key: re-enqueue
// replaces the existing op instead of appending, so ops for the same key can
// never be processed out of order and the newest intent always wins.
package outbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OpType enumerates the pending mutation types.
type OpType string

const (
	// OpTypeUpsert represents a pending create-or-replace.
	OpTypeUpsert OpType = "upsert"
	// OpTypeDelete represents a pending delete.
	OpTypeDelete OpType = "delete"
)

// ErrUnknownOpType indicates a persisted op type outside the known set.
var ErrUnknownOpType = errors.New("outbox: unknown op type")

// ParseOpType validates a raw op type tag read from storage.
func ParseOpType(raw string) (OpType, error) {
	candidate := OpType(strings.TrimSpace(raw))
	switch candidate {
	case OpTypeUpsert, OpTypeDelete:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOpType, raw)
	}
}

// Op is a durable outbox record for one pending remote mutation. The op
// carries no payload snapshot: the processor re-reads current entity state at
// flush time, so coalescing by key-replace always ships the latest state.
type Op struct {
	ID                 string `gorm:"column:id;primaryKey;size:190;not null"`
	FamilyID           string `gorm:"column:family_id;size:190;not null;uniqueIndex:idx_outbox_key,priority:1"`
	EntityKind         string `gorm:"column:entity_kind;size:64;not null;uniqueIndex:idx_outbox_key,priority:2"`
	EntityID           string `gorm:"column:entity_id;size:190;not null;uniqueIndex:idx_outbox_key,priority:3"`
	OpType             OpType `gorm:"column:op_type;size:32;not null"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null;index"`
	NextRetryAtSeconds int64  `gorm:"column:next_retry_at_s;not null;index"`
	Attempts           int    `gorm:"column:attempts;not null;default:0"`
	LastError          string `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Op) TableName() string { return "sync_ops" }

const maxBackoff = 300 * time.Second

// BackoffDelay returns the retry delay after the given failure count:
// 2^(attempts-1) seconds, capped at five minutes.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		return time.Second
	}
	if attempts > 9 {
		return maxBackoff
	}
	delay := time.Duration(1<<(attempts-1)) * time.Second
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
