package family

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a JSON-encoded list column used for denormalized id sets on
// the family bundle (child ids, member ids).
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	encoded, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("family: encode string list: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	raw, err := rawText(value)
	if err != nil {
		return fmt.Errorf("family: scan string list: %w", err)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Contains reports whether the list holds the given id.
func (l StringList) Contains(id string) bool {
	for _, candidate := range l {
		if candidate == id {
			return true
		}
	}
	return false
}

// ReactionSet maps actor id to the emoji that actor attached to a message.
type ReactionSet map[string]string

// Value implements driver.Valuer.
func (r ReactionSet) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("family: encode reaction set: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (r *ReactionSet) Scan(value interface{}) error {
	raw, err := rawText(value)
	if err != nil {
		return fmt.Errorf("family: scan reaction set: %w", err)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}

// Merge unions the incoming set into the receiver keyed by actor id. Incoming
// entries win per actor; actors present only locally are kept, so an
// optimistic local reaction survives a remote snapshot that has not observed
// it yet. Reports whether the receiver changed.
func (r *ReactionSet) Merge(incoming ReactionSet) bool {
	changed := false
	for actor, emoji := range incoming {
		if existing, ok := (*r)[actor]; ok && existing == emoji {
			continue
		}
		if *r == nil {
			*r = make(ReactionSet, len(incoming))
		}
		(*r)[actor] = emoji
		changed = true
	}
	return changed
}

// ReadReceipts maps actor id to the unix second the actor read a message.
type ReadReceipts map[string]int64

// Value implements driver.Valuer.
func (r ReadReceipts) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("family: encode read receipts: %w", err)
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (r *ReadReceipts) Scan(value interface{}) error {
	raw, err := rawText(value)
	if err != nil {
		return fmt.Errorf("family: scan read receipts: %w", err)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}

// Merge unions the incoming receipts into the receiver keyed by actor id.
// The earliest read time wins for actors present on both sides. Reports
// whether the receiver changed.
func (r *ReadReceipts) Merge(incoming ReadReceipts) bool {
	changed := false
	for actor, readAt := range incoming {
		existing, ok := (*r)[actor]
		if ok && (existing <= readAt || readAt <= 0) {
			continue
		}
		if *r == nil {
			*r = make(ReadReceipts, len(incoming))
		}
		(*r)[actor] = readAt
		changed = true
	}
	return changed
}

func rawText(value interface{}) ([]byte, error) {
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case string:
		return []byte(typed), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", value)
	}
}
