package family

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the synchronized entity types. The set is closed: every
// dispatch site switches exhaustively over these values.
type Kind string

const (
	// KindFamily is the family bundle record, including the denormalized
	// child and member id lists.
	KindFamily Kind = "family"
	// KindChild is a child profile within a family.
	KindChild Kind = "child"
	// KindMember is a family membership record.
	KindMember Kind = "member"
	// KindTodo is a shared todo item.
	KindTodo Kind = "todo"
	// KindDocument is a shared document's metadata record.
	KindDocument Kind = "document"
	// KindDocumentCategory groups documents within a family.
	KindDocumentCategory Kind = "documentCategory"
	// KindEvent is a calendar event.
	KindEvent Kind = "event"
	// KindChatMessage is a family chat message.
	KindChatMessage Kind = "chatMessage"
)

// ErrUnknownKind indicates an entity kind tag that is not part of the closed set.
var ErrUnknownKind = errors.New("family: unknown entity kind")

// Kinds returns every synchronized entity kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindFamily,
		KindChild,
		KindMember,
		KindTodo,
		KindDocument,
		KindDocumentCategory,
		KindEvent,
		KindChatMessage,
	}
}

// ParseKind validates a raw kind tag, typically read back from persisted
// outbox rows or wire payloads.
func ParseKind(raw string) (Kind, error) {
	candidate := Kind(strings.TrimSpace(raw))
	switch candidate {
	case KindFamily, KindChild, KindMember, KindTodo, KindDocument,
		KindDocumentCategory, KindEvent, KindChatMessage:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// String returns the raw kind tag.
func (k Kind) String() string {
	return string(k)
}
