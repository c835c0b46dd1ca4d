package remote

import "context"

// Subscription is a live realtime change feed. Cancel is idempotent.
type Subscription interface {
	Cancel()
}

// ChangeHandler receives realtime change batches in server-assigned order.
// Delivery is at-least-once.
type ChangeHandler func(batch ChangeBatch)

// ErrorHandler receives terminal subscription errors.
type ErrorHandler func(err error)

// Gateway is the narrow interface the sync engine consumes to reach the
// remote document store. Implementations must report permission-denied
// failures distinguishably (IsPermissionDenied) so the engine can route them
// to the revocation path instead of the retry path.
type Gateway interface {
	// Upsert is an idempotent create-or-replace of one remote document.
	Upsert(ctx context.Context, envelope Envelope) error

	// Delete removes the remote document.
	Delete(ctx context.Context, kind, familyID, id string) error

	// SoftDelete marks the remote document deleted without removing it. Used
	// where hard delete is undesirable, such as collaborative todo lists.
	SoftDelete(ctx context.Context, kind, familyID, id string) error

	// ListenChanges attaches a realtime subscription for one (family, kind)
	// query. Changes arrive batched, in server-assigned order.
	ListenChanges(ctx context.Context, kind, familyID string, onChange ChangeHandler, onError ErrorHandler) (Subscription, error)

	// FetchChangedSince is the incremental-pull fallback: every document in
	// the scope with a merge timestamp strictly greater than since.
	FetchChangedSince(ctx context.Context, kind, familyID string, sinceSeconds int64) ([]Envelope, error)
}
