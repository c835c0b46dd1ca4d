package remote

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied marks a gateway failure caused by revoked or missing
// access to a scope. It is never retried: the engine routes it to the
// revocation path.
var ErrPermissionDenied = errors.New("remote: permission denied")

// IsPermissionDenied reports whether the error chain contains a
// permission-denied gateway failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// StatusError is a non-2xx gateway response outside the permission-denied
// class. It is treated as transient and retryable.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: unexpected status %d: %s", e.StatusCode, e.Body)
}
