package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling with errors.Is.
var (
	// ErrUnsupportedWhere reports a where clause outside the
	// "col = ? [AND col = ?]..." subset a document backend can evaluate.
	ErrUnsupportedWhere = errors.New("unsupported where clause for this backend")

	// ErrBadSnapshot reports a stored blob that cannot be decoded.
	ErrBadSnapshot = errors.New("stored snapshot is not valid")
)

// Error wraps a backend failure with the backend name and the operation
// that failed, so callers can log one coherent line and still unwrap the
// driver error underneath.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a backend error, passing nil through untouched.
func NewError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Backend: backend, Op: op, Err: err}
}
