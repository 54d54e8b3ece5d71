package store

import (
	"errors"
	"fmt"
)

// ErrMiss is returned by RedisClient implementations when a key is absent.
var ErrMiss = errors.New("store: key not found")

// StorageError wraps any backend failure with the session it concerns and
// the operation that failed. Callers never see raw backend errors.
type StorageError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage %s failed for session %q", e.Op, e.SessionID)
	}
	return fmt.Sprintf("storage %s failed for session %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError builds a session-scoped storage error.
func NewStorageError(sessionID, op string, err error) *StorageError {
	return &StorageError{SessionID: sessionID, Op: op, Err: err}
}
