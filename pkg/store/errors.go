package store

import (
	"errors"
	"fmt"
)

// ErrRowNotFound is returned by GetRow when no row matches the id.
var ErrRowNotFound = errors.New("row not found")

// ErrUnknownProvider is returned by Bind when a configured provider name has
// no registered factory.
var ErrUnknownProvider = errors.New("unknown storage provider")

// WriteError wraps a failed write capability with the backend family that
// failed. The orchestrator treats any WriteError as fatal to the item being
// processed; the item must never end the run as processed.
type WriteError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s write failed: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s write failed: %s", e.Backend, e.Reason)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
