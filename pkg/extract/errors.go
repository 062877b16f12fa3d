package extract

import (
	"errors"
	"fmt"
)

// ErrorKind classifies extraction failures. Kinds drive logging and retry
// decisions; all of them are scoped to a single segment.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindProviderError     ErrorKind = "provider_error"
)

// Error is a typed extraction failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s)", e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with an extraction failure kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// AsError extracts a typed extraction error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
