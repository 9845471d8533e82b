package ecotask

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedModelOutput is matched by every *MalformedOutputError.
	ErrMalformedModelOutput = errors.New("malformed model output")

	ErrMissingTask      = errors.New("task description is required")
	ErrEmptyPhoto       = errors.New("photo is empty")
	ErrUnsupportedMedia = errors.New("unsupported media type")

	ErrNoBackend        = errors.New("no backend selected")
	ErrMultipleBackends = errors.New("multiple backends selected, only one allowed")
)

// MalformedOutputError reports model output that does not have the expected
// shape.
type MalformedOutputError struct {
	Field  string // which part of the output, e.g. "valuation"
	Output string // the offending text
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output in %s: %s", e.Field, e.Reason)
}

func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedModelOutput
}

// ModelError wraps a failure talking to the model backend.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *ModelError) Unwrap() error { return e.Err }
