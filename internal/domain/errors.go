package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. The HTTP layer maps these to
// response codes; NotFound deliberately covers both absent and unauthorized
// resources so existence is never disclosed.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrForbidden  = errors.New("insufficient permissions")
	ErrConflict   = errors.New("conflicting state")
	ErrValidation = errors.New("invalid input")
)

// RuntimeError wraps a failed container runtime call with the operation name.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError wraps err as a container runtime failure.
func NewRuntimeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Err: err}
}

// IsRuntimeError reports whether err originated from a runtime call.
func IsRuntimeError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re)
}
