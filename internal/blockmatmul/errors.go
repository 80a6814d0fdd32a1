package blockmatmul

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShape  = errors.New("invalid shape")
	ErrNotContiguous = errors.New("tensor is not contiguous")
)

// ShapeError describes a rejected input. It wraps ErrInvalidShape or
// ErrNotContiguous.
type ShapeError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("blockmatmul: %s: %s", e.Op, e.Reason)
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}

func invalidShape(op, format string, args ...any) error {
	return &ShapeError{Op: op, Reason: fmt.Sprintf(format, args...), Err: ErrInvalidShape}
}

func notContiguous(op, name string) error {
	return &ShapeError{Op: op, Reason: name + " must be contiguous row-major", Err: ErrNotContiguous}
}
