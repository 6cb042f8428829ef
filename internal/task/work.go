package task

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrTimeout           = errors.New("task exceeded its time budget")
	ErrCancelled         = errors.New("task cancelled")
)

// Work is the unit executed by a Task. Implementations must poll the handle
// for cancellation; nothing interrupts a Run that does not return.
type Work interface {
	Run(ctx context.Context, h *Handle) (any, error)
}

type WorkFunc func(ctx context.Context, h *Handle) (any, error)

func (f WorkFunc) Run(ctx context.Context, h *Handle) (any, error) { return f(ctx, h) }

// Func boxes fn together with a fixed set of captured arguments.
func Func(fn func(h *Handle, args ...any) (any, error), args ...any) Work {
	captured := append([]any(nil), args...)
	return WorkFunc(func(_ context.Context, h *Handle) (any, error) {
		return fn(h, captured...)
	})
}

// PanicError is the failure recorded when work panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorType names the concrete type behind err, looking through panics.
func ErrorType(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return fmt.Sprintf("%T", pe.Value)
	}
	return fmt.Sprintf("%T", err)
}

// ErrorStack returns the captured stack trace, if err carries one.
func ErrorStack(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return string(pe.Stack)
	}
	return ""
}
