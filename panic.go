package stackful

import (
	"fmt"
	"runtime"
)

// PanicError is the failure a fiber completes with when its entry panics.
// It carries the recovered value together with the stack of the fiber at the
// point of the panic.
type PanicError struct {
	// Value is the original value passed to panic().
	Value any

	// Stack is the fiber's stack trace at the point of panic.
	Stack string
}

// Error returns the panic value followed by the captured stack.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func capturedStack() string {
	// runtime.Stack truncates if 8 KiB is not enough.
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func newPanicError(v any) *PanicError {
	return &PanicError{
		Value: v,
		Stack: capturedStack(),
	}
}
