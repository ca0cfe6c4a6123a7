package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// RecoverPanic converts a recovered value into a *PanicError. It must be
// called with the result of recover() from inside the deferred function:
//
//	defer func() {
//		if err := errors.RecoverPanic(recover()); err != nil { ... }
//	}()
//
// Returns nil when r is nil.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// Safely runs fn and turns a panic into a *PanicError
func Safely(fn func() error) (err error) {
	defer func() {
		if perr := RecoverPanic(recover()); perr != nil {
			err = perr
		}
	}()
	return fn()
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
