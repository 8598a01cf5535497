package promzone

import (
	"errors"
	"fmt"
)

// TypeError mirrors JavaScript's TypeError, raised by the resolution
// procedure when a promise is resolved with itself.
type TypeError struct {
	Cause   error
	Message string
}

func (e *TypeError) Error() string {
	if e.Message == "" {
		return "type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause, for use with [errors.Is]/[errors.As].
func (e *TypeError) Unwrap() error { return e.Cause }

// Name returns "TypeError", matched by string filters in
// [Promise.CatchFilter].
func (e *TypeError) Name() string { return "TypeError" }

// RangeError mirrors JavaScript's RangeError.
type RangeError struct {
	Cause   error
	Message string
}

func (e *RangeError) Error() string {
	if e.Message == "" {
		return "range error"
	}
	return e.Message
}

func (e *RangeError) Unwrap() error { return e.Cause }

// Name returns "RangeError", matched by string filters in
// [Promise.CatchFilter].
func (e *RangeError) Name() string { return "RangeError" }

// PanicError wraps a value recovered from a panicking handler or executor.
// A handler that panics rejects its downstream promise with a PanicError
// rather than propagating the panic through the engine.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("promzone: handler panicked: %v", e.Value)
}

// Unwrap returns the recovered value if it is itself an error, enabling
// errors.Is/errors.As to see through the panic wrapper.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ErrorWrapper adapts a non-error rejection reason to the error interface,
// used by [Any] when aggregating rejections that were not errors.
type ErrorWrapper struct {
	Value Result
}

func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("%v", e.Value)
}

// AggregateError is raised by [Any] when every input promise rejects. Errors
// preserves the rejection reasons in input order.
type AggregateError struct {
	Message string
	Errors  []error
}

func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "all promises were rejected"
}

// Unwrap exposes the aggregated errors for multi-error unwrapping.
func (e *AggregateError) Unwrap() []error { return e.Errors }

// Is reports whether target is an *AggregateError. Matching against the
// aggregated errors themselves is done by errors.Is through
// [AggregateError.Unwrap], not by this method.
func (e *AggregateError) Is(target error) bool {
	var agg *AggregateError
	return errors.As(target, &agg)
}

// errNoPromises is the reason [Any] rejects with when given no promises.
var errNoPromises = errors.New("promzone: Any called with no promises")
