package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents a classification of forwarding failures.
type ErrorClass string

const (
	// ErrorClassNetwork represents connection and transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents deadline and client timeout errors.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassCanceled represents requests abandoned by the caller.
	ErrorClassCanceled ErrorClass = "canceled"

	// ErrorClassRequest represents requests that could not be built.
	ErrorClassRequest ErrorClass = "request"
)

// Error is returned by Forward when no upstream response was obtained.
type Error struct {
	Method     string
	URL        string
	ErrorClass ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s error: %s %s: %v", e.ErrorClass, e.Method, e.URL, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classifyError categorizes a transport error for observability.
func classifyError(err error) ErrorClass {
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}
