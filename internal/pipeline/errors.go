package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass buckets failures for retry and reporting decisions.
type ErrorClass string

const (
	// ClassSourceUnavailable: the topic/keyword feed is unreachable.
	// Degrades the run, never aborts it.
	ClassSourceUnavailable ErrorClass = "source_unavailable"
	// ClassEmptyResult: extraction produced zero topics for the date.
	ClassEmptyResult ErrorClass = "empty_result"
	// ClassSessionPoolExhausted: no session handle became available within
	// the bounded wait.
	ClassSessionPoolExhausted ErrorClass = "session_pool_exhausted"
	// ClassAuthRejected: the platform permanently rejected credentials.
	ClassAuthRejected ErrorClass = "auth_rejected"
	// ClassThrottled: a 429-equivalent or platform block page.
	ClassThrottled ErrorClass = "throttled"
	// ClassTransientNetwork: timeouts and connection-level failures.
	ClassTransientNetwork ErrorClass = "transient_network"
	// ClassPersistenceUnavailable: storage outage, retried like a network
	// error.
	ClassPersistenceUnavailable ErrorClass = "persistence_unavailable"
	// ClassMalformedResponse: the platform returned an unexpected shape.
	ClassMalformedResponse ErrorClass = "malformed_response"
	// ClassMalformedKeyword: the keyword cannot be searched on the platform.
	ClassMalformedKeyword ErrorClass = "malformed_keyword"
	// ClassUnknown is the fallback for unclassified errors.
	ClassUnknown ErrorClass = "unknown"
)

// Retryable reports whether the orchestrator may retry a task failed with
// this class.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassThrottled, ClassTransientNetwork, ClassPersistenceUnavailable, ClassSessionPoolExhausted:
		return true
	default:
		return false
	}
}

// Error is a classified pipeline error.
type Error struct {
	Class      ErrorClass
	Op         string
	Platform   Platform
	PayloadRef string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Class)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.PayloadRef != "" {
		msg = fmt.Sprintf("%s (payload %s)", msg, e.PayloadRef)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error.
func NewError(class ErrorClass, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// NewPlatformError builds a classified error tagged with a platform.
func NewPlatformError(class ErrorClass, op string, platform Platform, err error) *Error {
	return &Error{Class: class, Op: op, Platform: platform, Err: err}
}

// ClassOf extracts the class from an error chain. Deadline and cancellation
// errors count as transient so a hang degrades to a retryable timeout;
// unclassified net errors are transient too.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransientNetwork
	}
	return ClassUnknown
}

// PayloadRefOf returns the archived payload reference attached to the error,
// if any.
func PayloadRefOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.PayloadRef
	}
	return ""
}
