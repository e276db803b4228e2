// Package errors defines the error taxonomy shared by the webhook pipeline,
// the license state machine, and the delivery fabric. Every fallible
// operation classifies its failure so the HTTP adapter can map it to a
// status code and the retry machinery knows whether to redrive.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error values usable with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
)

// Kind categorizes a failure for status mapping and retry decisions.
type Kind string

const (
	KindValidation         Kind = "validation"          // 4xx, never retried
	KindAuth               Kind = "auth"                // 4xx, never retried
	KindNotFound           Kind = "not_found"           // 4xx
	KindConflict           Kind = "conflict"            // idempotency hit, treated as success
	KindTransientStore     Kind = "transient_store"     // retryable, surfaces 5xx on webhook ingress
	KindTransientTransport Kind = "transient_transport" // pub/sub failure, logged but never fails producers
	KindPermanentRule      Kind = "permanent_rule"      // business rule, user-visible message
	KindInternal           Kind = "internal"
)

// Error is a classified error carrying the operation that failed and a
// correlation token for log lookup on internal failures.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "license.activate"
	Message   string // stable user-visible message; empty means internal
	Err       error  // underlying error
	Token     string // correlation token for internal errors
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is against the base error values.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	}
	return errors.Is(e.Err, target)
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Timestamp: time.Now()}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Timestamp: time.Now()}
}

// Validation creates a user-visible validation error.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// Rule creates a permanent business-rule error with a stable message.
func Rule(op, message string) *Error {
	return New(KindPermanentRule, op, message)
}

// Store wraps a store error as transient; the webhook adapter surfaces 5xx
// so the payment processor redrives.
func Store(op string, err error) *Error {
	return Wrap(KindTransientStore, op, err)
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the failure should be redriven.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientStore, KindTransientTransport, KindInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error kind to the status the HTTP adapter returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		// Idempotency hit; callers treat this as success.
		return http.StatusOK
	case KindPermanentRule:
		return http.StatusUnprocessableEntity
	case KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns the stable message for the caller, or a generic one
// plus a correlation token for internal errors.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "An unexpected error occurred"
}
