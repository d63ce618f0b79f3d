// Package services implements the knowledge commons operations behind the
// MCP tools and the review API: ingest, approval, retrieval, pre-screen,
// listing, outcome reporting, and stats.
package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures so transports can map them to
// protocol-appropriate responses without inspecting messages.
type ErrorKind string

const (
	KindInvalidInput      ErrorKind = "invalid-input"
	KindAuth              ErrorKind = "auth"
	KindRedactionRejected ErrorKind = "redaction-rejected"
	KindNotFound          ErrorKind = "not-found"
	KindDuplicate         ErrorKind = "duplicate"
	KindGone              ErrorKind = "gone"
	KindBusy              ErrorKind = "busy"
	KindInternal          ErrorKind = "internal"
)

// ServiceError carries a kind, an agent-safe message, and optional detail
type ServiceError struct {
	Kind    ErrorKind
	Message string
	Detail  map[string]interface{}
	cause   error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// Errorf builds a ServiceError with a formatted message
func Errorf(kind ErrorKind, format string, args ...interface{}) *ServiceError {
	return &ServiceError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a ServiceError around a cause
func Wrap(kind ErrorKind, err error, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, cause: err}
}

// WithDetail attaches structured detail and returns the error
func (e *ServiceError) WithDetail(detail map[string]interface{}) *ServiceError {
	e.Detail = detail
	return e
}

// KindOf extracts the kind from an error chain, defaulting to internal
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// AsServiceError returns the ServiceError in the chain, or wraps err as an
// internal one so transports always have a kind and a safe message.
func AsServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return &ServiceError{Kind: KindInternal, Message: "internal error", cause: err}
}
