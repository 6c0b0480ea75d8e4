package errdefs

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies errors across the engine
type Category string

const (
	CategorySubscription   Category = "subscription"
	CategoryProcessing     Category = "processing"
	CategoryQueue          Category = "queue"
	CategoryConfiguration  Category = "configuration"
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryResource       Category = "resource"
	CategoryValidation     Category = "validation"
	CategoryCircuitBreaker Category = "circuit_breaker"
)

// Severity indicates how serious an error is
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Context carries structured information about an error occurrence
type Context struct {
	ErrorID       string
	Timestamp     time.Time
	Category      Category
	Severity      Severity
	Component     string
	Operation     string
	Metadata      map[string]string
	CorrelationID string
	RetryCount    int
	MaxRetries    int
}

// NewContext creates an error context with a fresh ID and UTC timestamp
func NewContext(category Category, severity Severity, component, operation string) Context {
	return Context{
		ErrorID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Category:   category,
		Severity:   severity,
		Component:  component,
		Operation:  operation,
		Metadata:   make(map[string]string),
		MaxRetries: 3,
	}
}

// Error is the structured error type carried through the error manager
type Error struct {
	Message string
	Context Context
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMeta attaches a metadata key to the error context
func (e *Error) WithMeta(key, value string) *Error {
	if e.Context.Metadata == nil {
		e.Context.Metadata = make(map[string]string)
	}
	e.Context.Metadata[key] = value
	return e
}

// WithCause attaches an underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func newError(msg string, category Category, severity Severity, component, operation string) *Error {
	return &Error{
		Message: msg,
		Context: NewContext(category, severity, component, operation),
	}
}

// NewSubscriptionError creates a subscription management error
func NewSubscriptionError(msg, component, operation string) *Error {
	return newError(msg, CategorySubscription, SeverityMedium, component, operation)
}

// NewResourceError creates a resource exhaustion error (e.g. registry cap)
func NewResourceError(msg, component, operation string) *Error {
	return newError(msg, CategoryResource, SeverityHigh, component, operation)
}

// NewProcessingError creates an event processing error
func NewProcessingError(msg, component, operation string) *Error {
	return newError(msg, CategoryProcessing, SeverityMedium, component, operation)
}

// NewQueueError creates a queue operation error
func NewQueueError(msg, component, operation string) *Error {
	return newError(msg, CategoryQueue, SeverityHigh, component, operation)
}

// NewConfigurationError creates a configuration error; always high severity
func NewConfigurationError(msg, component, operation string) *Error {
	return newError(msg, CategoryConfiguration, SeverityHigh, component, operation)
}

// NewNetworkError creates a network error
func NewNetworkError(msg, component, operation string) *Error {
	return newError(msg, CategoryNetwork, SeverityMedium, component, operation)
}

// NewTimeoutError creates an operation timeout error
func NewTimeoutError(msg, component, operation string) *Error {
	return newError(msg, CategoryTimeout, SeverityMedium, component, operation)
}

// NewValidationError creates a validation error
func NewValidationError(msg, component, operation string) *Error {
	return newError(msg, CategoryValidation, SeverityMedium, component, operation)
}

// NewCircuitBreakerError creates an error for a rejected call on an open breaker
func NewCircuitBreakerError(msg, component, operation string) *Error {
	return newError(msg, CategoryCircuitBreaker, SeverityHigh, component, operation)
}

// From wraps an arbitrary error into a structured Error. Existing *Error
// values pass through unchanged.
func From(err error, component, operation string) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{
		Message: err.Error(),
		Context: NewContext(CategoryProcessing, SeverityMedium, component, operation),
		Cause:   err,
	}
}
