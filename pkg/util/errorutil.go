package util

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError("CONFLICT", message, http.StatusConflict, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Pipeline error taxonomy. Intake errors reject the delivery with no state
// mutation; capability errors decide retry-vs-fail-open; conflicts are
// resolved by re-read and never surface to callers.

// NewAuthenticityError rejects a payload that failed channel verification.
func NewAuthenticityError(message string) error {
	return NewDomainError("AUTHENTICITY_FAILED", message, http.StatusUnauthorized, nil)
}

// NewUnknownTenantError rejects a payload whose routing metadata resolves
// to no organization.
func NewUnknownTenantError(routingKey string) error {
	return NewDomainError("UNKNOWN_TENANT", "no organization for routing key",
		http.StatusNotFound, map[string]any{"routing_key": routingKey})
}

// ErrConcurrencyConflict signals a version-guarded write lost a race. The
// loser re-reads and recomputes or no-ops.
var ErrConcurrencyConflict = errors.New("concurrent modification, version mismatch")

// ErrNoEligibleAgent signals the organization has no active agent with
// spare capacity. Surfaced as an operator alert, never to customers.
var ErrNoEligibleAgent = errors.New("no eligible agent with capacity")

// RetryableCapabilityError marks a capability failure worth retrying with
// backoff (timeout, rate limit, transient upstream error).
type RetryableCapabilityError struct {
	Capability string
	Err        error
}

func (e *RetryableCapabilityError) Error() string {
	return fmt.Sprintf("%s capability failed (retryable): %v", e.Capability, e.Err)
}

func (e *RetryableCapabilityError) Unwrap() error { return e.Err }

// NonRetryableCapabilityError marks a terminal capability failure
// (malformed output, policy rejection). Routed to fail-open or FAILED.
type NonRetryableCapabilityError struct {
	Capability string
	Err        error
}

func (e *NonRetryableCapabilityError) Error() string {
	return fmt.Sprintf("%s capability failed: %v", e.Capability, e.Err)
}

func (e *NonRetryableCapabilityError) Unwrap() error { return e.Err }

// IsRetryable reports whether the pipeline should retry the failed stage.
func IsRetryable(err error) bool {
	var r *RetryableCapabilityError
	return errors.As(err, &r)
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, ErrNoEligibleAgent) {
		return NewDomainError("NO_ELIGIBLE_AGENT", err.Error(), http.StatusConflict, nil)
	}
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// MapError is ToDomainError for call sites that return plain errors.
func MapError(err error) error {
	return ToDomainError(err)
}
