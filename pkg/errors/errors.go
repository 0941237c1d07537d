// Package errors defines unified error types for router operations.
// All provider-specific errors are mapped to these standard error types,
// and the retry engine classifies them through a single Classify function.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// LLMError represents a standardized error from an LLM provider.
// It carries enough context to identify which deployment failed and why.
type LLMError struct {
	StatusCode   int         `json:"status_code"`
	Message      string      `json:"message"`
	Type         string      `json:"type"`
	Provider     string      `json:"provider"`
	Model        string      `json:"model"`
	DeploymentID string      `json:"deployment_id,omitempty"`
	RequestID    string      `json:"request_id,omitempty"`
	Retryable    bool        `json:"-"`

	// NumRetriesAttempted is filled in by the engine before the error
	// surfaces to the caller.
	NumRetriesAttempted int `json:"num_retries_attempted,omitempty"`

	// RetryAfter is the upstream-provided backoff hint for 429 responses.
	RetryAfter time.Duration `json:"-"`

	// ResponseHeaders preserves upstream response headers when available.
	ResponseHeaders http.Header `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypePermissionDenied   = "permission_denied_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeConnection         = "api_connection_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewPermissionDeniedError creates a permission denied error (403).
func NewPermissionDeniedError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypePermissionDenied,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewConnectionError creates an API connection error.
// Distinct from Timeout so callers can tell provider slowness from
// network failure.
func NewConnectionError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeConnection,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewContextLengthError creates a context window exceeded error (400).
func NewContextLengthError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContextLength,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// Drop reasons enumerated in NoDeploymentsError.Reasons.
const (
	ReasonInCooldown       = "in_cooldown"
	ReasonContextWindow    = "context_window_too_small"
	ReasonRegionNotAllowed = "region_not_allowed"
	ReasonMissingTag       = "missing_required_tag"
	ReasonAtCapacity       = "at_capacity"
	ReasonRPMExceeded      = "rpm_exceeded"
	ReasonTPMExceeded      = "tpm_exceeded"
)

// NoDeploymentsError is returned when the pre-call check pipeline empties
// the candidate set for a model group. Reasons maps deployment IDs to the
// drop cause and surfaces to the caller verbatim to aid debugging.
type NoDeploymentsError struct {
	ModelGroup      string
	Reasons         map[string]string
	AttemptedGroups []string
}

// Error implements the error interface.
func (e *NoDeploymentsError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("no deployments available for model group %q", e.ModelGroup)
	}
	return fmt.Sprintf("no deployments available for model group %q: %v", e.ModelGroup, e.Reasons)
}
