package errors

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
)

// Class partitions errors for the retry engine.
type Class int

const (
	// ClassRetryable covers transient failures: network errors, 408, 409,
	// 429, and 5xx responses.
	ClassRetryable Class = iota

	// ClassNonRetryable covers auth failures, invalid requests, missing
	// models, and context-window overruns. These never retry and move the
	// engine to the next fallback group immediately.
	ClassNonRetryable

	// ClassTimeout is retryable but tracked separately because repeated
	// timeouts feed the health tracker's cooldown decision directly.
	ClassTimeout
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non_retryable"
	case ClassTimeout:
		return "timeout"
	}
	return "unknown"
}

// Retryable reports whether the engine may attempt the request again.
func (c Class) Retryable() bool { return c != ClassNonRetryable }

// Classify maps any error to its retry class. This is the single place
// where error-driven control flow decisions are made.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		switch llmErr.Type {
		case TypeTimeout:
			return ClassTimeout
		case TypeAuthentication, TypePermissionDenied, TypeInvalidRequest,
			TypeNotFound, TypeContextLength, TypeContentPolicy:
			return ClassNonRetryable
		}
		switch llmErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return ClassTimeout
		case http.StatusConflict, http.StatusTooManyRequests:
			return ClassRetryable
		}
		if llmErr.StatusCode >= 500 {
			return ClassRetryable
		}
		if llmErr.Retryable {
			return ClassRetryable
		}
		return ClassNonRetryable
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return ClassNonRetryable
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassRetryable
	}

	// Unrecognized errors are treated as transient; the retry budget
	// bounds the damage.
	return ClassRetryable
}

// CooldownKind partitions failures for the health tracker's state machine.
type CooldownKind int

const (
	// CooldownNone means the failure only counts toward the rolling window.
	CooldownNone CooldownKind = iota

	// CooldownImmediate means the deployment enters a long cooldown right
	// away: auth failures, missing models, removed deployments, and
	// permanent context-window misfits.
	CooldownImmediate
)

// CooldownFor maps an error to its cooldown kind.
func CooldownFor(err error) CooldownKind {
	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		switch llmErr.Type {
		case TypeAuthentication, TypePermissionDenied, TypeNotFound, TypeContextLength:
			return CooldownImmediate
		}
	}
	return CooldownNone
}
