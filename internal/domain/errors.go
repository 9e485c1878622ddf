package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error codes surfaced to clients. Every surfaced error carries one.
const (
	CodeInvalidParameter    = "INVALID_PARAMETER"
	CodeTickerNotFound      = "TICKER_NOT_FOUND"
	CodeClientNotFound      = "CLIENT_NOT_FOUND"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Sentinel errors forming the closed taxonomy of the pipeline.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnknownClient         = errors.New("unknown client")
	ErrUnknownTicker         = errors.New("unknown ticker")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrUpstreamTimeout       = errors.New("upstream timeout")
	ErrProtocol              = errors.New("upstream protocol error")
	ErrCacheStoreUnavailable = errors.New("cache store unavailable")
	ErrAuditFailure          = errors.New("audit write failed")
	ErrCancelled             = errors.New("request cancelled")
	ErrInternal              = errors.New("internal error")
)

// CodedError pairs a sentinel with the machine-readable code and a
// client-safe message. Messages never echo position sizes or client
// identifiers.
type CodedError struct {
	Err     error
	Code    string
	Message string

	// RetryAfter is set only for rate-limit denials.
	RetryAfter time.Duration
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Invalid builds an InvalidInput error with a client-safe detail.
func Invalid(msg string) error {
	return &CodedError{Err: ErrInvalidInput, Code: CodeInvalidParameter, Message: msg}
}

// CodeFor maps any pipeline error to its surfaced code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParameter
	case errors.Is(err, ErrUnknownTicker):
		return CodeTickerNotFound
	case errors.Is(err, ErrUnknownClient):
		return CodeClientNotFound
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrUpstreamTimeout):
		return CodeUpstreamUnavailable
	default:
		return CodeInternalError
	}
}
