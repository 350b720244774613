// Package apierr defines the client-facing error envelope and taxonomy:
// {error:{message,type,code}} plus the curated upstream-header
// forwarding allow-list.
package apierr

import (
	"net/http"

	"github.com/Laisky/errors/v2"
)

// Type is the client-visible error category.
type Type string

const (
	TypeAuthentication  Type = "authentication_error"
	TypeInvalidRequest  Type = "invalid_request_error"
	TypeRateLimit       Type = "rate_limit_error"
	TypeStream          Type = "stream_error"
	TypeQueueFull       Type = "queue_full"
	TypeOverloaded      Type = "overloaded_error"
	TypeGeneric         Type = "error"
)

// Error is the envelope body serialized to clients.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	ErrType    Type   `json:"type"`
	Code       string `json:"code,omitempty"`

	// Headers is the curated subset of upstream response headers to copy
	// onto the client-facing error response (never serialized in the body).
	Headers http.Header `json:"-"`
}

// Envelope wraps Error under the "error" JSON key, matching every OpenAI-
// and Anthropic-compatible error body.
type Envelope struct {
	Error Error `json:"error"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// New builds a typed API error.
func New(status int, errType Type, code string, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = errors.Errorf(format, args...).Error()
	}
	return &Error{StatusCode: status, Message: msg, ErrType: errType, Code: code}
}

// Wrap converts an internal error into a generic, non-retryable 500 unless
// the caller already produced an *Error.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{StatusCode: http.StatusInternalServerError, Message: err.Error(), ErrType: TypeGeneric}
}

// ToEnvelope renders the error for JSON serialization.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Error: *e}
}

// Common constructors used throughout the orchestration pipeline.

func InvalidRequest(format string, args ...any) *Error {
	return New(http.StatusBadRequest, TypeInvalidRequest, "", format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(http.StatusUnauthorized, TypeAuthentication, "", format, args...)
}

func QueueFull() *Error {
	return New(http.StatusServiceUnavailable, TypeQueueFull, "queue_full", "request queue is full")
}

func NoAccountsAvailable() *Error {
	return New(http.StatusServiceUnavailable, TypeOverloaded, "no_accounts_available", "no upstream accounts are currently available")
}

func RateLimited(format string, args ...any) *Error {
	return New(http.StatusTooManyRequests, TypeRateLimit, "rate_limit_exceeded", format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	// Surfaced as 402, not 429: a rate-limit status invites agentic
	// clients to retry into a loop against a quota that won't recover
	// until next month.
	return New(http.StatusPaymentRequired, TypeInvalidRequest, "quota_exceeded", format, args...)
}

func Stream(format string, args ...any) *Error {
	return New(http.StatusOK, TypeStream, "", format, args...)
}

// ForwardableHeaders is the curated allow-list of upstream response headers
// copied onto the client-facing error response.
var ForwardableHeaders = []string{
	"Retry-After",
	"WWW-Authenticate",
	"X-Request-Id",
	"X-GitHub-Request-Id",
}

// CurateHeaders reduces an upstream error response's headers to the
// forwardable subset: the fixed allow-list plus any x-ratelimit-* header.
// All other upstream headers are dropped.
func CurateHeaders(upstream http.Header) http.Header {
	out := http.Header{}
	for _, name := range ForwardableHeaders {
		if v := upstream.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	for name, vals := range upstream {
		if IsRateLimitHeaderPrefix(name) && len(vals) > 0 {
			out.Set(name, vals[0])
		}
	}
	return out
}

// WithHeaders attaches a curated header set to e and returns e, for
// chaining off the constructors above.
func (e *Error) WithHeaders(h http.Header) *Error {
	e.Headers = h
	return e
}

// IsRateLimitHeaderPrefix reports whether header name h is an
// x-ratelimit-* header, forwarded verbatim.
func IsRateLimitHeaderPrefix(h string) bool {
	return len(h) >= len("x-ratelimit-") && equalFoldASCII(h[:len("x-ratelimit-")], "x-ratelimit-")
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
