// Adapted from the teacher's internal/llm/errors.go: the same unified
// status-code classification, trimmed to the error kinds a single-shot
// structured-completion call can actually surface (no tool-call / streaming
// specific classifications).
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified transport-error interface returned by provider adapters.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type httpErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *httpErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *httpErrorBase) Provider() string           { return e.provider }
func (e *httpErrorBase) StatusCode() int            { return e.statusCode }
func (e *httpErrorBase) Retryable() bool            { return e.retryable }
func (e *httpErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ httpErrorBase }
type AuthenticationError struct{ httpErrorBase }
type RequestTimeoutError struct{ httpErrorBase }
type RateLimitError struct{ httpErrorBase }
type ServerError struct{ httpErrorBase }
type UnknownHTTPError struct{ httpErrorBase }

// ErrorFromHTTPStatus classifies a provider HTTP response into the unified
// error hierarchy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := httpErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		base.retryable = false
		return &InvalidRequestError{base}
	case 401, 403:
		base.retryable = false
		return &AuthenticationError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewRequestTimeoutError constructs a non-HTTP timeout error (e.g. a context
// deadline) matching the unified error hierarchy.
func NewRequestTimeoutError(provider, message string) error {
	base := httpErrorBase{provider: strings.TrimSpace(provider), message: message, retryable: false}
	return &RequestTimeoutError{base}
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// IsAuthenticationError reports whether err is an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

// IsRetryable reports whether err is a transport Error marked retryable.
func IsRetryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
