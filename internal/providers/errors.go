package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies gateway failures into the closed set the engine's retry
// policy understands.
type Kind string

const (
	KindAuth          Kind = "AuthError"
	KindRateLimit     Kind = "RateLimit"
	KindContextLength Kind = "ContextLengthExceeded"
	KindInvalid       Kind = "InvalidRequest"
	KindNetwork       Kind = "NetworkError"
	KindProvider      Kind = "ProviderError"
	KindInterrupted   Kind = "Interrupted"
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Status     int    // HTTP status when applicable
	Provider   string
	Message    string
	RetryAfter time.Duration // from Retry-After when the provider sent one
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Kind, e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, e.Message)
}

// Retryable reports whether the engine may retry this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindNetwork, KindProvider:
		return true
	default:
		return false
	}
}

// KindOf extracts the error kind, defaulting to ProviderError.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	return KindProvider
}

// classifyHTTP maps a provider HTTP failure to an Error.
func classifyHTTP(provider string, status int, body string, retryAfter time.Duration) *Error {
	e := &Error{
		Status:     status,
		Provider:   provider,
		Message:    truncate(body, 500),
		RetryAfter: retryAfter,
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
	case status == http.StatusRequestEntityTooLarge || isContextLengthBody(body):
		e.Kind = KindContextLength
	case status >= 400 && status < 500:
		e.Kind = KindInvalid
	default:
		e.Kind = KindProvider
	}
	return e
}

// classifyTransport maps a transport-level failure to an Error.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindInterrupted, Provider: provider, Message: "request cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindNetwork, Provider: provider, Message: "request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, Provider: provider, Message: netErr.Error()}
	}
	return &Error{Kind: KindNetwork, Provider: provider, Message: err.Error()}
}

// isContextLengthBody detects the provider phrasings for an over-long prompt.
func isContextLengthBody(body string) bool {
	for _, marker := range []string{
		"context_length_exceeded",
		"prompt is too long",
		"maximum context length",
		"input length and `max_tokens` exceed",
	} {
		if containsFold(body, marker) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After header (seconds form only).
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func containsFold(s, substr string) bool {
	// Provider error bodies are ASCII; a byte-wise fold is sufficient.
	if len(substr) > len(s) {
		return false
	}
	lower := func(c byte) byte {
		if c >= 'A' && c <= 'Z' {
			return c + 32
		}
		return c
	}
outer:
	for i := 0; i+len(substr) <= len(s); i++ {
		for j := 0; j < len(substr); j++ {
			if lower(s[i+j]) != lower(substr[j]) {
				continue outer
			}
		}
		return true
	}
	return false
}
