package alfred

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrLLMError(t *testing.T) {
	tests := []struct {
		provider string
		message  string
		want     string
	}{
		{"anthropic", "rate limited", "anthropic: rate limited"},
		{"anthropic", "context length exceeded", "anthropic: context length exceeded"},
	}
	for _, tt := range tests {
		e := &ErrLLM{Provider: tt.provider, Message: tt.message}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrLLM{%q, %q}.Error() = %q, want %q", tt.provider, tt.message, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestSentinelWrapping(t *testing.T) {
	// Wrapped sentinels must survive errors.Is so callers can classify
	// failures without string matching.
	tests := []struct {
		err      error
		sentinel error
	}{
		{fmt.Errorf("%w after 30s", ErrCommandTimedOut), ErrCommandTimedOut},
		{fmt.Errorf("daemon macbook: %w", ErrDaemonDisconnected), ErrDaemonDisconnected},
		{fmt.Errorf("machine %q: %w", "unknown", ErrDaemonNotConnected), ErrDaemonNotConnected},
		{fmt.Errorf("frame type missing: %w", ErrInvalidFrame), ErrInvalidFrame},
		{fmt.Errorf("registration: %w", ErrInvalidKey), ErrInvalidKey},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
		}
	}
}
