package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"timeout", errors.New("i/o timeout"), true},
		{"no route", errors.New("no route to host"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"query limit", errors.New("query returned more than 10000 results, limit exceeded"), true},
		{"truncated body", errors.New("unexpected EOF"), true},
		{"invalid request", errors.New("invalid request"), false},
		{"random error", errors.New("something went wrong"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriableError(tt.err); got != tt.expected {
				t.Errorf("IsRetriableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetryWithBackoffImmediateSuccess(t *testing.T) {
	cfg := RetryConfig{Timeout: 5 * time.Second, MaxDelay: time.Second}
	calls := 0

	err := RetryWithBackoff(cfg, "test", func() error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoffNonRetriable(t *testing.T) {
	cfg := RetryConfig{Timeout: 5 * time.Second, MaxDelay: time.Second}
	calls := 0
	boom := errors.New("invalid request")

	err := RetryWithBackoff(cfg, "test", func() error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
