package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent script error", &ScriptGenerationError{Reason: "bad output"}, false},
		{"transient voice error", &VoiceGenerationError{Reason: "rate limited", Transient: true}, true},
		{"wrapped permanent", fmt.Errorf("scene 2: %w", &VideoGenerationError{Reason: "safety filter"}), false},
		{"wrapped transient", fmt.Errorf("scene 2: %w", &ImageGenerationError{Reason: "503", Transient: true}), true},
		{"unknown error defaults transient", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	p := retryPolicy{maxAttempts: 5, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	calls := 0
	err := p.do(context.Background(), func() error {
		calls++
		return &ScriptGenerationError{Reason: "malformed"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent failure must not retry, got %d calls", calls)
	}
}

func TestRetryExhaustsOnTransient(t *testing.T) {
	p := retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	calls := 0
	err := p.do(context.Background(), func() error {
		calls++
		return &VoiceGenerationError{Reason: "timeout", Transient: true}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	p := retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond}

	calls := 0
	err := p.do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &VoiceGenerationError{Reason: "timeout", Transient: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}
