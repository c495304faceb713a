package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Stage errors carry which pipeline stage failed and whether the failure is
// worth retrying. Permanent failures (invalid input, safety rejection,
// malformed model output) burn a scene retry immediately; transient ones
// (rate limits, 5xx, network) are retried inside the stage first.

type ScriptGenerationError struct {
	Reason    string
	Err       error
	Transient bool
}

func (e *ScriptGenerationError) Error() string {
	return fmt.Sprintf("script generation: %s", e.Reason)
}
func (e *ScriptGenerationError) Unwrap() error { return e.Err }
func (e *ScriptGenerationError) IsTransient() bool { return e.Transient }

type VoiceGenerationError struct {
	Reason    string
	Err       error
	Transient bool
}

func (e *VoiceGenerationError) Error() string {
	return fmt.Sprintf("voice generation: %s", e.Reason)
}
func (e *VoiceGenerationError) Unwrap() error { return e.Err }
func (e *VoiceGenerationError) IsTransient() bool { return e.Transient }

type VideoGenerationError struct {
	Reason    string
	Err       error
	Transient bool
}

func (e *VideoGenerationError) Error() string {
	return fmt.Sprintf("video generation: %s", e.Reason)
}
func (e *VideoGenerationError) Unwrap() error { return e.Err }
func (e *VideoGenerationError) IsTransient() bool { return e.Transient }

type ImageGenerationError struct {
	Reason    string
	Err       error
	Transient bool
}

func (e *ImageGenerationError) Error() string {
	return fmt.Sprintf("image generation: %s", e.Reason)
}
func (e *ImageGenerationError) Unwrap() error { return e.Err }
func (e *ImageGenerationError) IsTransient() bool { return e.Transient }

// transienter is implemented by every stage error above.
type transienter interface {
	IsTransient() bool
}

// IsTransient reports whether err (or anything it wraps) marks itself as a
// transient failure. Unknown errors are treated as transient — network-level
// failures rarely implement the marker, and retrying a genuinely permanent
// failure only costs one wasted attempt.
func IsTransient(err error) bool {
	var t transienter
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return true
}

// httpStatusTransient classifies an HTTP status for retry purposes.
func httpStatusTransient(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// retryPolicy is the shared bounded-retry loop used by the generation
// clients: exponential backoff with jitter, permanent failures exit
// immediately.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetry = retryPolicy{
	maxAttempts: 3,
	baseDelay:   2 * time.Second,
	maxDelay:    30 * time.Second,
}

func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (p retryPolicy) delay(attempt int) time.Duration {
	d := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(p.maxDelay) {
		d = float64(p.maxDelay)
	}
	return time.Duration(d + d*0.25*rand.Float64())
}
