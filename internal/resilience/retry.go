package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy holds configuration for retry logic
type RetryPolicy struct {
	MaxRetries    int             // Retries after the first attempt
	Delays        []time.Duration // Delay before retry n; the last entry repeats
	JitterPercent float64         // Fraction of the delay applied as +/- jitter
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    5,
		Delays:        []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		JitterPercent: 0.3,
	}
}

// Delay returns the jittered wait before retry number attempt (0-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attempt >= len(p.Delays) {
		attempt = len(p.Delays) - 1
	}
	base := p.Delays[attempt]
	if p.JitterPercent <= 0 {
		return base
	}

	// Uniform in [-jitter, +jitter]
	factor := 1 + p.JitterPercent*(2*rand.Float64()-1)
	return time.Duration(float64(base) * factor)
}

// OnRetry observes a failed attempt that is about to be retried
type OnRetry func(attempt int, err error, wait time.Duration)

// WithBackoff runs fn until it succeeds, fails with a non-retryable error,
// the context ends, or the policy is exhausted. Exhausted transient failures
// are reported as ErrConnectivity; low-signal errors come back unchanged.
func WithBackoff[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error), onRetry ...OnRetry) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := Classify(err)
		if !class.Retryable() {
			return zero, err
		}
		// The caller went away; an attempt timeout is still retryable
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		if attempt == policy.MaxRetries {
			break
		}

		wait := policy.Delay(attempt)
		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", policy.MaxRetries+1).
			Str("class", class.String()).
			Dur("wait", wait).
			Msg("Retrying after failure")
		for _, hook := range onRetry {
			hook(attempt+1, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	if errors.Is(lastErr, ErrLowSignal) {
		return zero, lastErr
	}
	return zero, &ExhaustedError{Attempts: policy.MaxRetries + 1, Cause: lastErr}
}

// ExhaustedError reports a transient failure that outlived its retry budget.
// It matches ErrConnectivity and unwraps to the last cause.
type ExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s (after %d attempts: %v)", ErrConnectivity.Error(), e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrConnectivity, e.Cause}
}
