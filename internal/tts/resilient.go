package tts

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/resilience"
)

// Resilient wraps a Synthesizer with a circuit breaker, per-attempt
// timeouts and retry with backoff
type Resilient struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	timeout func() time.Duration
}

// NewResilient wraps inner. breaker and timeout may be nil; timeout
// supplies the per-attempt deadline.
func NewResilient(inner Synthesizer, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy, timeout func() time.Duration) *Resilient {
	return &Resilient{
		inner:   inner,
		breaker: breaker,
		policy:  policy,
		timeout: timeout,
	}
}

func (r *Resilient) Name() string {
	return r.inner.Name()
}

// Synthesize retries transient failures while the breaker is closed
func (r *Resilient) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	ctx, span := observability.StartSpan(ctx, "tts.synthesize",
		attribute.String("tts.provider", r.inner.Name()),
		attribute.Int("text.length", len(text)),
	)

	clip, err := resilience.WithBackoff(ctx, r.policy, func(ctx context.Context) (audio.Clip, error) {
		if r.timeout != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout())
			defer cancel()
		}

		var clip audio.Clip
		call := func() error {
			var err error
			clip, err = r.inner.Synthesize(ctx, text, voice)
			return err
		}
		var err error
		if r.breaker != nil {
			err = r.breaker.Call(call)
		} else {
			err = call()
		}
		if err != nil {
			return audio.Clip{}, &SynthesisError{Provider: r.inner.Name(), Cause: err}
		}
		return clip, nil
	}, func(attempt int, err error, wait time.Duration) {
		observability.RecordRetry("tts")
	})

	observability.EndSpan(span, err)
	return clip, err
}
