package stt

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/resilience"
)

const defaultTimeout = 8 * time.Second

// ClientConfig holds the acceptance thresholds and retry policy of a Client
type ClientConfig struct {
	MinSegmentBytes    int
	RejectConfidence   float64 // below: rejected
	LowConfidence      float64 // below: accepted with a warning
	MinTranscriptChars int
	Policy             resilience.RetryPolicy

	// Timeout returns the per-attempt deadline for a segment of size bytes
	Timeout func(size int) time.Duration
}

// DefaultClientConfig returns the default acceptance thresholds
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MinSegmentBytes:    8 * 1024,
		RejectConfidence:   0.2,
		LowConfidence:      0.5,
		MinTranscriptChars: 2,
		Policy:             resilience.DefaultRetryPolicy(),
	}
}

// Client submits segments to a Transcriber with adaptive timeouts, retry and
// low-signal validation
type Client struct {
	provider Transcriber
	cfg      ClientConfig
}

// NewClient creates a new STT client
func NewClient(provider Transcriber, cfg ClientConfig) *Client {
	return &Client{provider: provider, cfg: cfg}
}

// Transcribe converts one segment to text. Low-signal rejections wrap
// resilience.ErrLowSignal; a zero-confidence result fails after a single
// attempt with resilience.ErrNoSignal.
func (c *Client) Transcribe(ctx context.Context, segment audio.Segment) (Transcript, error) {
	if segment.Size() < c.cfg.MinSegmentBytes {
		observability.RecordSTTRejection(RejectionReason(ErrSegmentTooSmall))
		return Transcript{}, ErrSegmentTooSmall
	}

	ctx, span := observability.StartSpan(ctx, "stt.transcribe",
		attribute.String("stt.provider", c.provider.Name()),
		attribute.Int("audio.bytes", segment.Size()),
	)

	transcript, err := resilience.WithBackoff(ctx, c.cfg.Policy, func(ctx context.Context) (Transcript, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout(segment.Size()))
		defer cancel()

		result, err := c.provider.Transcribe(attemptCtx, segment)
		if err != nil {
			return Transcript{}, &TranscriptionError{Provider: c.provider.Name(), Cause: err}
		}
		return c.validate(result)
	}, func(attempt int, err error, wait time.Duration) {
		observability.RecordRetry("stt")
	})

	observability.EndSpan(span, err)
	if reason := RejectionReason(err); reason != "" {
		observability.RecordSTTRejection(reason)
	}
	return transcript, err
}

func (c *Client) timeout(size int) time.Duration {
	if c.cfg.Timeout == nil {
		return defaultTimeout
	}
	return c.cfg.Timeout(size)
}

func (c *Client) validate(t Transcript) (Transcript, error) {
	t.Text = strings.TrimSpace(t.Text)

	if t.Confidence == 0 {
		return Transcript{}, resilience.ErrNoSignal
	}
	if len([]rune(t.Text)) < c.cfg.MinTranscriptChars {
		return Transcript{}, ErrTranscriptTooShort
	}
	if t.Confidence < c.cfg.RejectConfidence {
		return Transcript{}, &ConfidenceError{Confidence: t.Confidence}
	}
	if t.Confidence < c.cfg.LowConfidence {
		log.Warn().
			Float64("confidence", t.Confidence).
			Str("provider", c.provider.Name()).
			Msg("Low quality transcription accepted")
	}
	return t, nil
}
