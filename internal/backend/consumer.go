package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/resilience"
)

// ConsumerConfig configures a Consumer
type ConsumerConfig struct {
	Segmenter SegmenterConfig
	Policy    resilience.RetryPolicy
	Voice     string

	// OpenTimeout returns the deadline for the backend to accept a request
	OpenTimeout func() time.Duration
}

// Consumer submits transcripts to a Backend and turns the streamed reply
// into ordered sentence chunks
type Consumer struct {
	backend Backend
	breaker *resilience.CircuitBreaker
	cfg     ConsumerConfig
}

// NewConsumer creates a consumer. breaker may be nil.
func NewConsumer(backend Backend, breaker *resilience.CircuitBreaker, cfg ConsumerConfig) *Consumer {
	return &Consumer{backend: backend, breaker: breaker, cfg: cfg}
}

// Open establishes a response stream, retrying transient failures. The
// stream lives until Close or ctx ends.
func (c *Consumer) Open(ctx context.Context, req Request) (Stream, error) {
	ctx, span := observability.StartSpan(ctx, "backend.open",
		attribute.String("backend", c.backend.Name()),
		attribute.String("conversation_id", req.ConversationID),
	)

	stream, err := resilience.WithBackoff(ctx, c.cfg.Policy, func(ctx context.Context) (Stream, error) {
		var stream Stream
		call := func() error {
			var err error
			stream, err = c.open(ctx, req)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(call)
		} else {
			err = call()
		}
		return stream, err
	}, func(attempt int, err error, wait time.Duration) {
		observability.RecordRetry("backend")
	})

	observability.EndSpan(span, err)
	return stream, err
}

var errOpenTimeout = errors.New("backend did not accept the request in time")

func (c *Consumer) open(ctx context.Context, req Request) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if c.cfg.OpenTimeout != nil {
		timer = time.AfterFunc(c.cfg.OpenTimeout(), cancel)
	}

	stream, err := c.backend.Open(streamCtx, req)
	if timer != nil && !timer.Stop() && ctx.Err() == nil {
		// The timer fired: report a retryable timeout, not a cancellation
		if stream != nil {
			_ = stream.Close()
		}
		cancel()
		return nil, fmt.Errorf("%s: %w", c.backend.Name(), errOpenTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelStream{Stream: stream, cancel: cancel}, nil
}

// Consume reads stream to the end, emitting filtered sentence chunks with
// sequence numbers from 0. It returns the full spoken text; on error the
// text emitted so far is returned with it.
func (c *Consumer) Consume(ctx context.Context, stream Stream, emit func(SentenceChunk)) (string, error) {
	defer stream.Close()

	var (
		filter  StageDirectionFilter
		seg     = NewSegmenter(c.cfg.Segmenter)
		spoken  []string
		nextSeq int
	)
	send := func(chunks []string) {
		for _, text := range chunks {
			emit(SentenceChunk{Text: text, Sequence: nextSeq, Voice: c.cfg.Voice})
			spoken = append(spoken, text)
			nextSeq++
		}
	}

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			send(seg.Push(filter.Flush()))
			send(seg.Flush())
			log.Debug().Int("chunks", nextSeq).Msg("Response stream completed")
			return strings.Join(spoken, " "), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return strings.Join(spoken, " "), err
		}
		send(seg.Push(filter.Feed(delta)))
	}
}

// Respond opens a stream and consumes it
func (c *Consumer) Respond(ctx context.Context, req Request, emit func(SentenceChunk)) (string, error) {
	stream, err := c.Open(ctx, req)
	if err != nil {
		return "", err
	}
	return c.Consume(ctx, stream, emit)
}

type cancelStream struct {
	Stream
	cancel context.CancelFunc
}

func (s *cancelStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}
