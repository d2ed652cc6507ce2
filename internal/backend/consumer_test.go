package backend

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexiqai/voicecall/internal/resilience"
)

type fakeStream struct {
	deltas []string
	err    error
	closed atomic.Bool
}

func (s *fakeStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeBackend struct {
	calls   atomic.Int32
	errs    []error
	stream  *fakeStream
	block   bool
	lastReq Request
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Open(ctx context.Context, req Request) (Stream, error) {
	i := int(b.calls.Add(1)) - 1
	b.lastReq = req
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	return b.stream, nil
}

func consumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Segmenter: DefaultSegmenterConfig(),
		Policy:    resilience.RetryPolicy{MaxRetries: 2, Delays: []time.Duration{time.Millisecond}},
		Voice:     "nova",
	}
}

func TestConsumer_Respond(t *testing.T) {
	stream := &fakeStream{deltas: []string{
		"*clears throat* Of course. ",
		"The store opens at nine in the morning",
		". It closes at six [smiles] in the evening.",
	}}
	b := &fakeBackend{stream: stream}
	c := NewConsumer(b, nil, consumerConfig())

	var chunks []SentenceChunk
	text, err := c.Respond(context.Background(), Request{Text: "when do you open", ConversationID: "conv-1"}, func(chunk SentenceChunk) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []SentenceChunk{
		{Text: "Of course. The store opens at nine in the morning.", Sequence: 0, Voice: "nova"},
		{Text: "It closes at six in the evening.", Sequence: 1, Voice: "nova"},
	}
	if !reflect.DeepEqual(chunks, expected) {
		t.Errorf("Expected %+v, got %+v", expected, chunks)
	}
	if text != "Of course. The store opens at nine in the morning. It closes at six in the evening." {
		t.Errorf("unexpected spoken text %q", text)
	}
	if !stream.closed.Load() {
		t.Error("Expected stream to be closed")
	}
	if b.lastReq.ConversationID != "conv-1" {
		t.Errorf("Expected conversation ID forwarded, got %q", b.lastReq.ConversationID)
	}
}

func TestConsumer_OpenRetriesTransient(t *testing.T) {
	b := &fakeBackend{
		errs:   []error{resilience.NewStatusError("backend", 503, "")},
		stream: &fakeStream{deltas: []string{"Hello there, how can I help?"}},
	}
	c := NewConsumer(b, resilience.NewCircuitBreaker("backend", 5, time.Minute), consumerConfig())

	if _, err := c.Respond(context.Background(), Request{Text: "hi"}, func(SentenceChunk) {}); err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if b.calls.Load() != 2 {
		t.Errorf("Expected 2 open attempts, got %d", b.calls.Load())
	}
}

func TestConsumer_OpenAuthFailure(t *testing.T) {
	b := &fakeBackend{errs: []error{resilience.NewStatusError("backend", 401, "expired")}}
	c := NewConsumer(b, nil, consumerConfig())

	_, err := c.Open(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, resilience.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication, got %v", err)
	}
	if b.calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", b.calls.Load())
	}
}

func TestConsumer_OpenTimeoutIsRetryable(t *testing.T) {
	b := &fakeBackend{block: true}
	cfg := consumerConfig()
	cfg.OpenTimeout = func() time.Duration { return 5 * time.Millisecond }
	c := NewConsumer(b, nil, cfg)

	_, err := c.Open(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, resilience.ErrConnectivity) {
		t.Errorf("Expected ErrConnectivity after timeouts, got %v", err)
	}
	if b.calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", b.calls.Load())
	}
}

func TestConsumer_StreamError(t *testing.T) {
	stream := &fakeStream{
		deltas: []string{"This part was spoken fine. And this"},
		err:    &BackendError{Backend: "fake", Message: "model crashed"},
	}
	c := NewConsumer(&fakeBackend{stream: stream}, nil, consumerConfig())

	var chunks []SentenceChunk
	text, err := c.Respond(context.Background(), Request{Text: "hi"}, func(chunk SentenceChunk) {
		chunks = append(chunks, chunk)
	})

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Expected BackendError, got %v", err)
	}
	if len(chunks) != 1 || text != "This part was spoken fine." {
		t.Errorf("Expected the completed sentence only, got %q (%d chunks)", text, len(chunks))
	}
}
