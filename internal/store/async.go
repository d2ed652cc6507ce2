package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/observability"
)

// Async writes to a Store in the background. Failures are logged and never
// reach the call.
type Async struct {
	store   Store
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps store; each write gets its own timeout
func NewAsync(store Store, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{store: store, timeout: timeout}
}

// SaveMessage persists one turn without blocking
func (a *Async) SaveMessage(role, text, conversationID, userID string) {
	msg := Message{
		Role:           role,
		Text:           text,
		ConversationID: conversationID,
		UserID:         userID,
		CreatedAt:      time.Now(),
	}
	a.do("save_message", func(ctx context.Context) error {
		return a.store.SaveMessage(ctx, msg)
	})
}

// RecordCallMetrics persists a call's usage without blocking
func (a *Async) RecordCallMetrics(userID string, durationSeconds float64, tier string, metrics observability.CallSummary) {
	rec := CallRecord{
		UserID:          userID,
		DurationSeconds: durationSeconds,
		Tier:            tier,
		Metrics:         metrics,
	}
	a.do("record_call_metrics", func(ctx context.Context) error {
		return a.store.RecordCallMetrics(ctx, rec)
	})
}

func (a *Async) do(op string, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			observability.RecordStoreError(op)
			log.Warn().Err(err).Str("op", op).Msg("Store write failed")
		}
	}()
}

// Wait blocks until every pending write has finished
func (a *Async) Wait() {
	a.wg.Wait()
}
