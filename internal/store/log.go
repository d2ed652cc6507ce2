package store

import (
	"context"

	"github.com/rs/zerolog"
)

// LogStore writes records to the log instead of a database
type LogStore struct {
	logger zerolog.Logger
}

var _ Store = (*LogStore)(nil)

// NewLogStore creates a log-backed store
func NewLogStore(logger zerolog.Logger) *LogStore {
	return &LogStore{logger: logger}
}

func (l *LogStore) SaveMessage(ctx context.Context, msg Message) error {
	l.logger.Info().
		Str("conversation_id", msg.ConversationID).
		Str("user_id", msg.UserID).
		Str("role", msg.Role).
		Int("length", len(msg.Text)).
		Msg("Message")
	return nil
}

func (l *LogStore) RecordCallMetrics(ctx context.Context, rec CallRecord) error {
	l.logger.Info().
		Str("user_id", rec.UserID).
		Str("tier", rec.Tier).
		Float64("duration_seconds", rec.DurationSeconds).
		Interface("metrics", rec.Metrics).
		Msg("Call usage")
	return nil
}
