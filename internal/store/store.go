package store

import (
	"context"
	"time"

	"github.com/lexiqai/voicecall/internal/observability"
)

// Roles of a saved message
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one spoken turn
type Message struct {
	Role           string
	Text           string
	ConversationID string
	UserID         string
	CreatedAt      time.Time
}

// CallRecord is the usage record written when a call ends
type CallRecord struct {
	UserID          string
	DurationSeconds float64
	Tier            string
	Metrics         observability.CallSummary
}

// Store persists conversation turns and call usage
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	RecordCallMetrics(ctx context.Context, rec CallRecord) error
}
