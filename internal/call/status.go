package call

import (
	"errors"

	"github.com/lexiqai/voicecall/internal/observability"
)

// Status is what the caller is shown about the call
type Status string

const (
	StatusListening    Status = "listening"
	StatusTranscribing Status = "transcribing"
	StatusThinking     Status = "thinking"
	StatusSpeaking     Status = "speaking"
	StatusReconnecting Status = "reconnecting"
)

// EventType identifies an Event sent to the caller
type EventType string

const (
	EventStatus     EventType = "status"
	EventLevel      EventType = "level"
	EventTranscript EventType = "transcript"
	EventResponse   EventType = "response"
	EventError      EventType = "error"
	EventMetrics    EventType = "metrics"
	EventEnded      EventType = "ended"
)

// Error codes carried by error events
const (
	CodeAuthRequired = "auth_required"
	CodeTranscribe   = "transcription_failed"
	CodeBackend      = "backend_failed"
	CodeSynthesis    = "synthesis_failed"
	CodeDevice       = "device_failed"
	CodeEnded        = "call_ended"
)

// Event is one message on the status channel
type Event struct {
	Type    EventType                  `json:"type"`
	CallID  string                     `json:"call_id,omitempty"`
	Status  Status                     `json:"status,omitempty"`
	Level   float64                    `json:"level,omitempty"`
	Text    string                     `json:"text,omitempty"`
	Code    string                     `json:"code,omitempty"`
	Message string                     `json:"message,omitempty"`
	Metrics *observability.CallSummary `json:"metrics,omitempty"`
}

// StatusSink receives the events of one call. Send must not block for long;
// it is called from the sampling loop.
type StatusSink interface {
	Send(event Event) error
}

var (
	// ErrNotEntitled means the caller's tier may not place voice calls
	ErrNotEntitled = errors.New("voice calls are not available on this plan")

	// ErrMaxDuration ends a call that reached the duration cap
	ErrMaxDuration = errors.New("maximum call duration reached")

	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("call already started")

	// ErrEnded is returned by Start on a call that was stopped
	ErrEnded = errors.New("call already ended")
)

// endReason names why a call ended, for metrics and logs
func endReason(err error) string {
	switch {
	case err == nil:
		return "stopped"
	case errors.Is(err, ErrMaxDuration):
		return "max_duration"
	case errors.Is(err, ErrNotEntitled):
		return "not_entitled"
	case isAuthError(err):
		return "authentication"
	case isDeviceError(err):
		return "device"
	}
	return "error"
}
