package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/resilience"
)

var (
	// ErrSegmentTooSmall is returned without a remote call for segments
	// below the minimum size
	ErrSegmentTooSmall = fmt.Errorf("audio segment too small: %w", resilience.ErrLowSignal)

	// ErrTranscriptTooShort is returned for transcripts under the minimum
	// character count
	ErrTranscriptTooShort = fmt.Errorf("transcript too short: %w", resilience.ErrLowSignal)

	// ErrLowConfidence matches every ConfidenceError
	ErrLowConfidence = errors.New("confidence too low")
)

// Transcript is the text recognized in one segment
type Transcript struct {
	Text       string
	Confidence float64 // 0.0 to 1.0
	Language   string
	Duration   float64 // seconds of audio, when the provider reports it
}

// Transcriber is one speech-to-text provider. Implementations make a single
// attempt; retries, timeouts and validation live in Client.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, segment audio.Segment) (Transcript, error)
}

// ConfidenceError rejects a transcript whose confidence is below the
// acceptance threshold
type ConfidenceError struct {
	Confidence float64
}

func (e *ConfidenceError) Error() string {
	return fmt.Sprintf("confidence too low (%.1f%%)", e.Confidence*100)
}

func (e *ConfidenceError) Is(target error) bool {
	return target == ErrLowConfidence
}

func (e *ConfidenceError) Unwrap() error {
	return resilience.ErrLowSignal
}

// TranscriptionError wraps a provider failure
type TranscriptionError struct {
	Provider string
	Cause    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s transcription failed: %v", e.Provider, e.Cause)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Cause
}

// RejectionReason names the low-signal rejection err represents, or "" when
// err is not a rejection
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrSegmentTooSmall):
		return "too_small"
	case errors.Is(err, resilience.ErrNoSignal):
		return "no_signal"
	case errors.Is(err, ErrLowConfidence):
		return "low_confidence"
	case errors.Is(err, ErrTranscriptTooShort):
		return "too_short"
	case errors.Is(err, resilience.ErrLowSignal):
		return "low_signal"
	}
	return ""
}
