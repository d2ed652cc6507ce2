package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/voicecall/internal/audio"
)

// ErrEmptyAudio is returned when a provider answers without audio
var ErrEmptyAudio = errors.New("synthesis returned no audio")

// Synthesizer converts one sentence to speech. voice overrides the
// provider's default voice when non-empty.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) (audio.Clip, error)
}

// SynthesisError wraps a provider failure
type SynthesisError struct {
	Provider string
	Cause    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Provider, e.Cause)
}

func (e *SynthesisError) Unwrap() error {
	return e.Cause
}
