package stt

import (
	"bytes"
	"context"
	"fmt"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/voicecall/internal/audio"
)

// DeepgramTranscriber transcribes segments with Deepgram's pre-recorded API
type DeepgramTranscriber struct {
	client   *api.Client
	model    string
	language string
}

// NewDeepgramTranscriber creates a Deepgram REST transcriber
func NewDeepgramTranscriber(apiKey, model, language string) *DeepgramTranscriber {
	c := listenClient.NewREST(apiKey, &interfaces.ClientOptions{})
	return &DeepgramTranscriber{
		client:   api.New(c),
		model:    model,
		language: language,
	}
}

func (d *DeepgramTranscriber) Name() string {
	return "deepgram"
}

// Transcribe makes one request
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, segment audio.Segment) (Transcript, error) {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		Language:    d.language,
		Punctuate:   true,
		SmartFormat: true,
	}

	res, err := d.client.FromStream(ctx, bytes.NewReader(segment.Data), options)
	if err != nil {
		return Transcript{}, fmt.Errorf("deepgram request failed: %w", err)
	}

	// No channels means nothing was recognized; surface it as zero confidence
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return Transcript{}, nil
	}
	channel := res.Results.Channels[0]
	if len(channel.Alternatives) == 0 {
		return Transcript{}, nil
	}

	alt := channel.Alternatives[0]
	transcript := Transcript{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Language:   d.language,
	}
	if res.Metadata != nil {
		transcript.Duration = res.Metadata.Duration
	}
	return transcript, nil
}
