package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/resilience"
)

const (
	cartesiaURL        = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaClient synthesizes raw PCM16 with Cartesia's bytes API
type CartesiaClient struct {
	apiKey     string
	apiURL     string
	voiceID    string
	modelID    string
	httpClient *http.Client
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(apiKey, voiceID, modelID string, httpClient *http.Client) *CartesiaClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &CartesiaClient{
		apiKey:     apiKey,
		apiURL:     cartesiaURL,
		voiceID:    voiceID,
		modelID:    modelID,
		httpClient: httpClient,
	}
}

func (c *CartesiaClient) Name() string {
	return "cartesia"
}

// Synthesize returns 24 kHz mono PCM16
func (c *CartesiaClient) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	if voice == "" {
		voice = c.voiceID
	}

	jsonData, err := json.Marshal(cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return audio.Clip{}, resilience.NewStatusError("cartesia", resp.StatusCode, string(msg))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to read audio: %w", err)
	}
	if len(audioData) == 0 {
		return audio.Clip{}, ErrEmptyAudio
	}

	return audio.Clip{
		Data:       audioData,
		MimeType:   "audio/pcm",
		SampleRate: cartesiaSampleRate,
	}, nil
}
