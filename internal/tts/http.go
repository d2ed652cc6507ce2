package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/resilience"
)

// HTTPConfig holds the endpoint and voice settings of an HTTPSynthesizer
type HTTPConfig struct {
	URL         string
	APIKey      string
	VoiceID     string
	ModelID     string
	FastModelID string // used once after a gateway timeout
	Speed       float64
}

// HTTPSynthesizer posts sentences to a JSON synthesis endpoint
type HTTPSynthesizer struct {
	cfg        HTTPConfig
	httpClient *http.Client
}

type synthesisRequest struct {
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	ModelID string  `json:"model_id,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

type synthesisResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Mime        string `json:"mime"`
}

// NewHTTPSynthesizer creates a new HTTP synthesizer
func NewHTTPSynthesizer(cfg HTTPConfig, httpClient *http.Client) *HTTPSynthesizer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPSynthesizer{cfg: cfg, httpClient: httpClient}
}

func (h *HTTPSynthesizer) Name() string {
	return "http"
}

// Synthesize makes one request, falling back to the fast model once when
// the primary model times out at the gateway
func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	if voice == "" {
		voice = h.cfg.VoiceID
	}

	clip, err := h.request(ctx, text, voice, h.cfg.ModelID)
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusGatewayTimeout &&
		h.cfg.FastModelID != "" && h.cfg.FastModelID != h.cfg.ModelID {
		log.Warn().
			Str("model", h.cfg.ModelID).
			Str("fallback", h.cfg.FastModelID).
			Msg("Synthesis timed out, retrying with fast model")
		return h.request(ctx, text, voice, h.cfg.FastModelID)
	}
	return clip, err
}

func (h *HTTPSynthesizer) request(ctx context.Context, text, voice, model string) (audio.Clip, error) {
	payload, err := json.Marshal(synthesisRequest{
		Text:    text,
		VoiceID: voice,
		ModelID: model,
		Speed:   h.cfg.Speed,
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return audio.Clip{}, resilience.NewStatusError("tts", resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to read audio: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	clip := audio.Clip{Data: body, MimeType: mediaType}

	if mediaType == "application/json" {
		var decoded synthesisResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return audio.Clip{}, fmt.Errorf("failed to decode synthesis response: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(decoded.AudioBase64)
		if err != nil {
			return audio.Clip{}, fmt.Errorf("failed to decode audio: %w", err)
		}
		clip = audio.Clip{Data: data, MimeType: decoded.Mime}
	}

	if len(clip.Data) == 0 {
		return audio.Clip{}, ErrEmptyAudio
	}
	if clip.MimeType == "" || !strings.HasPrefix(clip.MimeType, "audio/") {
		clip.MimeType = "audio/mpeg"
	}
	return clip, nil
}
