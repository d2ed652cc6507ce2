package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/lexiqai/voicecall/internal/audio"
	"github.com/lexiqai/voicecall/internal/resilience"
)

// HTTPTranscriber posts segments as multipart uploads to a transcription
// endpoint
type HTTPTranscriber struct {
	url        string
	language   string
	token      func() string
	httpClient *http.Client
}

// NewHTTPTranscriber creates a transcriber for url. token supplies the
// current bearer credential and may be nil.
func NewHTTPTranscriber(url, language string, token func() string, httpClient *http.Client) *HTTPTranscriber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPTranscriber{
		url:        url,
		language:   language,
		token:      token,
		httpClient: httpClient,
	}
}

type transcriptionResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Language   string   `json:"language"`
	Duration   float64  `json:"duration"`
}

func (h *HTTPTranscriber) Name() string {
	return "http"
}

// Transcribe makes one upload
func (h *HTTPTranscriber) Transcribe(ctx context.Context, segment audio.Segment) (Transcript, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "segment"+extension(segment.MimeType))
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(segment.Data); err != nil {
		return Transcript{}, fmt.Errorf("failed to write audio: %w", err)
	}
	if h.language != "" {
		if err := writer.WriteField("language", h.language); err != nil {
			return Transcript{}, fmt.Errorf("failed to write language: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return Transcript{}, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, body)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if h.token != nil {
		if token := h.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Transcript{}, resilience.NewStatusError("stt", resp.StatusCode, string(msg))
	}

	var decoded transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Transcript{}, fmt.Errorf("failed to decode transcription: %w", err)
	}

	transcript := Transcript{
		Text:     decoded.Text,
		Language: decoded.Language,
		Duration: decoded.Duration,
	}
	switch {
	case decoded.Confidence != nil:
		transcript.Confidence = *decoded.Confidence
	case strings.TrimSpace(decoded.Text) != "":
		// Providers that don't score confidence
		transcript.Confidence = 1.0
	}
	return transcript, nil
}

func extension(mimeType string) string {
	switch mimeType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	}
	return ".bin"
}
