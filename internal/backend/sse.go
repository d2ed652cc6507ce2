package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lexiqai/voicecall/internal/resilience"
)

// SSEBackend streams replies from a chat_stream server-sent events endpoint
type SSEBackend struct {
	baseURL    string
	model      string
	token      func() string
	httpClient *http.Client
}

// NewSSEBackend creates a backend for baseURL. token supplies the current
// bearer credential and may be nil.
func NewSSEBackend(baseURL, model string, token func() string, httpClient *http.Client) *SSEBackend {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSEBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		token:      token,
		httpClient: httpClient,
	}
}

func (b *SSEBackend) Name() string {
	return "sse"
}

// Open issues the request and returns once response headers arrive
func (b *SSEBackend) Open(ctx context.Context, req Request) (Stream, error) {
	query := url.Values{}
	query.Set("prompt", req.Text)
	if req.ConversationID != "" {
		query.Set("conversation_id", req.ConversationID)
	}
	if b.model != "" && b.model != "default" {
		query.Set("model", b.model)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/chat_stream?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if b.token != nil {
		if token := b.token(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, resilience.NewStatusError("backend", resp.StatusCode, string(msg))
	}

	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Recv returns the next token event
func (s *sseStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		event, data, err := s.next()
		if err != nil {
			return "", err
		}

		switch event {
		case "token", "message", "":
			if data != "" {
				return data, nil
			}
		case "done", "end":
			s.done = true
		case "error":
			s.done = true
			return "", &BackendError{Backend: "sse", Message: errorMessage(data)}
		}
	}
}

// next reads one event. A stream that ends without a done event is
// treated as complete.
func (s *sseStream) next() (event, data string, err error) {
	var lines []string
	seen := false

	for {
		line, readErr := s.reader.ReadString('\n')
		if readErr != nil && line == "" {
			if readErr == io.EOF {
				if seen {
					return event, strings.Join(lines, "\n"), nil
				}
				return "", "", io.EOF
			}
			return "", "", readErr
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if seen {
				return event, strings.Join(lines, "\n"), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			value = strings.TrimPrefix(value, " ")
			lines = append(lines, value)
			seen = true
		}
	}
}

func errorMessage(data string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return data
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
