package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/lexiqai/voicecall/internal/resilience"
)

const defaultMaxHistory = 20

// OpenAIBackend streams chat completions from an OpenAI-compatible server
// such as LM Studio, keeping a bounded history per conversation
type OpenAIBackend struct {
	client       oai.Client
	model        string
	systemPrompt string
	maxHistory   int

	mu      sync.Mutex
	history map[string][]oai.ChatCompletionMessageParamUnion
}

// NewOpenAIBackend creates a backend. baseURL may point at any
// OpenAI-compatible server; apiKey may be empty for local servers.
func NewOpenAIBackend(baseURL, apiKey, model, systemPrompt string, opts ...option.RequestOption) *OpenAIBackend {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	// Retries are owned by the Consumer
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAIBackend{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: systemPrompt,
		maxHistory:   defaultMaxHistory,
		history:      make(map[string][]oai.ChatCompletionMessageParamUnion),
	}
}

func (b *OpenAIBackend) Name() string {
	return "openai"
}

// Open starts a streaming completion for the user's turn
func (b *OpenAIBackend) Open(ctx context.Context, req Request) (Stream, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	if b.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(b.systemPrompt))
	}
	messages = append(messages, b.historyFor(req.ConversationID)...)
	messages = append(messages, oai.UserMessage(req.Text))

	stream := b.client.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	})
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, apiError(err)
	}

	return &openAIStream{backend: b, stream: stream, req: req}, nil
}

func (b *OpenAIBackend) historyFor(conversationID string) []oai.ChatCompletionMessageParamUnion {
	if conversationID == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]oai.ChatCompletionMessageParamUnion(nil), b.history[conversationID]...)
}

func (b *OpenAIBackend) remember(conversationID, user, assistant string) {
	if conversationID == "" || assistant == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	turns := append(b.history[conversationID], oai.UserMessage(user), oai.AssistantMessage(assistant))
	if len(turns) > b.maxHistory {
		turns = turns[len(turns)-b.maxHistory:]
	}
	b.history[conversationID] = turns
}

// Forget drops a conversation's history
func (b *OpenAIBackend) Forget(conversationID string) {
	b.mu.Lock()
	delete(b.history, conversationID)
	b.mu.Unlock()
}

type openAIStream struct {
	backend *OpenAIBackend
	stream  *ssestream.Stream[oai.ChatCompletionChunk]
	req     Request
	reply   strings.Builder
}

func (s *openAIStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			s.reply.WriteString(text)
			return text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", apiError(err)
	}
	s.backend.remember(s.req.ConversationID, s.req.Text, s.reply.String())
	return "", io.EOF
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// apiError maps SDK status errors onto resilience.StatusError
func apiError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return resilience.NewStatusError("openai", apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("openai stream: %w", err)
}
