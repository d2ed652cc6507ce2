package backend

import (
	"context"
	"fmt"
)

// Request is one user turn submitted to the conversational backend
type Request struct {
	Text           string
	ConversationID string
	UserID         string
}

// Stream is an open response. Recv returns the next text delta and io.EOF
// once the response is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Backend opens response streams. Open returns once the backend has
// accepted the request, so that establishing a stream can be retried
// separately from reading it.
type Backend interface {
	Name() string
	Open(ctx context.Context, req Request) (Stream, error)
}

// SentenceChunk is one speakable piece of a response
type SentenceChunk struct {
	Text     string
	Sequence int
	Voice    string
}

// BackendError is an error event reported inside a response stream
type BackendError struct {
	Backend string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend error: %s", e.Backend, e.Message)
}
