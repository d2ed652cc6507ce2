package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lexiqai/voicecall/internal/resilience"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completionServer(t *testing.T, reply []string, requests *[]chatRequest) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		mu.Lock()
		*requests = append(*requests, req)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range reply {
			content, _ := json.Marshal(piece)
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"local\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s},\"finish_reason\":null}]}\n\n", content)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIBackend_StreamAndHistory(t *testing.T) {
	var requests []chatRequest
	server := completionServer(t, []string{"Hi ", "there."}, &requests)
	defer server.Close()

	b := NewOpenAIBackend(server.URL+"/v1/", "", "local", "Be brief.")

	for i, text := range []string{"hello", "and again"} {
		stream, err := b.Open(context.Background(), Request{Text: text, ConversationID: "conv"})
		if err != nil {
			t.Fatalf("turn %d: unexpected error: %v", i, err)
		}
		deltas, err := readAll(t, stream)
		stream.Close()
		if err != nil {
			t.Fatalf("turn %d: unexpected error: %v", i, err)
		}
		if strings.Join(deltas, "") != "Hi there." {
			t.Errorf("turn %d: unexpected reply %q", i, deltas)
		}
	}

	if len(requests) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(requests))
	}
	if requests[0].Model != "local" {
		t.Errorf("Expected model local, got %q", requests[0].Model)
	}
	if len(requests[0].Messages) != 2 {
		t.Errorf("Expected system + user on the first turn, got %d messages", len(requests[0].Messages))
	}

	second := requests[1].Messages
	if len(second) != 4 {
		t.Fatalf("Expected history on the second turn, got %d messages", len(second))
	}
	roles := []string{second[0].Role, second[1].Role, second[2].Role, second[3].Role}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Errorf("unexpected roles %v", roles)
	}
	if second[2].Content != "Hi there." {
		t.Errorf("Expected assistant reply in history, got %q", second[2].Content)
	}

	b.Forget("conv")
	if len(b.historyFor("conv")) != 0 {
		t.Error("Expected history to be forgotten")
	}
}

func TestOpenAIBackend_HistoryBounded(t *testing.T) {
	b := NewOpenAIBackend("http://unused/v1/", "", "local", "")
	b.maxHistory = 4
	for i := 0; i < 5; i++ {
		b.remember("conv", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	if got := len(b.historyFor("conv")); got != 4 {
		t.Errorf("Expected 4 messages kept, got %d", got)
	}
}

func TestOpenAIBackend_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	b := NewOpenAIBackend(server.URL+"/v1/", "key", "local", "")
	_, err := b.Open(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, resilience.ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication, got %v", err)
	}
}
