package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voicecall/internal/observability"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (f *fakeDB) Calls() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

func TestPostgres_Migrate(t *testing.T) {
	db := &fakeDB{}
	if err := NewPostgres(db).Migrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := db.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].sql, "CREATE TABLE IF NOT EXISTS call_messages") {
		t.Errorf("Expected schema DDL, got %v", calls)
	}
}

func TestPostgres_SaveMessage(t *testing.T) {
	db := &fakeDB{}
	p := NewPostgres(db)

	err := p.SaveMessage(context.Background(), Message{
		Role:           RoleUser,
		Text:           "hello",
		ConversationID: "conv-1",
		UserID:         "user-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := db.Calls()[0]
	if !strings.Contains(call.sql, "INSERT INTO call_messages") {
		t.Errorf("unexpected SQL %s", call.sql)
	}
	if call.args[0] != "conv-1" || call.args[1] != "user-1" || call.args[2] != RoleUser || call.args[3] != "hello" {
		t.Errorf("unexpected args %v", call.args)
	}
	if ts, ok := call.args[4].(time.Time); !ok || ts.IsZero() {
		t.Errorf("Expected a timestamp, got %v", call.args[4])
	}
}

func TestPostgres_RecordCallMetrics(t *testing.T) {
	db := &fakeDB{}
	p := NewPostgres(db)

	err := p.RecordCallMetrics(context.Background(), CallRecord{
		UserID:          "user-1",
		DurationSeconds: 42.5,
		Tier:            "pro",
		Metrics:         observability.CallSummary{CallID: "call-1", EndReason: "hangup", Interruptions: 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	call := db.Calls()[0]
	if call.args[0] != "call-1" || call.args[2] != "pro" || call.args[3] != 42.5 || call.args[4] != "hangup" {
		t.Errorf("unexpected args %v", call.args)
	}
	var summary observability.CallSummary
	if err := json.Unmarshal(call.args[5].([]byte), &summary); err != nil || summary.Interruptions != 2 {
		t.Errorf("Expected metrics JSON, got %s (%v)", call.args[5], err)
	}
}

func TestPostgres_ErrorWrapped(t *testing.T) {
	cause := errors.New("connection reset")
	p := NewPostgres(&fakeDB{err: cause})

	err := p.SaveMessage(context.Background(), Message{Role: RoleUser, Text: "hi"})
	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
}

type blockingStore struct {
	mu       sync.Mutex
	messages []Message
	records  []CallRecord
	err      error
	release  chan struct{}
}

func (b *blockingStore) SaveMessage(ctx context.Context, msg Message) error {
	if b.release != nil {
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return b.err
}

func (b *blockingStore) RecordCallMetrics(ctx context.Context, rec CallRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	return b.err
}

func TestAsync_DoesNotBlock(t *testing.T) {
	inner := &blockingStore{release: make(chan struct{})}
	a := NewAsync(inner, time.Second)

	returned := make(chan struct{})
	go func() {
		a.SaveMessage(RoleAssistant, "Hi there.", "conv", "user")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("SaveMessage blocked on the store")
	}

	close(inner.release)
	a.Wait()
	if len(inner.messages) != 1 || inner.messages[0].Role != RoleAssistant {
		t.Errorf("Expected the message to be saved, got %+v", inner.messages)
	}
}

func TestAsync_FailuresSwallowed(t *testing.T) {
	inner := &blockingStore{err: errors.New("db down")}
	a := NewAsync(inner, time.Second)

	a.RecordCallMetrics("user", 12, "free", observability.CallSummary{CallID: "c"})
	a.Wait()

	if len(inner.records) != 1 || inner.records[0].Tier != "free" {
		t.Errorf("Expected a write attempt, got %+v", inner.records)
	}
}

func TestLogStore(t *testing.T) {
	var buf strings.Builder
	s := NewLogStore(zerolog.New(&buf))

	_ = s.SaveMessage(context.Background(), Message{Role: RoleUser, Text: "secret words", ConversationID: "conv"})
	if strings.Contains(buf.String(), "secret words") {
		t.Error("Message text must not be logged")
	}
	if !strings.Contains(buf.String(), `"conversation_id":"conv"`) {
		t.Errorf("Expected conversation ID in log, got %s", buf.String())
	}
}
