package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	otelcodes "go.opentelemetry.io/otel/codes"
)

func TestCallMetrics_FinalizeOnce(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewCallMetrics("call-1", start)

	m.RecordInterruption()
	m.RecordInterruption()
	m.RecordResume()
	m.RecordYield()
	m.RecordTurn()
	m.RecordError("timeout", "tts")
	m.ObserveRequest("stt", 200*time.Millisecond, true)
	m.ObserveRequest("stt", 400*time.Millisecond, true)
	m.ObserveRequest("stt", 9*time.Second, false)
	m.ObserveRequest("backend", time.Second, true)

	summary, ok := m.Finalize(start.Add(90*time.Second), "hangup")
	if !ok {
		t.Fatal("Expected first Finalize to produce a summary")
	}

	if summary.DurationSeconds != 90 {
		t.Errorf("Expected duration 90s, got %v", summary.DurationSeconds)
	}
	if summary.Interruptions != 2 || summary.Resumes != 1 || summary.Yields != 1 {
		t.Errorf("Expected 2/1/1 interruptions/resumes/yields, got %d/%d/%d", summary.Interruptions, summary.Resumes, summary.Yields)
	}
	if summary.Errors != 1 || summary.ErrorsByComponent["tts"] != 1 {
		t.Errorf("Expected one tts error, got %d %v", summary.Errors, summary.ErrorsByComponent)
	}
	if summary.STTSamples != 2 || summary.STTLatencyAvgMs != 300 {
		t.Errorf("Expected 2 STT samples averaging 300ms, got %d at %dms", summary.STTSamples, summary.STTLatencyAvgMs)
	}
	if summary.BackendLatencyAvgMs != 1000 {
		t.Errorf("Expected backend average 1000ms, got %d", summary.BackendLatencyAvgMs)
	}

	if _, ok := m.Finalize(start.Add(100*time.Second), "hangup"); ok {
		t.Error("Expected second Finalize to be a no-op")
	}
}

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if status.Status != "healthy" || status.Service != "voicecall" {
		t.Errorf("Expected healthy voicecall, got %+v", status)
	}
}

type brokenWriter struct {
	header http.Header
	code   int
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(code int)      { w.code = code }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHealthCheckHandler_WriteFailure(t *testing.T) {
	w := &brokenWriter{header: make(http.Header)}
	HealthCheckHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.code != http.StatusOK {
		t.Errorf("Expected 200 written before the body failed, got %d", w.code)
	}
	if ct := w.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestReadinessHandler(t *testing.T) {
	healthy := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") }

	tests := []struct {
		name     string
		checks   map[string]HealthCheckFunc
		code     int
		expected string
	}{
		{"all healthy", map[string]HealthCheckFunc{"backend": healthy, "store": healthy}, http.StatusOK, "ready"},
		{"one failing", map[string]HealthCheckFunc{"backend": healthy, "store": failing}, http.StatusServiceUnavailable, "not_ready"},
		{"no checks", nil, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.code {
				t.Errorf("Expected %d, got %d", tt.code, rec.Code)
			}
			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if status.Status != tt.expected {
				t.Errorf("Expected status %s, got %s", tt.expected, status.Status)
			}
			if dep, ok := status.Dependencies["store"]; ok && tt.name == "one failing" {
				if dep.Status != "unhealthy" || dep.Message != "connection refused" {
					t.Errorf("Expected unhealthy store with message, got %+v", dep)
				}
			}
		})
	}
}

func TestStartSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "stt.transcribe")
	if TraceID(ctx) == "" {
		t.Error("Expected an active trace ID")
	}
	EndSpan(span, errors.New("timeout"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "stt.transcribe" {
		t.Errorf("Expected span name stt.transcribe, got %s", spans[0].Name)
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("Expected error status, got %v", spans[0].Status.Code)
	}
}

func TestWithCorrelationID(t *testing.T) {
	if NewCorrelationID() == NewCorrelationID() {
		t.Error("Expected unique correlation IDs")
	}
	// Empty IDs are replaced rather than logged blank
	_ = WithCorrelationID("")
}
