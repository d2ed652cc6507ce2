package netmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestMonitor_InitialQuality(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	if m.Quality() != QualityGood {
		t.Errorf("Expected good before any sample, got %v", m.Quality())
	}
	if m.STTTimeout(1024) != 8*time.Second {
		t.Errorf("Expected 8s STT timeout, got %v", m.STTTimeout(1024))
	}
	if m.RequestTimeout() != 15*time.Second {
		t.Errorf("Expected 15s request timeout, got %v", m.RequestTimeout())
	}
}

func TestMonitor_Classification(t *testing.T) {
	tests := []struct {
		name       string
		rtt        time.Duration
		err        error
		quality    Quality
		sttTimeout time.Duration
		reqTimeout time.Duration
	}{
		{"excellent", 40 * time.Millisecond, nil, QualityExcellent, 12 * time.Second, 10 * time.Second},
		{"good", 150 * time.Millisecond, nil, QualityGood, 8 * time.Second, 15 * time.Second},
		{"poor", 600 * time.Millisecond, nil, QualityPoor, 15 * time.Second, 25 * time.Second},
		{"offline", 1500 * time.Millisecond, nil, QualityOffline, 20 * time.Second, 30 * time.Second},
		{"unreachable", 0, errors.New("timeout"), QualityOffline, 20 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(DefaultConfig(), nil)
			for i := 0; i < 10; i++ {
				m.Record(tt.rtt, tt.err)
			}
			if m.Quality() != tt.quality {
				t.Errorf("Expected %v, got %v", tt.quality, m.Quality())
			}
			if m.STTTimeout(1024) != tt.sttTimeout {
				t.Errorf("Expected STT timeout %v, got %v", tt.sttTimeout, m.STTTimeout(1024))
			}
			if m.RequestTimeout() != tt.reqTimeout {
				t.Errorf("Expected request timeout %v, got %v", tt.reqTimeout, m.RequestTimeout())
			}
		})
	}
}

func TestMonitor_LargeSegmentTimeout(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	m.Record(20*time.Millisecond, nil) // excellent: 12s

	if got := m.STTTimeout(250 * 1024); got != 15*time.Second {
		t.Errorf("Expected 15s for a large segment, got %v", got)
	}
	if got := m.STTTimeout(100 * 1024); got != 12*time.Second {
		t.Errorf("Expected 12s for a normal segment, got %v", got)
	}
}

func TestMonitor_RollingWindow(t *testing.T) {
	m := NewMonitor(Config{Interval: time.Second, Window: 3}, nil)
	m.Record(2*time.Second, nil)
	m.Record(2*time.Second, nil)
	m.Record(2*time.Second, nil)
	if m.Quality() != QualityOffline {
		t.Fatalf("Expected offline, got %v", m.Quality())
	}

	// Old samples fall out of the window
	for i := 0; i < 3; i++ {
		m.Record(50*time.Millisecond, nil)
	}
	if m.Quality() != QualityExcellent {
		t.Errorf("Expected excellent after recovery, got %v", m.Quality())
	}
}

func TestMonitor_FailedProbeIsOfflineAtOnce(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		m.Record(50*time.Millisecond, nil)
	}

	for i := 1; i <= 9; i++ {
		m.Record(0, errors.New("unreachable"))
		if m.Quality() != QualityOffline {
			t.Errorf("failure %d: Expected offline, got %v", i, m.Quality())
		}
	}

	// The first successful probe leaves offline even though the window
	// still holds failures
	m.Record(50*time.Millisecond, nil)
	if m.Quality() == QualityOffline {
		t.Error("Expected recovery from offline after a successful probe")
	}
}

func TestMonitor_OnChange(t *testing.T) {
	m := NewMonitor(Config{Interval: time.Second, Window: 1}, nil)

	var transitions [][2]Quality
	m.OnChange(func(previous, current Quality) {
		transitions = append(transitions, [2]Quality{previous, current})
	})

	m.Record(150*time.Millisecond, nil) // still good
	m.Record(0, errors.New("unreachable"))
	m.Record(50*time.Millisecond, nil)

	expected := [][2]Quality{{QualityGood, QualityOffline}, {QualityOffline, QualityExcellent}}
	if len(transitions) != len(expected) {
		t.Fatalf("Expected %d transitions, got %v", len(expected), transitions)
	}
	for i := range expected {
		if transitions[i] != expected[i] {
			t.Errorf("transition %d: expected %v, got %v", i, expected[i], transitions[i])
		}
	}
}

type fakeProber struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeProber) Probe(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return 30 * time.Millisecond, nil
}

func TestMonitor_StartStop(t *testing.T) {
	prober := &fakeProber{}
	m := NewMonitor(Config{Interval: 10 * time.Millisecond, Window: 5}, prober)

	m.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	m.Stop()

	prober.mu.Lock()
	calls := prober.calls
	prober.mu.Unlock()
	if calls == 0 {
		t.Error("Expected at least one probe")
	}
	if m.Quality() != QualityExcellent {
		t.Errorf("Expected excellent, got %v", m.Quality())
	}
}

func TestHTTPProber(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", r.Method)
		}
	}))
	defer ok.Close()

	if _, err := NewHTTPProber(ok.URL, nil).Probe(context.Background()); err != nil {
		t.Errorf("Expected reachable, got %v", err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	if _, err := NewHTTPProber(failing.URL, nil).Probe(context.Background()); err == nil {
		t.Error("Expected error for 502")
	}
}
