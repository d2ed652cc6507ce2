package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/observability"
)

// Quality is the classified network condition
type Quality int

const (
	QualityExcellent Quality = iota
	QualityGood
	QualityPoor
	QualityOffline
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityOffline:
		return "offline"
	}
	return "unknown"
}

// failedProbeRTT is the round trip a failed probe adds to the window
const failedProbeRTT = 1000 * time.Millisecond

// Prober measures one round trip to the service the call depends on
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Config holds monitor cadence and timeout tables
type Config struct {
	Interval time.Duration
	Window   int

	LargeSegment        int           // bytes
	LargeSegmentTimeout time.Duration // floor for large segments
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Second,
		Window:              10,
		LargeSegment:        200 * 1024,
		LargeSegmentTimeout: 15 * time.Second,
	}
}

var sttTimeouts = map[Quality]time.Duration{
	QualityExcellent: 12 * time.Second,
	QualityGood:      8 * time.Second,
	QualityPoor:      15 * time.Second,
	QualityOffline:   20 * time.Second,
}

var requestTimeouts = map[Quality]time.Duration{
	QualityExcellent: 10 * time.Second,
	QualityGood:      15 * time.Second,
	QualityPoor:      25 * time.Second,
	QualityOffline:   30 * time.Second,
}

// Monitor keeps a rolling window of probe round trips and derives the
// network quality and adaptive timeouts from it. Quality changes are
// reported, never acted on.
type Monitor struct {
	cfg    Config
	prober Prober

	mu       sync.RWMutex
	samples  []time.Duration
	next     int
	quality  Quality
	onChange func(previous, current Quality)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. prober may be nil when samples are fed
// through Record only.
func NewMonitor(cfg Config, prober Prober) *Monitor {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		samples: make([]time.Duration, 0, cfg.Window),
		quality: QualityGood,
	}
}

// OnChange registers a callback for quality transitions
func (m *Monitor) OnChange(fn func(previous, current Quality)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start probes every Interval until Stop or ctx ends
func (m *Monitor) Start(ctx context.Context) {
	if m.prober == nil {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop ends probing and waits for the probe goroutine
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	rtt, err := m.prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.Record(rtt, err)
}

// Record adds one probe outcome to the window
func (m *Monitor) Record(rtt time.Duration, err error) {
	if err != nil {
		log.Debug().Err(err).Msg("Network probe failed")
		rtt = failedProbeRTT
	} else {
		observability.ObserveProbe(rtt)
	}

	m.mu.Lock()
	if len(m.samples) < m.cfg.Window {
		m.samples = append(m.samples, rtt)
	} else {
		m.samples[m.next] = rtt
	}
	m.next = (m.next + 1) % m.cfg.Window

	previous := m.quality
	if err != nil {
		// Unreachable now, whatever the window average says
		m.quality = QualityOffline
	} else {
		m.quality = classify(mean(m.samples))
	}
	current := m.quality
	onChange := m.onChange
	m.mu.Unlock()

	if current == previous {
		return
	}
	observability.SetNetworkQuality(int(current))
	log.Info().
		Str("previous", previous.String()).
		Str("current", current.String()).
		Msg("Network quality changed")
	if onChange != nil {
		onChange(previous, current)
	}
}

// Quality returns the current classification; good before any sample
func (m *Monitor) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// STTTimeout returns the transcription deadline for a segment of size bytes
func (m *Monitor) STTTimeout(size int) time.Duration {
	timeout := sttTimeouts[m.Quality()]
	if size > m.cfg.LargeSegment && timeout < m.cfg.LargeSegmentTimeout {
		timeout = m.cfg.LargeSegmentTimeout
	}
	return timeout
}

// RequestTimeout returns the deadline for backend and synthesis requests
func (m *Monitor) RequestTimeout() time.Duration {
	return requestTimeouts[m.Quality()]
}

func classify(avg time.Duration) Quality {
	switch {
	case avg < 100*time.Millisecond:
		return QualityExcellent
	case avg < 300*time.Millisecond:
		return QualityGood
	case avg < 1000*time.Millisecond:
		return QualityPoor
	}
	return QualityOffline
}

func mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}
