package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_active_calls",
		Help: "Number of active voice calls",
	})

	totalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_calls_total",
		Help: "Total number of calls by end reason",
	}, []string{"reason"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicecall_call_duration_seconds",
		Help:    "Duration of voice calls in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})

	// Turn-taking metrics
	turnEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_turn_events_total",
		Help: "Turn-taking transitions (interrupt, resume, yield, discard)",
	}, []string{"event"})

	// Remote call metrics
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_requests_total",
		Help: "Remote requests by component and status",
	}, []string{"component", "status"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecall_request_latency_seconds",
		Help:    "Remote request latency in seconds, retries included",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	}, []string{"component"})

	retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_retries_total",
		Help: "Retried attempts by component",
	}, []string{"component"})

	sttRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_stt_rejections_total",
		Help: "Segments rejected as non-speech by reason",
	}, []string{"reason"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicecall_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Network quality (0=excellent, 1=good, 2=poor, 3=offline)
	networkQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_network_quality",
		Help: "Latest network quality classification (0=excellent, 1=good, 2=poor, 3=offline)",
	})

	probeRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicecall_probe_rtt_seconds",
		Help:    "Network probe round-trip time",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 1.0},
	})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_store_errors_total",
		Help: "Failed persistence writes by operation",
	}, []string{"op"})
)

// CallSummary is the finalized metrics of one call
type CallSummary struct {
	CallID              string         `json:"call_id"`
	DurationSeconds     float64        `json:"duration_seconds"`
	EndReason           string         `json:"end_reason"`
	Interruptions       int            `json:"interruptions"`
	Resumes             int            `json:"resumes"`
	Yields              int            `json:"yields"`
	Errors              int            `json:"errors"`
	ErrorsByComponent   map[string]int `json:"errors_by_component,omitempty"`
	Turns               int            `json:"turns"`
	STTLatencyAvgMs     int64          `json:"stt_latency_avg_ms"`
	STTSamples          int            `json:"stt_samples"`
	BackendLatencyAvgMs int64          `json:"backend_latency_avg_ms"`
	BackendSamples      int            `json:"backend_samples"`
}

// CallMetrics accumulates the metrics of a single call and mirrors them
// into the process-wide collectors.
type CallMetrics struct {
	callID    string
	startTime time.Time

	mu                sync.Mutex
	interruptions     int
	resumes           int
	yields            int
	errors            int
	errorsByComponent map[string]int
	turns             int
	sttLatencies      []time.Duration
	backendLatencies  []time.Duration
	finalized         bool
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string, start time.Time) *CallMetrics {
	activeCalls.Inc()
	return &CallMetrics{
		callID:            callID,
		startTime:         start,
		errorsByComponent: make(map[string]int),
	}
}

// RecordInterruption counts a committed barge-in
func (m *CallMetrics) RecordInterruption() {
	m.mu.Lock()
	m.interruptions++
	m.mu.Unlock()
	turnEvents.WithLabelValues("interrupt").Inc()
}

// RecordResume counts playback resumed after an interrupt
func (m *CallMetrics) RecordResume() {
	m.mu.Lock()
	m.resumes++
	m.mu.Unlock()
	turnEvents.WithLabelValues("resume").Inc()
}

// RecordYield counts the assistant giving up the turn
func (m *CallMetrics) RecordYield() {
	m.mu.Lock()
	m.yields++
	m.mu.Unlock()
	turnEvents.WithLabelValues("yield").Inc()
}

// RecordTurn counts a transcript forwarded to the backend
func (m *CallMetrics) RecordTurn() {
	m.mu.Lock()
	m.turns++
	m.mu.Unlock()
}

// RecordError records an error
func (m *CallMetrics) RecordError(errorType, component string) {
	m.mu.Lock()
	m.errors++
	m.errorsByComponent[component]++
	m.mu.Unlock()
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// ObserveRequest records a remote request's latency and outcome.
// Latency samples are kept per call for STT and backend requests.
func (m *CallMetrics) ObserveRequest(component string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	requests.WithLabelValues(component, status).Inc()
	requestLatency.WithLabelValues(component).Observe(latency.Seconds())

	if !success {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch component {
	case "stt":
		m.sttLatencies = append(m.sttLatencies, latency)
	case "backend":
		m.backendLatencies = append(m.backendLatencies, latency)
	}
}

// RecordAudioBytes records audio bytes processed
func (m *CallMetrics) RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// Finalize closes the call's metrics. The summary is produced exactly once;
// later calls return false.
func (m *CallMetrics) Finalize(now time.Time, reason string) (CallSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return CallSummary{}, false
	}
	m.finalized = true

	duration := now.Sub(m.startTime)
	activeCalls.Dec()
	totalCalls.WithLabelValues(reason).Inc()
	callDuration.Observe(duration.Seconds())

	errorsByComponent := make(map[string]int, len(m.errorsByComponent))
	for k, v := range m.errorsByComponent {
		errorsByComponent[k] = v
	}

	return CallSummary{
		CallID:              m.callID,
		DurationSeconds:     duration.Seconds(),
		EndReason:           reason,
		Interruptions:       m.interruptions,
		Resumes:             m.resumes,
		Yields:              m.yields,
		Errors:              m.errors,
		ErrorsByComponent:   errorsByComponent,
		Turns:               m.turns,
		STTLatencyAvgMs:     averageMs(m.sttLatencies),
		STTSamples:          len(m.sttLatencies),
		BackendLatencyAvgMs: averageMs(m.backendLatencies),
		BackendSamples:      len(m.backendLatencies),
	}, true
}

func averageMs(samples []time.Duration) int64 {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return (total / time.Duration(len(samples))).Milliseconds()
}

// RecordRetry counts a retried attempt
func RecordRetry(component string) {
	retries.WithLabelValues(component).Inc()
}

// RecordSTTRejection counts a segment discarded as non-speech
func RecordSTTRejection(reason string) {
	sttRejections.WithLabelValues(reason).Inc()
}

// RecordTurnEvent counts a turn transition not tied to a call's metrics
func RecordTurnEvent(event string) {
	turnEvents.WithLabelValues(event).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SetNetworkQuality publishes the latest quality classification
func SetNetworkQuality(quality int) {
	networkQuality.Set(float64(quality))
}

// ObserveProbe records one network probe round trip
func ObserveProbe(rtt time.Duration) {
	probeRTT.Observe(rtt.Seconds())
}

// RecordStoreError counts a failed fire-and-forget write
func RecordStoreError(op string) {
	storeErrors.WithLabelValues(op).Inc()
}
