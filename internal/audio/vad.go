package audio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	CalibrationSamples   int           // Ambient samples taken at call start
	CalibrationWindow    time.Duration // Time the calibration samples are spread over
	NoiseMultiplier      float64       // Threshold = baseline * multiplier ...
	ThresholdFloor       float64       // ... but never below the floor
	SilenceDuration      time.Duration // Trailing silence that ends an utterance
	MinSpeechDuration    time.Duration // Shorter bursts are noise
	MinRecordingDuration time.Duration // Minimum segment length before it may be sent
	ProcessedCooldown    time.Duration // Quiet period after a segment was processed
	RejectedCooldown     time.Duration // Quiet period after a segment was rejected
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		CalibrationSamples:   20,
		CalibrationWindow:    2 * time.Second,
		NoiseMultiplier:      1.8,
		ThresholdFloor:       0.015,
		SilenceDuration:      250 * time.Millisecond,
		MinSpeechDuration:    300 * time.Millisecond,
		MinRecordingDuration: 150 * time.Millisecond,
		ProcessedCooldown:    500 * time.Millisecond,
		RejectedCooldown:     1 * time.Second,
	}
}

// Classification is the outcome of one level sample
type Classification int

const (
	Silent Classification = iota
	Speaking
	SegmentReady
)

func (c Classification) String() string {
	switch c {
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	case SegmentReady:
		return "segment_ready"
	}
	return "unknown"
}

// VADState is a snapshot of the detector
type VADState struct {
	BaselineNoiseLevel float64
	AdaptiveThreshold  float64
	IsCalibrated       bool
	SilenceStart       time.Time
	LastSpeech         time.Time
	RecordingStart     time.Time
}

// Detector classifies microphone levels into speech and silence against a
// threshold calibrated to the room. It is the only writer of VADState.
type Detector struct {
	cfg *VADConfig

	mu            sync.Mutex
	state         VADState
	speechStart   time.Time
	lastProcessed time.Time
	lastRejected  time.Time
}

// NewDetector creates a detector at the floor threshold
func NewDetector(cfg *VADConfig) *Detector {
	if cfg == nil {
		cfg = DefaultVADConfig()
	}
	return &Detector{
		cfg:   cfg,
		state: VADState{AdaptiveThreshold: cfg.ThresholdFloor},
	}
}

// Calibrate samples the ambient level and derives the speech threshold from
// the median. A sampler error abandons calibration and keeps the floor; it
// is never fatal to the call.
func (d *Detector) Calibrate(ctx context.Context, sampler func() (float64, error)) error {
	n := d.cfg.CalibrationSamples
	if n < 1 {
		n = 1
	}
	interval := d.cfg.CalibrationWindow / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	levels := make([]float64, 0, n)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for len(levels) < n {
		level, err := sampler()
		if err != nil {
			log.Warn().Err(err).Msg("VAD calibration failed, using threshold floor")
			d.setBaseline(0, false)
			return nil
		}
		levels = append(levels, level)
		if len(levels) == n {
			break
		}

		select {
		case <-ctx.Done():
			d.setBaseline(0, false)
			return ctx.Err()
		case <-ticker.C:
		}
	}

	slices.Sort(levels)
	median := levels[len(levels)/2]
	if len(levels)%2 == 0 {
		median = (levels[len(levels)/2-1] + levels[len(levels)/2]) / 2
	}
	d.setBaseline(median, true)

	log.Debug().
		Float64("baseline", median).
		Float64("threshold", d.Threshold()).
		Msg("VAD calibrated")
	return nil
}

func (d *Detector) setBaseline(baseline float64, calibrated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.BaselineNoiseLevel = baseline
	d.state.AdaptiveThreshold = max(baseline*d.cfg.NoiseMultiplier, d.cfg.ThresholdFloor)
	d.state.IsCalibrated = calibrated
}

// Threshold returns the current speech threshold
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.AdaptiveThreshold
}

// StartRecording marks the start of a new capture segment
func (d *Detector) StartRecording(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.RecordingStart = now
}

// OnSample classifies one level sample. SegmentReady is returned once per
// utterance, after which speech tracking starts over.
func (d *Detector) OnSample(level float64, now time.Time) Classification {
	d.mu.Lock()
	defer d.mu.Unlock()

	if level > d.state.AdaptiveThreshold {
		if d.speechStart.IsZero() {
			d.speechStart = now
		}
		d.state.LastSpeech = now
		d.state.SilenceStart = time.Time{}
		return Speaking
	}

	if d.speechStart.IsZero() {
		return Silent
	}
	if d.state.SilenceStart.IsZero() {
		d.state.SilenceStart = now
	}
	if now.Sub(d.state.SilenceStart) < d.cfg.SilenceDuration {
		return Silent
	}

	// A burst too short to be speech is forgotten
	if d.state.LastSpeech.Sub(d.speechStart) < d.cfg.MinSpeechDuration {
		d.forgetSpeech()
		return Silent
	}

	if now.Sub(d.state.RecordingStart) < d.cfg.MinRecordingDuration {
		return Silent
	}
	if !d.lastProcessed.IsZero() && now.Sub(d.lastProcessed) < d.cfg.ProcessedCooldown {
		return Silent
	}
	if !d.lastRejected.IsZero() && now.Sub(d.lastRejected) < d.cfg.RejectedCooldown {
		return Silent
	}

	d.forgetSpeech()
	return SegmentReady
}

func (d *Detector) forgetSpeech() {
	d.speechStart = time.Time{}
	d.state.SilenceStart = time.Time{}
}

// MarkProcessed starts the processed-segment cooldown
func (d *Detector) MarkProcessed(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastProcessed = now
}

// MarkRejected starts the rejected-segment cooldown
func (d *Detector) MarkRejected(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRejected = now
}

// InSpeech reports whether an utterance is in progress
func (d *Detector) InSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.speechStart.IsZero()
}

// State returns a snapshot of the detector
func (d *Detector) State() VADState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Reset returns the detector to its uncalibrated state
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = VADState{AdaptiveThreshold: d.cfg.ThresholdFloor}
	d.speechStart = time.Time{}
	d.lastProcessed = time.Time{}
	d.lastRejected = time.Time{}
}
