package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds every cadence and threshold used by the call engine. The
// multipliers and windows were tuned against a single speaker/microphone
// setup; they are defaults to re-calibrate, not physical constants.
type Tuning struct {
	// Sampling loop
	SampleInterval time.Duration `yaml:"sample_interval"`

	// VAD calibration and segmentation
	CalibrationSamples   int           `yaml:"calibration_samples"`
	CalibrationWindow    time.Duration `yaml:"calibration_window"`
	NoiseMultiplier      float64       `yaml:"noise_multiplier"`
	ThresholdFloor       float64       `yaml:"threshold_floor"`
	SilenceDuration      time.Duration `yaml:"silence_duration"`
	MinSpeechDuration    time.Duration `yaml:"min_speech_duration"`
	MinRecordingDuration time.Duration `yaml:"min_recording_duration"`
	ProcessedCooldown    time.Duration `yaml:"processed_cooldown"`
	RejectedCooldown     time.Duration `yaml:"rejected_cooldown"`
	PreRoll              time.Duration `yaml:"pre_roll"`

	// Turn-taking
	PlayingInterruptMultiplier float64       `yaml:"playing_interrupt_multiplier"`
	IdleInterruptMultiplier    float64       `yaml:"idle_interrupt_multiplier"`
	InterruptDebounce          time.Duration `yaml:"interrupt_debounce"`
	OverlapTolerance           time.Duration `yaml:"overlap_tolerance"`
	YieldThreshold             time.Duration `yaml:"yield_threshold"`
	ResumeSilence              time.Duration `yaml:"resume_silence"`
	ResumeWindow               time.Duration `yaml:"resume_window"`
	RejectResumeWindow         time.Duration `yaml:"reject_resume_window"`

	// Transcription
	MinSegmentBytes    int     `yaml:"min_segment_bytes"`
	RejectConfidence   float64 `yaml:"reject_confidence"`
	LowConfidence      float64 `yaml:"low_confidence"`
	MinTranscriptChars int     `yaml:"min_transcript_chars"`

	// Sentence segmentation
	MaxChunkChars int `yaml:"max_chunk_chars"`
	MinChunkChars int `yaml:"min_chunk_chars"`

	// Retry
	RetryMaxRetries int             `yaml:"retry_max_retries"`
	RetryDelays     []time.Duration `yaml:"retry_delays"`
	RetryJitter     float64         `yaml:"retry_jitter"`

	// Network quality
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeWindow     int           `yaml:"probe_window"`
	LargeSegment    int           `yaml:"large_segment_bytes"`
	LargeSegmentMin time.Duration `yaml:"large_segment_timeout"`

	// Lifecycle
	MaxCallDuration       time.Duration `yaml:"max_call_duration"`
	DurationCheckInterval time.Duration `yaml:"duration_check_interval"`
	StopTimeout           time.Duration `yaml:"stop_timeout"`
}

// DefaultTuning returns the tuning the engine ships with
func DefaultTuning() Tuning {
	return Tuning{
		SampleInterval: 50 * time.Millisecond,

		CalibrationSamples:   20,
		CalibrationWindow:    2 * time.Second,
		NoiseMultiplier:      1.8,
		ThresholdFloor:       0.015,
		SilenceDuration:      250 * time.Millisecond,
		MinSpeechDuration:    300 * time.Millisecond,
		MinRecordingDuration: 150 * time.Millisecond,
		ProcessedCooldown:    500 * time.Millisecond,
		RejectedCooldown:     1 * time.Second,
		PreRoll:              300 * time.Millisecond,

		PlayingInterruptMultiplier: 8.0,
		IdleInterruptMultiplier:    2.0,
		InterruptDebounce:          50 * time.Millisecond,
		OverlapTolerance:           200 * time.Millisecond,
		YieldThreshold:             500 * time.Millisecond,
		ResumeSilence:              1 * time.Second,
		ResumeWindow:               10 * time.Second,
		RejectResumeWindow:         5 * time.Second,

		MinSegmentBytes:    8 * 1024,
		RejectConfidence:   0.2,
		LowConfidence:      0.5,
		MinTranscriptChars: 2,

		MaxChunkChars: 100,
		MinChunkChars: 15,

		RetryMaxRetries: 5,
		RetryDelays:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second},
		RetryJitter:     0.3,

		ProbeInterval:   5 * time.Second,
		ProbeWindow:     10,
		LargeSegment:    200 * 1024,
		LargeSegmentMin: 15 * time.Second,

		MaxCallDuration:       30 * time.Minute,
		DurationCheckInterval: 10 * time.Second,
		StopTimeout:           5 * time.Second,
	}
}

// LoadTuning returns DefaultTuning overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	tuning := DefaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tuning, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return tuning, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	if err := tuning.Validate(); err != nil {
		return tuning, fmt.Errorf("invalid tuning file %s: %w", path, err)
	}
	return tuning, nil
}

// Validate rejects values the engine cannot run with
func (t Tuning) Validate() error {
	var errs []error
	if t.SampleInterval <= 0 {
		errs = append(errs, errors.New("sample_interval must be positive"))
	}
	if t.CalibrationSamples < 1 {
		errs = append(errs, errors.New("calibration_samples must be at least 1"))
	}
	if t.ThresholdFloor <= 0 {
		errs = append(errs, errors.New("threshold_floor must be positive"))
	}
	if t.NoiseMultiplier < 1 {
		errs = append(errs, errors.New("noise_multiplier must be at least 1"))
	}
	if t.PlayingInterruptMultiplier < t.IdleInterruptMultiplier {
		errs = append(errs, errors.New("playing_interrupt_multiplier must not be below idle_interrupt_multiplier"))
	}
	if t.RejectConfidence < 0 || t.RejectConfidence > 1 || t.LowConfidence < t.RejectConfidence {
		errs = append(errs, errors.New("confidence thresholds must satisfy 0 <= reject <= low <= 1"))
	}
	if t.MinChunkChars < 1 || t.MaxChunkChars <= t.MinChunkChars {
		errs = append(errs, errors.New("max_chunk_chars must exceed min_chunk_chars"))
	}
	if len(t.RetryDelays) == 0 {
		errs = append(errs, errors.New("retry_delays must not be empty"))
	}
	if t.RetryJitter < 0 || t.RetryJitter >= 1 {
		errs = append(errs, errors.New("retry_jitter must be in [0, 1)"))
	}
	if t.ProbeWindow < 1 {
		errs = append(errs, errors.New("probe_window must be at least 1"))
	}
	if t.MaxCallDuration <= 0 || t.DurationCheckInterval <= 0 {
		errs = append(errs, errors.New("max_call_duration and duration_check_interval must be positive"))
	}
	return errors.Join(errs...)
}
