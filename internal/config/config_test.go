package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	os.Setenv("STT_API_KEY", "test-stt-key")
	os.Setenv("TTS_API_KEY", "test-tts-key")
	defer os.Unsetenv("STT_API_KEY")
	defer os.Unsetenv("TTS_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.STTAPIKey != "test-stt-key" {
		t.Errorf("Expected STTAPIKey 'test-stt-key', got '%s'", cfg.STTAPIKey)
	}

	if cfg.TTSAPIKey != "test-tts-key" {
		t.Errorf("Expected TTSAPIKey 'test-tts-key', got '%s'", cfg.TTSAPIKey)
	}
}

func TestLoad_MissingProviderCredentials(t *testing.T) {
	os.Setenv("STT_PROVIDER", "deepgram")
	defer os.Unsetenv("STT_PROVIDER")
	os.Unsetenv("DEEPGRAM_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when the deepgram provider has no API key")
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	os.Setenv("BACKEND_PROVIDER", "carrier-pigeon")
	defer os.Unsetenv("BACKEND_PROVIDER")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error for an unknown backend provider")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.STTProvider != "http" {
		t.Errorf("Expected default STTProvider 'http', got '%s'", cfg.STTProvider)
	}

	if cfg.BackendProvider != "sse" {
		t.Errorf("Expected default BackendProvider 'sse', got '%s'", cfg.BackendProvider)
	}

	if cfg.TTSModelID != "high-quality" || cfg.TTSFastModelID != "fast" {
		t.Errorf("Expected default TTS models 'high-quality'/'fast', got '%s'/'%s'", cfg.TTSModelID, cfg.TTSFastModelID)
	}

	if cfg.SynthesisWorkers != 3 {
		t.Errorf("Expected default SynthesisWorkers 3, got %d", cfg.SynthesisWorkers)
	}

	if cfg.MaxAuthFailures != 2 {
		t.Errorf("Expected default MaxAuthFailures 2, got %d", cfg.MaxAuthFailures)
	}

	if cfg.Tuning.SampleInterval != 50*time.Millisecond {
		t.Errorf("Expected default SampleInterval 50ms, got %v", cfg.Tuning.SampleInterval)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}

	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

func TestDefaultTuning(t *testing.T) {
	tuning := DefaultTuning()

	if err := tuning.Validate(); err != nil {
		t.Fatalf("Expected default tuning to be valid, got %v", err)
	}

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"silence", tuning.SilenceDuration, 250 * time.Millisecond},
		{"min speech", tuning.MinSpeechDuration, 300 * time.Millisecond},
		{"min recording", tuning.MinRecordingDuration, 150 * time.Millisecond},
		{"debounce", tuning.InterruptDebounce, 50 * time.Millisecond},
		{"overlap", tuning.OverlapTolerance, 200 * time.Millisecond},
		{"yield", tuning.YieldThreshold, 500 * time.Millisecond},
		{"resume silence", tuning.ResumeSilence, time.Second},
		{"resume window", tuning.ResumeWindow, 10 * time.Second},
		{"reject resume window", tuning.RejectResumeWindow, 5 * time.Second},
		{"probe interval", tuning.ProbeInterval, 5 * time.Second},
		{"max call", tuning.MaxCallDuration, 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, tt.got)
			}
		})
	}

	if tuning.ThresholdFloor != 0.015 || tuning.NoiseMultiplier != 1.8 {
		t.Errorf("Expected floor 0.015 and multiplier 1.8, got %v and %v", tuning.ThresholdFloor, tuning.NoiseMultiplier)
	}
}

func TestLoadTuning_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	content := []byte("silence_duration: 400ms\nplaying_interrupt_multiplier: 10\nretry_delays: [100ms, 200ms]\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write tuning file: %v", err)
	}

	tuning, err := LoadTuning(path)
	if err != nil {
		t.Fatalf("LoadTuning() failed: %v", err)
	}

	if tuning.SilenceDuration != 400*time.Millisecond {
		t.Errorf("Expected SilenceDuration 400ms, got %v", tuning.SilenceDuration)
	}
	if tuning.PlayingInterruptMultiplier != 10 {
		t.Errorf("Expected PlayingInterruptMultiplier 10, got %v", tuning.PlayingInterruptMultiplier)
	}
	if len(tuning.RetryDelays) != 2 || tuning.RetryDelays[1] != 200*time.Millisecond {
		t.Errorf("Expected retry delays [100ms 200ms], got %v", tuning.RetryDelays)
	}
	// Untouched keys keep their defaults
	if tuning.MinSpeechDuration != 300*time.Millisecond {
		t.Errorf("Expected MinSpeechDuration default 300ms, got %v", tuning.MinSpeechDuration)
	}
}

func TestLoadTuning_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	content := []byte("playing_interrupt_multiplier: 1\nidle_interrupt_multiplier: 3\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write tuning file: %v", err)
	}

	if _, err := LoadTuning(path); err == nil {
		t.Error("Expected error when playing multiplier is below idle multiplier")
	}
}
