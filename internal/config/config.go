package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice call engine
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoints. Optional.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Speech-to-text configuration
	STTProvider    string `envconfig:"STT_PROVIDER" default:"http"` // http, deepgram
	STTURL         string `envconfig:"STT_URL" default:"http://127.0.0.1:8000/stt"`
	STTAPIKey      string `envconfig:"STT_API_KEY" default:""`
	STTLanguage    string `envconfig:"STT_LANGUAGE" default:"en"`
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Conversational backend configuration
	BackendProvider   string `envconfig:"BACKEND_PROVIDER" default:"sse"` // sse, openai, grpc
	BackendURL        string `envconfig:"BACKEND_URL" default:"http://127.0.0.1:8000"`
	BackendAPIKey     string `envconfig:"BACKEND_API_KEY" default:""`
	BackendModel      string `envconfig:"BACKEND_MODEL" default:"default"`
	BackendGRPCTarget string `envconfig:"BACKEND_GRPC_TARGET" default:"localhost:50051"`
	BackendTLSEnabled bool   `envconfig:"BACKEND_TLS_ENABLED" default:"false"`
	SystemPrompt      string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful voice assistant. Answer in short spoken sentences."`

	// Speech synthesis configuration
	TTSProvider      string  `envconfig:"TTS_PROVIDER" default:"http"` // http, cartesia
	TTSURL           string  `envconfig:"TTS_URL" default:"http://127.0.0.1:8000/tts"`
	TTSAPIKey        string  `envconfig:"TTS_API_KEY" default:""`
	TTSVoiceID       string  `envconfig:"TTS_VOICE_ID" default:"default"`
	TTSModelID       string  `envconfig:"TTS_MODEL_ID" default:"high-quality"`
	TTSFastModelID   string  `envconfig:"TTS_FAST_MODEL_ID" default:"fast"`
	TTSSpeed         float64 `envconfig:"TTS_SPEED" default:"1.0"`
	CartesiaAPIKey   string  `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID  string  `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID  string  `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	SynthesisWorkers int     `envconfig:"SYNTHESIS_WORKERS" default:"3"` // Concurrent sentence syntheses per call

	// Network quality probe target (defaults to the backend health endpoint)
	ProbeURL string `envconfig:"PROBE_URL" default:""`

	// Persistence configuration (empty DSN logs instead of storing)
	StoreDSN        string `envconfig:"STORE_DSN" default:""`
	StoreTimeout    int    `envconfig:"STORE_TIMEOUT" default:"5"` // seconds per fire-and-forget write
	AllowedTiers    string `envconfig:"ALLOWED_TIERS" default:""`  // comma separated; empty allows every tier
	MaxAuthFailures int    `envconfig:"MAX_AUTH_FAILURES" default:"2"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Store connection attempts at startup
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Milliseconds between store connection attempts

	// Tuning overlay (YAML) for VAD, turn-taking and timing constants
	TuningFile string `envconfig:"TUNING_FILE" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics

	// Tuning is populated from DefaultTuning and the optional TUNING_FILE.
	Tuning Tuning `ignored:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tuning, err := LoadTuning(cfg.TuningFile)
	if err != nil {
		return nil, err
	}
	cfg.Tuning = tuning

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider selections and their required credentials
func (c *Config) Validate() error {
	switch c.STTProvider {
	case "http":
		if c.STTURL == "" {
			return fmt.Errorf("STT_URL is required for the http STT provider")
		}
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required for the deepgram STT provider")
		}
	default:
		return fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider)
	}

	switch c.BackendProvider {
	case "sse", "openai":
		if c.BackendURL == "" {
			return fmt.Errorf("BACKEND_URL is required for the %s backend", c.BackendProvider)
		}
	case "grpc":
		if c.BackendGRPCTarget == "" {
			return fmt.Errorf("BACKEND_GRPC_TARGET is required for the grpc backend")
		}
	default:
		return fmt.Errorf("unknown BACKEND_PROVIDER %q", c.BackendProvider)
	}

	switch c.TTSProvider {
	case "http":
		if c.TTSURL == "" {
			return fmt.Errorf("TTS_URL is required for the http TTS provider")
		}
	case "cartesia":
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required for the cartesia TTS provider")
		}
	default:
		return fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider)
	}

	if c.SynthesisWorkers < 1 {
		return fmt.Errorf("SYNTHESIS_WORKERS must be at least 1")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
