package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/voicecall/internal/backend"
	"github.com/lexiqai/voicecall/internal/call"
	"github.com/lexiqai/voicecall/internal/config"
	"github.com/lexiqai/voicecall/internal/netmon"
	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/resilience"
	"github.com/lexiqai/voicecall/internal/store"
	"github.com/lexiqai/voicecall/internal/stt"
	"github.com/lexiqai/voicecall/internal/tts"
)

// openStore connects to Postgres when STORE_DSN is set, retrying with
// backoff; otherwise, or when the database stays unreachable, records are
// only logged
func openStore(ctx context.Context, cfg *config.Config) (store.Store, observability.HealthCheckFunc, func()) {
	logger := observability.GetLogger()
	logOnly := store.NewLogStore(logger)

	if cfg.StoreDSN == "" {
		logger.Info().Msg("STORE_DSN not set, call records are logged only")
		return logOnly, nil, func() {}
	}

	var pool *pgxpool.Pool
	err := resilience.Reconnect(ctx, "store", func(ctx context.Context) error {
		p, err := store.Connect(ctx, cfg.StoreDSN)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}, &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Store unreachable, call records are logged only")
		return logOnly, nil, func() {}
	}

	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to migrate store schema")
	}

	check := func(ctx context.Context) (bool, error) {
		if err := pool.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return pg, check, pool.Close
}

// buildProviders selects the STT, backend and TTS implementations named in
// cfg. The returned checks feed /ready; the close function releases shared
// connections.
func buildProviders(cfg *config.Config, httpClient *http.Client) (call.Providers, map[string]observability.HealthCheckFunc, func(), error) {
	var providers call.Providers
	checks := make(map[string]observability.HealthCheckFunc)
	closeFn := func() {}

	switch cfg.STTProvider {
	case "deepgram":
		deepgram := stt.NewDeepgramTranscriber(cfg.DeepgramAPIKey, cfg.DeepgramModel, cfg.STTLanguage)
		providers.Transcriber = func(func() string) stt.Transcriber { return deepgram }
	case "http":
		providers.Transcriber = func(token func() string) stt.Transcriber {
			return stt.NewHTTPTranscriber(cfg.STTURL, cfg.STTLanguage, withFallback(token, cfg.STTAPIKey), httpClient)
		}
	default:
		return call.Providers{}, nil, nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}

	probeURL := cfg.ProbeURL
	switch cfg.BackendProvider {
	case "sse":
		providers.Backend = func(token func() string) backend.Backend {
			return backend.NewSSEBackend(cfg.BackendURL, cfg.BackendModel, withFallback(token, cfg.BackendAPIKey), httpClient)
		}
		if probeURL == "" {
			probeURL = cfg.BackendURL + "/health"
		}
	case "openai":
		openai := backend.NewOpenAIBackend(cfg.BackendURL, cfg.BackendAPIKey, cfg.BackendModel, cfg.SystemPrompt)
		providers.Backend = func(func() string) backend.Backend { return openai }
		if probeURL == "" {
			probeURL = cfg.BackendURL
		}
	case "grpc":
		key := cfg.BackendAPIKey
		grpcBackend, err := backend.NewGRPCBackend(cfg.BackendGRPCTarget, cfg.BackendTLSEnabled, func() string { return key })
		if err != nil {
			return call.Providers{}, nil, nil, fmt.Errorf("failed to create gRPC backend: %w", err)
		}
		providers.Backend = func(func() string) backend.Backend { return grpcBackend }
		checks["backend"] = grpcBackend.HealthCheck
		closeFn = func() {
			if err := grpcBackend.Close(); err != nil {
				logger := observability.GetLogger()
				logger.Warn().Err(err).Msg("Failed to close gRPC backend")
			}
		}
	default:
		return call.Providers{}, nil, nil, fmt.Errorf("unknown backend provider %q", cfg.BackendProvider)
	}

	switch cfg.TTSProvider {
	case "cartesia":
		cartesia := tts.NewCartesiaClient(cfg.CartesiaAPIKey, cfg.CartesiaVoiceID, cfg.CartesiaModelID, httpClient)
		providers.Synthesizer = func(func() string) tts.Synthesizer { return cartesia }
	case "http":
		synth := tts.NewHTTPSynthesizer(tts.HTTPConfig{
			URL:         cfg.TTSURL,
			APIKey:      cfg.TTSAPIKey,
			VoiceID:     cfg.TTSVoiceID,
			ModelID:     cfg.TTSModelID,
			FastModelID: cfg.TTSFastModelID,
			Speed:       cfg.TTSSpeed,
		}, httpClient)
		providers.Synthesizer = func(func() string) tts.Synthesizer { return synth }
	default:
		return call.Providers{}, nil, nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
	}

	if probeURL != "" {
		prober := netmon.NewHTTPProber(probeURL, httpClient)
		providers.Prober = prober
		checks["network"] = func(ctx context.Context) (bool, error) {
			if _, err := prober.Probe(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	return providers, checks, closeFn, nil
}

// withFallback prefers the caller's token and falls back to the service key
func withFallback(token func() string, serviceKey string) func() string {
	return func() string {
		if t := token(); t != "" {
			return t
		}
		return serviceKey
	}
}
