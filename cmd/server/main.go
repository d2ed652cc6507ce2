package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voicecall/internal/call"
	"github.com/lexiqai/voicecall/internal/config"
	"github.com/lexiqai/voicecall/internal/gateway"
	"github.com/lexiqai/voicecall/internal/observability"
	"github.com/lexiqai/voicecall/internal/resilience"
	"github.com/lexiqai/voicecall/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("backend_provider", cfg.BackendProvider).
		Str("tts_provider", cfg.TTSProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice call service starting")

	shutdownTracing, err := observability.InitTracing(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	persistent, storeCheck, closeStore := openStore(startupCtx, cfg)
	cancelStartup()
	recorder := store.NewAsync(persistent, time.Duration(cfg.StoreTimeout)*time.Second)

	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	backendBreaker := resilience.NewCircuitBreaker("backend", cfg.CircuitBreakerMaxFailures, resetTimeout)
	synthesisBreaker := resilience.NewCircuitBreaker("tts", cfg.CircuitBreakerMaxFailures, resetTimeout)
	for _, breaker := range []*resilience.CircuitBreaker{backendBreaker, synthesisBreaker} {
		breaker.OnStateChange(func(name string, state resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(state))
		})
	}

	providers, checks, closeProviders, err := buildProviders(cfg, &http.Client{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create providers")
	}
	providers.BackendBreaker = backendBreaker
	providers.SynthesisBreaker = synthesisBreaker
	providers.Recorder = recorder
	if storeCheck != nil {
		checks["store"] = storeCheck
	}

	engine := call.NewEngine(call.Config{
		Tuning:           cfg.Tuning,
		SynthesisWorkers: cfg.SynthesisWorkers,
		AllowedTiers:     call.ParseTiers(cfg.AllowedTiers),
		MaxAuthFailures:  cfg.MaxAuthFailures,
	}, providers)

	// Create HTTP server
	mux := http.NewServeMux()
	gateway.NewHandler(engine).Register(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Calls hold their websocket for minutes; only header reads are bounded
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		base := cfg.PublicURL
		if base == "" {
			base = fmt.Sprintf("http://localhost:%s", cfg.Port)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("browser_endpoint", wsURL(base)+"/calls/browser").
			Str("twilio_endpoint", wsURL(base)+"/streams/twilio").
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	recorder.Wait()
	closeProviders()
	closeStore()
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to flush traces")
	}

	logger.Info().Msg("Server exited gracefully")
}

func wsURL(base string) string {
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(base, "http://"); ok {
		return "ws://" + rest
	}
	return base
}
