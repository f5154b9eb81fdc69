package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liveassist/copilot-gateway/internal/config"
	"github.com/liveassist/copilot-gateway/internal/dispatch"
	"github.com/liveassist/copilot-gateway/internal/gateway"
	"github.com/liveassist/copilot-gateway/internal/observability"
	"github.com/liveassist/copilot-gateway/internal/stt"
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
		Str("deepgram_model", cfg.DeepgramModel).
		Str("llm_model", cfg.LLMModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Copilot Gateway starting")

	mux := http.NewServeMux()

	// Capture WebSocket endpoint
	mux.HandleFunc("/ws/audio", gateway.HandleAudioWS(cfg))

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/", rootHandler(cfg))

	// Readiness endpoint - checks are created here to avoid import cycles
	deepgramCheck := func(ctx context.Context) (bool, error) {
		client := stt.NewDeepgramClient(cfg, logger)
		if client == nil {
			return false, fmt.Errorf("failed to create Deepgram client")
		}
		// No session is started here, that would cost API minutes.
		return true, nil
	}

	groqCheck := func(ctx context.Context) (bool, error) {
		if cfg.GroqAPIKey == "" {
			return false, fmt.Errorf("missing Groq API key")
		}
		client := dispatch.NewGroqClient(cfg.GroqAPIKey, cfg.GroqBaseURL)
		if client == nil {
			return false, fmt.Errorf("failed to create Groq client")
		}
		return true, nil
	}

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": deepgramCheck,
		"groq":     groqCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/audio", cfg.Port)).
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// rootHandler answers the bare status probe some load balancers send to /,
// reporting whether the provider keys are configured without exposing them.
func rootHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"running","service":"copilot-gateway","deepgram_configured":%t,"groq_configured":%t}`+"\n",
			cfg.DeepgramAPIKey != "", cfg.GroqAPIKey != "")
	}
}
