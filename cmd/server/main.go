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
	"github.com/redis/go-redis/v9"

	"github.com/vocalglass/voice-gateway/internal/config"
	"github.com/vocalglass/voice-gateway/internal/history"
	"github.com/vocalglass/voice-gateway/internal/llm"
	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/resilience"
	"github.com/vocalglass/voice-gateway/internal/server"
	"github.com/vocalglass/voice-gateway/internal/session"
	"github.com/vocalglass/voice-gateway/internal/storage"
	"github.com/vocalglass/voice-gateway/internal/stream"
	"github.com/vocalglass/voice-gateway/internal/stt"
	"github.com/vocalglass/voice-gateway/internal/tts"
)

// readLimitSlack keeps the WebSocket read limit above the audio buffer cap,
// so a frame that overflows the buffer is dropped instead of closing the
// connection
const readLimitSlack = 1 << 20

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
		Str("llm_endpoint", cfg.LLMAPIEndpoint).
		Str("llm_model", cfg.LLMName).
		Str("flush_boundary", cfg.FlushBoundary).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway Service starting")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStartup()

	breakerReset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	checks := make(map[string]observability.HealthCheckFunc)

	// Conversation history
	var store history.Store
	if cfg.RedisAddr != "" {
		redisStore, err := connectRedis(startupCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to Redis")
		}
		store = redisStore
		checks["redis"] = func(ctx context.Context) (bool, error) {
			if err := redisStore.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Conversation history stored in Redis")
	} else {
		store = history.NewMemoryStore(cfg.HistoryMaxMessages)
		logger.Info().Msg("Conversation history kept in memory")
	}

	// Providers
	llmClient := llm.NewClient(llm.Config{
		APIKey:                     cfg.LLMAPIKey,
		Endpoint:                   cfg.LLMAPIEndpoint,
		Model:                      cfg.LLMName,
		Temperature:                cfg.LLMTemperature,
		SystemPrompt:               cfg.LLMSystemPrompt,
		Timeout:                    time.Duration(cfg.LLMTimeout) * time.Second,
		CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout: breakerReset,
	}, store)
	checks["llm"] = func(ctx context.Context) (bool, error) {
		if err := llmClient.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	transcriber := stt.NewDeepgramTranscriber(stt.Config{
		APIKey:                     cfg.DeepgramAPIKey,
		Model:                      cfg.DeepgramModel,
		Language:                   cfg.DeepgramLanguage,
		CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout: breakerReset,
	})

	synthesizer := tts.NewCartesiaClient(tts.Config{
		APIKey:                     cfg.CartesiaAPIKey,
		VoiceID:                    cfg.CartesiaVoiceID,
		ModelID:                    cfg.CartesiaModelID,
		OutputSampleRate:           cfg.TTSSampleRate,
		CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout: breakerReset,
	})

	// Optional blob storage for /text_to_wav
	var uploader storage.Uploader
	if cfg.S3Bucket != "" {
		s3Uploader, err := storage.NewS3Uploader(startupCtx, storage.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PublicBaseURL: cfg.S3PublicBaseURL,
			Prefix:        cfg.S3Prefix,
			Retry: &resilience.RetryConfig{
				MaxAttempts:       cfg.RetryMaxAttempts,
				InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			},
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create S3 uploader")
		}
		uploader = s3Uploader
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("Synthesized audio uploads enabled")
	}

	// Sessions and turns
	manager := session.NewManager(
		session.WithPingInterval(cfg.PingPeriod()),
		session.WithMaxAudio(cfg.MaxAudioBuffer),
		session.WithOnClose(func(sessionID string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Delete(ctx, sessionID); err != nil {
				logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete conversation history")
			}
		}),
	)

	orchestrator := stream.NewOrchestrator(llmClient, synthesizer, stream.Options{
		Delimiter: cfg.FlushDelimiter(),
		ChunkSize: cfg.AudioChunkSize,
	})

	gateway := server.New(server.Config{
		Manager:        manager,
		Turns:          orchestrator,
		Transcriber:    transcriber,
		Synthesizer:    synthesizer,
		Vision:         llmClient,
		Uploader:       uploader,
		SampleRate:     synthesizer.SampleRate(),
		AccessTokens:   cfg.ServiceAccessTokens,
		MaxMessageSize: int64(cfg.MaxAudioBuffer) + readLimitSlack,
	})

	// Create HTTP server
	mux := http.NewServeMux()
	gateway.Register(mux)

	// Health check endpoints
	mux.HandleFunc("/health", observability.HealthCheckHandler(manager.Len))
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No WriteTimeout: chat connections are long-lived
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", chatEndpoint(cfg)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	// Hijacked WebSocket connections are not tracked by http.Server
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not close in time")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// connectRedis waits for Redis to answer before the service starts taking
// connections
func connectRedis(ctx context.Context, cfg *config.Config) (*history.RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := history.NewRedisStore(client,
		history.WithTTL(cfg.HistoryRetention()),
		history.WithMaxMessages(cfg.HistoryMaxMessages),
	)

	err := resilience.Reconnect(ctx, "redis", store.Ping, &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

func chatEndpoint(cfg *config.Config) string {
	if cfg.PublicURL != "" {
		base := strings.TrimRight(cfg.PublicURL, "/")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
		return base + "/ws/chat"
	}
	return fmt.Sprintf("ws://localhost:%s/ws/chat", cfg.Port)
}
