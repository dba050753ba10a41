package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Flush boundary modes
const (
	FlushBoundaryLine      = "line"      // flush after a fragment ending in "\n"
	FlushBoundaryParagraph = "paragraph" // flush after a fragment ending in "\n\n"
)

// Config holds all configuration for the voice gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service, used only for logging the WebSocket endpoint.
	// Optional; if unset, logs ws://localhost:PORT/ws/chat.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// OpenAI-compatible chat completions endpoint
	LLMAPIKey       string  `envconfig:"LLM_API_KEY" required:"true"`
	LLMAPIEndpoint  string  `envconfig:"LLM_API_ENDPOINT" default:"https://api.openai.com/v1"`
	LLMName         string  `envconfig:"LLM_NAME" default:"gpt-4o-mini"`
	LLMTemperature  float64 `envconfig:"LLM_TEMPERATURE" default:"0.5"`
	LLMSystemPrompt string  `envconfig:"LLM_SYSTEM_PROMPT" default:"You are a friendly voice assistant. Answer in short, natural sentences and put each sentence on its own line."`
	LLMTimeout      int     `envconfig:"LLM_TIMEOUT" default:"60"` // seconds

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	TTSSampleRate   int    `envconfig:"TTS_SAMPLE_RATE" default:"24000"` // PCM16 mono output rate in Hz

	// Response streaming configuration
	FlushBoundary  string `envconfig:"FLUSH_BOUNDARY" default:"line"`       // line or paragraph
	AudioChunkSize int    `envconfig:"AUDIO_CHUNK_SIZE" default:"1024"`     // bytes per outbound binary frame
	PingInterval   int    `envconfig:"PING_INTERVAL" default:"10"`          // seconds between keepalive pings
	MaxAudioBuffer int    `envconfig:"MAX_AUDIO_BUFFER" default:"26214400"` // max buffered recording in bytes

	// Conversation history
	RedisAddr          string `envconfig:"REDIS_ADDR" default:""` // empty keeps history in memory
	RedisPassword      string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB            int    `envconfig:"REDIS_DB" default:"0"`
	HistoryMaxMessages int    `envconfig:"HISTORY_MAX_MESSAGES" default:"20"`
	HistoryTTL         int    `envconfig:"HISTORY_TTL" default:"24"` // hours

	// Blob storage for synthesized audio assets
	S3Bucket        string `envconfig:"S3_BUCKET" default:""` // empty disables upload
	S3Region        string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint      string `envconfig:"S3_ENDPOINT" default:""`
	S3PublicBaseURL string `envconfig:"S3_PUBLIC_BASE_URL" default:""`
	S3Prefix        string `envconfig:"S3_PREFIX" default:"audio_assets"`

	// Bearer tokens accepted by the REST endpoints; empty disables auth
	ServiceAccessTokens []string `envconfig:"SERVICE_ACCESS_TOKENS" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	switch c.FlushBoundary {
	case FlushBoundaryLine, FlushBoundaryParagraph:
	default:
		return fmt.Errorf("FLUSH_BOUNDARY must be %q or %q, got %q", FlushBoundaryLine, FlushBoundaryParagraph, c.FlushBoundary)
	}
	if c.AudioChunkSize <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_SIZE must be positive, got %d", c.AudioChunkSize)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %d", c.PingInterval)
	}
	if c.TTSSampleRate <= 0 {
		return fmt.Errorf("TTS_SAMPLE_RATE must be positive, got %d", c.TTSSampleRate)
	}
	return nil
}

// FlushDelimiter returns the suffix that marks a flush boundary
func (c *Config) FlushDelimiter() string {
	if c.FlushBoundary == FlushBoundaryParagraph {
		return "\n\n"
	}
	return "\n"
}

// PingPeriod returns the keepalive interval
func (c *Config) PingPeriod() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}

// HistoryRetention returns how long a conversation history is kept in Redis
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryTTL) * time.Hour
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
