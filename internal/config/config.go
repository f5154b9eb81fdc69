package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the copilot gateway and agent
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Gateway WebSocket URL the agent connects to
	GatewayURL string `envconfig:"GATEWAY_URL" default:"ws://localhost:8080/ws/audio"`

	// Deepgram STT API configuration.
	// The API keys are enforced by Load, not by envconfig tags, because the
	// agent binary shares this struct and never talks to either service.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Groq LLM API configuration (OpenAI-compatible endpoint)
	GroqAPIKey     string  `envconfig:"GROQ_API_KEY"`
	GroqBaseURL    string  `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1"`
	LLMModel       string  `envconfig:"LLM_MODEL" default:"llama3-70b-8192"`
	LLMTemperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.7"`
	LLMMaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"150"`
	LLMTimeout     int     `envconfig:"LLM_TIMEOUT" default:"10"` // seconds

	// Resume / background text given to the LLM as context.
	// Loaded from ResumePath if set, otherwise a placeholder is used.
	ResumePath string `envconfig:"RESUME_PATH" default:""`

	// Audio capture configuration
	ChunkIntervalMs int `envconfig:"CHUNK_INTERVAL_MS" default:"250"`   // Audio chunk cadence
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"` // Capture staging ring buffer in bytes

	// Sentence boundary detection
	SilenceThresholdMs int `envconfig:"SILENCE_THRESHOLD_MS" default:"3000"` // Pause that finalizes an utterance

	// Transport resilience configuration
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`  // Attempts before the session gives up
	ReconnectBackoffMs   int `envconfig:"RECONNECT_BACKOFF_MS" default:"2000"` // Base backoff, doubled per attempt
	ConnectTimeout       int `envconfig:"CONNECT_TIMEOUT" default:"10"`        // Dial timeout in seconds
	SendQueueSize        int `envconfig:"SEND_QUEUE_SIZE" default:"64"`        // Pending frames before drops

	// Circuit breaker configuration (Deepgram send path)
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// defaultResume is used when no RESUME_PATH is configured.
const defaultResume = `Senior Software Engineer
- 5+ years of full-stack development experience
- Strong background in distributed systems and real-time pipelines
- Led small engineering teams on latency-critical projects`

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

	// Validate required fields
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.GroqAPIKey == "" {
		return nil, fmt.Errorf("GROQ_API_KEY is required")
	}

	return &cfg, nil
}

// LoadAgent reads configuration for the capture agent, which needs the
// gateway URL and capture tuning but no provider API keys.
func LoadAgent() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadResume returns the contextual preamble text for the LLM.
// If ResumePath is set the file's contents are used, otherwise a
// built-in placeholder.
func (c *Config) LoadResume() (string, error) {
	if c.ResumePath == "" {
		return defaultResume, nil
	}
	data, err := os.ReadFile(c.ResumePath)
	if err != nil {
		return "", fmt.Errorf("failed to read resume file %s: %w", c.ResumePath, err)
	}
	return string(data), nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
