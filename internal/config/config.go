// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// Session lifecycle.
	SessionIdleTTL   time.Duration // terminal+idle sessions older than this are evicted
	SessionCapacity  int           // hard bound on registry size
	EvictionInterval time.Duration // background eviction sweep period

	// Checkpoint behavior.
	CheckpointTimeout time.Duration // wait before auto-approving an unanswered checkpoint

	// SSE behavior.
	SSE SSEConfig

	// Upstream model tiers.
	Models ModelConfig

	// Retry policy for upstream calls.
	Retry RetryConfig
}

// SSEConfig controls the event-stream connection behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// ModelConfig names the model tiers used by the invoker.
type ModelConfig struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string

	PlannerPrimary  string
	PlannerFallback string
	WriterPrimary   string
	WriterFallback  string

	// StreamFallback is the lightweight model used when stream
	// construction against the primary keeps failing.
	StreamFallback string
}

// RetryConfig controls backoff behavior for upstream calls.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/researchd.db"),

		SessionIdleTTL:   getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionCapacity:  getEnvInt("SESSION_CAPACITY", 100),
		EvictionInterval: getEnvDuration("EVICTION_INTERVAL", 5*time.Minute),

		CheckpointTimeout: getEnvDuration("CHECKPOINT_TIMEOUT", 5*time.Minute),

		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},

		Models: ModelConfig{
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			PlannerPrimary:  getEnv("PLANNER_MODEL", "claude-sonnet-4-20250514"),
			PlannerFallback: getEnv("PLANNER_FALLBACK_MODEL", "claude-3-5-haiku-latest"),
			WriterPrimary:   getEnv("WRITER_MODEL", "claude-sonnet-4-20250514"),
			WriterFallback:  getEnv("WRITER_FALLBACK_MODEL", "claude-3-5-haiku-latest"),
			StreamFallback:  getEnv("STREAM_FALLBACK_MODEL", "gpt-4o-mini"),
		},

		Retry: RetryConfig{
			MaxRetries:   getEnvInt("RETRY_MAX", 2),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionCapacity <= 0 {
		return fmt.Errorf("SESSION_CAPACITY must be > 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.CheckpointTimeout <= 0 {
		return fmt.Errorf("CHECKPOINT_TIMEOUT must be > 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
