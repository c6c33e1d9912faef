// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Store settings. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// NATS settings. An empty URL disables event fan-out and file storage.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Provider default API keys, keyed per family. Per-request user keys
	// take priority over these.
	GoogleAPIKey     string
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	XAIAPIKey        string
	OpenRouterAPIKey string

	// Turn execution
	TurnTimeout     time.Duration
	CheckpointEvery int
	MaxTokens       int
	Temperature     float64

	// Stale turn sweeping
	StaleTurnMaxAge time.Duration
	SweepInterval   time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 300*time.Second),

		// Store
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Providers
		GoogleAPIKey:     getEnv("GOOGLE_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		XAIAPIKey:        getEnv("XAI_API_KEY", ""),
		OpenRouterAPIKey: getEnv("OPENROUTER_API_KEY", ""),

		// Turn execution
		TurnTimeout:     getDurationEnv("TURN_TIMEOUT", 120*time.Second),
		CheckpointEvery: getIntEnv("CHECKPOINT_EVERY", 16),
		MaxTokens:       getIntEnv("MAX_TOKENS", 4096),
		Temperature:     getFloatEnv("TEMPERATURE", 0.7),

		// Sweeping
		StaleTurnMaxAge: getDurationEnv("STALE_TURN_MAX_AGE", 5*time.Minute),
		SweepInterval:   getDurationEnv("SWEEP_INTERVAL", time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// ProviderKeys returns the environment default key per provider family, for
// the credential resolver.
func (c *Config) ProviderKeys() map[string]string {
	return map[string]string{
		"google":     c.GoogleAPIKey,
		"openai":     c.OpenAIAPIKey,
		"anthropic":  c.AnthropicAPIKey,
		"xai":        c.XAIAPIKey,
		"openrouter": c.OpenRouterAPIKey,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
