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

	AnthropicAPIKey string
	AnthropicModel  string
	MaxTokens       int

	// GenerationTimeout bounds one model call; a turn that exceeds it fails
	// as retryable rather than hanging the request.
	GenerationTimeout time.Duration

	// SearchAPIURL enables the research collaborator when non-empty.
	SearchAPIURL     string
	SearchRateLimit  int
	SearchRateWindow time.Duration
	SearchCacheTTL   time.Duration

	// SubscriptionsActive grants every user the gated phases when no
	// billing integration is configured.
	SubscriptionsActive bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/angel.db"),
		AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      getEnv("ANTHROPIC_MODEL", ""),
		MaxTokens:           getEnvInt("MAX_TOKENS", 4096),
		GenerationTimeout:   getEnvDuration("GENERATION_TIMEOUT", 120*time.Second),
		SearchAPIURL:        getEnv("SEARCH_API_URL", ""),
		SearchRateLimit:     getEnvInt("SEARCH_RATE_LIMIT", 10),
		SearchRateWindow:    getEnvDuration("SEARCH_RATE_WINDOW", time.Hour),
		SearchCacheTTL:      getEnvDuration("SEARCH_CACHE_TTL", 6*time.Hour),
		SubscriptionsActive: getEnvBool("SUBSCRIPTIONS_ACTIVE", true),
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
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("MAX_TOKENS must be > 0")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}
	if c.SearchRateLimit <= 0 {
		return fmt.Errorf("SEARCH_RATE_LIMIT must be > 0")
	}
	if c.SearchRateWindow <= 0 {
		return fmt.Errorf("SEARCH_RATE_WINDOW must be > 0")
	}
	if c.SearchCacheTTL <= 0 {
		return fmt.Errorf("SEARCH_CACHE_TTL must be > 0")
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

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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
