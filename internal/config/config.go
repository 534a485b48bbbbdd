package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the agentlink daemon.
type Config struct {
	// Presence backend
	Host      string
	Port      string
	UseTLS    bool
	Extension string
	Password  string

	// Control channel timing
	HeartbeatInterval    time.Duration
	LoginPollInterval    time.Duration
	LoginTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Token lifecycle
	TokenRefreshThreshold time.Duration

	// Network quality sampling
	SampleInterval time.Duration

	// Daemon HTTP surface
	ControlPort    string
	AllowedOrigins []string

	LogLevel string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		Host:           getEnv("BACKEND_HOST", "localhost"),
		Port:           getEnv("BACKEND_PORT", "8080"),
		UseTLS:         getEnv("BACKEND_TLS", "false") == "true",
		Extension:      getEnv("AGENT_EXTENSION", ""),
		Password:       getEnv("AGENT_PASSWORD", ""),
		ControlPort:    getEnv("CONTROL_PORT", "8081"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Extension == "" || cfg.Password == "" {
		return nil, fmt.Errorf("AGENT_EXTENSION and AGENT_PASSWORD are required")
	}

	var err error
	if cfg.HeartbeatInterval, err = getEnvDuration("HEARTBEAT_INTERVAL_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.LoginPollInterval, err = getEnvDuration("LOGIN_POLL_INTERVAL_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.LoginTimeout, err = getEnvDuration("LOGIN_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}
	if cfg.ReconnectDelay, err = getEnvDuration("RECONNECT_DELAY_MS", 3000); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = getEnvDuration("SAMPLE_INTERVAL_MS", 1000); err != nil {
		return nil, err
	}

	maxAttempts, err := strconv.Atoi(getEnv("MAX_RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_RECONNECT_ATTEMPTS: %w", err)
	}
	cfg.MaxReconnectAttempts = maxAttempts

	refreshMin, err := strconv.Atoi(getEnv("TOKEN_REFRESH_THRESHOLD_MIN", "90"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_REFRESH_THRESHOLD_MIN: %w", err)
	}
	cfg.TokenRefreshThreshold = time.Duration(refreshMin) * time.Minute

	// Trim spaces from allowed origins
	for i, origin := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return cfg, nil
}

// BaseURL returns the HTTP base URL of the presence backend.
func (c *Config) BaseURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, c.Host, c.Port)
}

// SocketURL returns the control-channel websocket URL.
func (c *Config) SocketURL() string {
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s/api/sdk/ws", scheme, c.Host, c.Port)
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration parses a millisecond environment variable into a Duration.
func getEnvDuration(key string, defaultMs int) (time.Duration, error) {
	ms, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultMs)))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
