package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AGENT_EXTENSION", "1001")
	t.Setenv("AGENT_PASSWORD", "pw")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Host != "localhost" || cfg.Port != "8080" {
		t.Errorf("unexpected backend defaults: %s:%s", cfg.Host, cfg.Port)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("expected 2s heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.LoginTimeout != 10*time.Second {
		t.Errorf("expected 10s login timeout, got %v", cfg.LoginTimeout)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.TokenRefreshThreshold != 90*time.Minute {
		t.Errorf("expected 90m refresh threshold, got %v", cfg.TokenRefreshThreshold)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("AGENT_EXTENSION", "")
	t.Setenv("AGENT_PASSWORD", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BACKEND_HOST", "cc.example.com")
	t.Setenv("BACKEND_PORT", "9443")
	t.Setenv("BACKEND_TLS", "true")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "9")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.HeartbeatInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms heartbeat, got %v", cfg.HeartbeatInterval)
	}
	if cfg.MaxReconnectAttempts != 9 {
		t.Errorf("expected 9 attempts, got %d", cfg.MaxReconnectAttempts)
	}
	if cfg.BaseURL() != "https://cc.example.com:9443" {
		t.Errorf("unexpected base url %s", cfg.BaseURL())
	}
	if cfg.SocketURL() != "wss://cc.example.com:9443/api/sdk/ws" {
		t.Errorf("unexpected socket url %s", cfg.SocketURL())
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("origins not trimmed: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("LOGIN_TIMEOUT_MS", "ten")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric duration")
	}
}
