package glimpse

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GLIMPSE_API_KEY", "GLIMPSE_ENDPOINT", "GLIMPSE_POLL_INTERVAL",
		"GLIMPSE_REQUEST_TIMEOUT", "GLIMPSE_RESULT_CACHE_TTL",
		"GLIMPSE_RESULT_CACHE_MAX_USERS", "GLIMPSE_LOG_LEVEL",
		"GLIMPSE_ENABLE_REALTIME",
	} {
		t.Setenv(key, "")
	}
}

func TestConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GLIMPSE_API_KEY", "phx_test_key")
	t.Setenv("GLIMPSE_ENDPOINT", "https://glimpse.example.com")
	t.Setenv("GLIMPSE_POLL_INTERVAL", "1m")
	t.Setenv("GLIMPSE_RESULT_CACHE_MAX_USERS", "500")
	t.Setenv("GLIMPSE_ENABLE_REALTIME", "true")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() error = %v", err)
	}
	if cfg.APIKey != "phx_test_key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.Endpoint != "https://glimpse.example.com" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ResultCacheMaxUsers != 500 {
		t.Errorf("ResultCacheMaxUsers = %d", cfg.ResultCacheMaxUsers)
	}
	if !cfg.EnableRealtimeUpdates {
		t.Error("EnableRealtimeUpdates = false")
	}
}

func TestConfigFromEnvErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing api key",
			env:     map[string]string{},
			wantErr: "GLIMPSE_API_KEY is required",
		},
		{
			name: "bad poll interval",
			env: map[string]string{
				"GLIMPSE_API_KEY":       "k",
				"GLIMPSE_POLL_INTERVAL": "soon",
			},
			wantErr: "GLIMPSE_POLL_INTERVAL",
		},
		{
			name: "negative poll interval",
			env: map[string]string{
				"GLIMPSE_API_KEY":       "k",
				"GLIMPSE_POLL_INTERVAL": "-5s",
			},
			wantErr: "must be > 0",
		},
		{
			name: "bad max users",
			env: map[string]string{
				"GLIMPSE_API_KEY":                "k",
				"GLIMPSE_RESULT_CACHE_MAX_USERS": "zero",
			},
			wantErr: "GLIMPSE_RESULT_CACHE_MAX_USERS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := ConfigFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ConfigFromEnv() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid minimal", Config{APIKey: "k"}, false},
		{"missing api key", Config{}, true},
		{"blank api key", Config{APIKey: "   "}, true},
		{"bad endpoint scheme", Config{APIKey: "k", Endpoint: "ftp://example.com"}, true},
		{"negative ttl", Config{APIKey: "k", ResultCacheTTL: -time.Second}, true},
		{"negative poll interval", Config{APIKey: "k", PollInterval: -time.Minute}, true},
		{"negative request timeout", Config{APIKey: "k", RequestTimeout: -time.Second}, true},
		{"negative max users", Config{APIKey: "k", ResultCacheMaxUsers: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.applyDefaults()
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateRejectsZeroDurations(t *testing.T) {
	// validate runs after applyDefaults in NewClient, but callers composing a
	// Config by hand must still get "must be > 0" for explicit zeroes.
	cfg := Config{APIKey: "k", Endpoint: "https://example.com"}
	if err := cfg.validate(); err == nil || !strings.Contains(err.Error(), "must be > 0") {
		t.Fatalf("validate() error = %v, want a must be > 0 error", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{APIKey: "k"}
	cfg.applyDefaults()

	if cfg.Endpoint != defaultEndpoint {
		t.Errorf("Endpoint = %q, want %q", cfg.Endpoint, defaultEndpoint)
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ResultCacheTTL != defaultResultCacheTTL {
		t.Errorf("ResultCacheTTL = %v", cfg.ResultCacheTTL)
	}
	if cfg.ResultCacheMaxUsers != defaultResultCacheMaxUsers {
		t.Errorf("ResultCacheMaxUsers = %d", cfg.ResultCacheMaxUsers)
	}

	cfg = Config{APIKey: "k", Endpoint: "https://example.com/"}
	cfg.applyDefaults()
	if cfg.Endpoint != "https://example.com" {
		t.Errorf("trailing slash not trimmed: %q", cfg.Endpoint)
	}
}
