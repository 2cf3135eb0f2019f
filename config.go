package glimpse

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimpse-analytics/glimpse-go/cache"
)

const (
	defaultEndpoint            = "https://api.glimpse.dev"
	defaultPollInterval        = 30 * time.Second
	defaultRequestTimeout      = 10 * time.Second
	defaultResultCacheTTL      = 5 * time.Minute
	defaultResultCacheMaxUsers = 10000
)

// Config holds the runtime configuration for a [Client]. APIKey is required;
// everything else has a sensible default.
type Config struct {
	// APIKey authenticates all requests. Required.
	APIKey string

	// Endpoint is the platform base URL, e.g. "https://api.glimpse.dev".
	Endpoint string

	// PollInterval is how often flag definitions are refreshed in the
	// background (default 30s).
	PollInterval time.Duration

	// RequestTimeout bounds each HTTP request (default 10s).
	RequestTimeout time.Duration

	// ResultCacheTTL is how long an evaluated result stays fresh
	// (default 5m). ResultCacheMaxUsers bounds the number of distinct IDs
	// tracked by the default in-process cache (default 10000).
	ResultCacheTTL      time.Duration
	ResultCacheMaxUsers int

	// StaleWindow is how long a result may serve as a degraded fallback
	// after the primary path fails (default cache.DefaultStaleWindow).
	StaleWindow time.Duration

	// EnableRealtimeUpdates opens a server-sent-events stream and applies
	// flag patches between polls. OnFlagUpdate, when set, is invoked for
	// each applied patch.
	EnableRealtimeUpdates bool
	OnFlagUpdate          func(key string, flag *FlagDefinition)

	// Logger overrides the default stderr JSON logger built from LogLevel.
	Logger   *slog.Logger
	LogLevel string

	// HTTPClient overrides the instrumented default client.
	HTTPClient *http.Client

	// ResultCache overrides the in-process result cache, e.g. with
	// cache.RedisFlagCache.
	ResultCache cache.ResultCache

	// DefinitionCacheProvider coordinates definition refresh across
	// processes. Optional; all its errors are fail-open.
	DefinitionCacheProvider FlagDefinitionCacheProvider
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ResultCacheTTL == 0 {
		c.ResultCacheTTL = defaultResultCacheTTL
	}
	if c.ResultCacheMaxUsers == 0 {
		c.ResultCacheMaxUsers = defaultResultCacheMaxUsers
	}
	if c.StaleWindow == 0 {
		c.StaleWindow = cache.DefaultStaleWindow
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("glimpse: APIKey is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("glimpse: parse Endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("glimpse: Endpoint must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.PollInterval <= 0 {
		return errors.New("glimpse: PollInterval must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("glimpse: RequestTimeout must be > 0")
	}
	if c.ResultCacheTTL <= 0 {
		return errors.New("glimpse: ResultCacheTTL must be > 0")
	}
	if c.ResultCacheMaxUsers <= 0 {
		return errors.New("glimpse: ResultCacheMaxUsers must be > 0")
	}
	return nil
}

// ConfigFromEnv builds a Config from environment variables, applying defaults
// where appropriate. It returns an error if GLIMPSE_API_KEY is missing or if
// optional values fail validation.
//
// Recognised variables: GLIMPSE_API_KEY (required), GLIMPSE_ENDPOINT,
// GLIMPSE_POLL_INTERVAL, GLIMPSE_REQUEST_TIMEOUT, GLIMPSE_RESULT_CACHE_TTL,
// GLIMPSE_RESULT_CACHE_MAX_USERS, GLIMPSE_LOG_LEVEL,
// GLIMPSE_ENABLE_REALTIME.
func ConfigFromEnv() (Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("GLIMPSE_API_KEY"))
	if apiKey == "" {
		return Config{}, errors.New("GLIMPSE_API_KEY is required")
	}

	cfg := Config{
		APIKey:   apiKey,
		Endpoint: strings.TrimSpace(os.Getenv("GLIMPSE_ENDPOINT")),
		LogLevel: strings.TrimSpace(os.Getenv("GLIMPSE_LOG_LEVEL")),
	}

	if value := strings.TrimSpace(os.Getenv("GLIMPSE_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLIMPSE_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("GLIMPSE_POLL_INTERVAL must be > 0")
		}
		cfg.PollInterval = parsed
	}

	if value := strings.TrimSpace(os.Getenv("GLIMPSE_REQUEST_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLIMPSE_REQUEST_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("GLIMPSE_REQUEST_TIMEOUT must be > 0")
		}
		cfg.RequestTimeout = parsed
	}

	if value := strings.TrimSpace(os.Getenv("GLIMPSE_RESULT_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLIMPSE_RESULT_CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("GLIMPSE_RESULT_CACHE_TTL must be > 0")
		}
		cfg.ResultCacheTTL = parsed
	}

	if value := strings.TrimSpace(os.Getenv("GLIMPSE_RESULT_CACHE_MAX_USERS")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("GLIMPSE_RESULT_CACHE_MAX_USERS must be a positive integer")
		}
		cfg.ResultCacheMaxUsers = parsed
	}

	if value := strings.TrimSpace(os.Getenv("GLIMPSE_ENABLE_REALTIME")); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse GLIMPSE_ENABLE_REALTIME: %w", err)
		}
		cfg.EnableRealtimeUpdates = parsed
	}

	return cfg, nil
}
