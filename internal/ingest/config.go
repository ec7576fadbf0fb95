package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverLiveKit = "livekit"
	DriverMemory  = "memory"
)

// Config stores connectivity information for the ingest provider.
type Config struct {
	Driver               string
	BaseURL              string
	APIKey               string
	APISecret            string
	MemoryServerURL      string
	HealthEndpoint       string
	HTTPClient           *http.Client
	MaxAttempts          int
	RetryInterval        time.Duration
	MaxRetryInterval     time.Duration
	RequestTimeout       time.Duration
	TokenTTL             time.Duration
	ReconcileConcurrency int
}

type configEnv struct {
	Driver               string        `env:"GATECAST_INGEST_DRIVER"`
	BaseURL              string        `env:"GATECAST_LIVEKIT_URL"`
	APIKey               string        `env:"GATECAST_LIVEKIT_API_KEY"`
	APISecret            string        `env:"GATECAST_LIVEKIT_API_SECRET"`
	MemoryServerURL      string        `env:"GATECAST_INGEST_MEMORY_SERVER_URL"   envDefault:"rtmp://localhost:1935/live"`
	HealthEndpoint       string        `env:"GATECAST_INGEST_HEALTH"              envDefault:"/"`
	MaxAttempts          int           `env:"GATECAST_INGEST_HTTP_MAX_ATTEMPTS"   envDefault:"4"`
	RetryInterval        time.Duration `env:"GATECAST_INGEST_HTTP_RETRY_INTERVAL" envDefault:"250ms"`
	MaxRetryInterval     time.Duration `env:"GATECAST_INGEST_HTTP_MAX_INTERVAL"   envDefault:"3s"`
	RequestTimeout       time.Duration `env:"GATECAST_INGEST_REQUEST_TIMEOUT"     envDefault:"10s"`
	TokenTTL             time.Duration `env:"GATECAST_LIVEKIT_TOKEN_TTL"          envDefault:"5m"`
	ReconcileConcurrency int           `env:"GATECAST_INGEST_RECONCILE_CONCURRENCY" envDefault:"4"`
}

// LoadConfigFromEnv initialises a Config from GATECAST_* environment
// variables and validates it.
func LoadConfigFromEnv() (Config, error) {
	var raw configEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse ingest env: %w", err)
	}
	cfg := Config{
		Driver:               strings.ToLower(strings.TrimSpace(raw.Driver)),
		BaseURL:              strings.TrimSpace(raw.BaseURL),
		APIKey:               strings.TrimSpace(raw.APIKey),
		APISecret:            strings.TrimSpace(raw.APISecret),
		MemoryServerURL:      strings.TrimSpace(raw.MemoryServerURL),
		HealthEndpoint:       strings.TrimSpace(raw.HealthEndpoint),
		MaxAttempts:          raw.MaxAttempts,
		RetryInterval:        raw.RetryInterval,
		MaxRetryInterval:     raw.MaxRetryInterval,
		RequestTimeout:       raw.RequestTimeout,
		TokenTTL:             raw.TokenTTL,
		ReconcileConcurrency: raw.ReconcileConcurrency,
	}
	if cfg.Driver == "" {
		if cfg.hasAnyLiveKitConfig() {
			cfg.Driver = DriverLiveKit
		} else {
			cfg.Driver = DriverMemory
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether enough configuration was provided to talk to a real
// LiveKit deployment.
func (c Config) Enabled() bool {
	return c.Driver == DriverLiveKit && len(c.missingRequiredFields()) == 0
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
	case DriverLiveKit:
		if missing := c.missingRequiredFields(); len(missing) > 0 {
			return fmt.Errorf("missing ingest configuration: %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unsupported ingest driver %q", c.Driver)
	}
	if c.MaxAttempts <= 0 {
		return errors.New("ingest max attempts must be positive")
	}
	if c.RetryInterval < 0 || c.MaxRetryInterval < 0 {
		return errors.New("ingest retry intervals cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("ingest request timeout must be positive")
	}
	if c.ReconcileConcurrency <= 0 {
		return errors.New("ingest reconcile concurrency must be positive")
	}
	return nil
}

func (c Config) hasAnyLiveKitConfig() bool {
	return c.BaseURL != "" || c.APIKey != "" || c.APISecret != ""
}

func (c Config) missingRequiredFields() []string {
	missing := make([]string, 0, 3)
	if c.BaseURL == "" {
		missing = append(missing, "GATECAST_LIVEKIT_URL")
	}
	if c.APIKey == "" {
		missing = append(missing, "GATECAST_LIVEKIT_API_KEY")
	}
	if c.APISecret == "" {
		missing = append(missing, "GATECAST_LIVEKIT_API_SECRET")
	}
	return missing
}

// NewProvider constructs the Provider selected by Driver.
func (c Config) NewProvider(logger *slog.Logger) (Provider, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if c.Driver == DriverMemory {
		logger.Warn("ingest provider not configured, using in-memory provider")
		return NewMemoryProvider(c.MemoryServerURL), nil
	}
	return NewLiveKitClient(c, logger), nil
}
