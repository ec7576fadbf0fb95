package payments

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"gatecast/internal/models"
	"gatecast/internal/upstream"
)

// Config carries the payment gateway settings.
type Config struct {
	WebhookSecret    string        `env:"GATECAST_PAYMENTS_WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `env:"GATECAST_PAYMENTS_WEBHOOK_TOLERANCE" envDefault:"5m"`
	GatewayURL       string        `env:"GATECAST_PAYMENTS_GATEWAY_URL"       envDefault:"https://api.stripe.com"`
	SecretKey        string        `env:"GATECAST_PAYMENTS_SECRET_KEY"`
	Currency         string        `env:"GATECAST_PAYMENTS_CURRENCY"          envDefault:"INR"`
	PublicOrigin     string        `env:"GATECAST_PUBLIC_ORIGIN"              envDefault:"http://localhost:3000"`
	MaxAttempts      int           `env:"GATECAST_PAYMENTS_HTTP_MAX_ATTEMPTS" envDefault:"4"`
	RetryInterval    time.Duration `env:"GATECAST_PAYMENTS_HTTP_RETRY_INTERVAL" envDefault:"250ms"`
	MaxRetryInterval time.Duration `env:"GATECAST_PAYMENTS_HTTP_MAX_INTERVAL" envDefault:"3s"`
	RequestTimeout   time.Duration `env:"GATECAST_PAYMENTS_REQUEST_TIMEOUT"   envDefault:"10s"`
	NotifyBuffer     int           `env:"GATECAST_PAYMENTS_NOTIFY_BUFFER"     envDefault:"64"`
}

// LoadConfigFromEnv parses GATECAST_PAYMENTS_* variables.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse payments env: %w", err)
	}
	cfg.WebhookSecret = strings.TrimSpace(cfg.WebhookSecret)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WebhooksEnabled reports whether inbound deliveries can be verified.
func (c Config) WebhooksEnabled() bool {
	return c.WebhookSecret != ""
}

// CheckoutEnabled reports whether outbound checkout calls are configured.
func (c Config) CheckoutEnabled() bool {
	return c.SecretKey != "" && c.GatewayURL != ""
}

func (c Config) Validate() error {
	if c.WebhookTolerance < 0 {
		return errors.New("payments webhook tolerance cannot be negative")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("payments max attempts must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("payments request timeout must be positive")
	}
	if _, _, err := MinorUnits(models.Money{}, c.Currency); err != nil {
		return fmt.Errorf("payments currency: %w", err)
	}
	return nil
}

// Policy returns the retry policy for gateway calls.
func (c Config) Policy() upstream.Policy {
	return upstream.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.RetryInterval,
		MaxInterval:     c.MaxRetryInterval,
		AttemptTimeout:  c.RequestTimeout,
	}
}

// NewVerifier builds the webhook verifier. It fails when no secret is set.
func (c Config) NewVerifier() (*Verifier, error) {
	return NewVerifier(c.WebhookSecret, c.WebhookTolerance)
}

// NewGateway builds the checkout gateway client. A nil client uses a fresh
// http.Client.
func (c Config) NewGateway(client *http.Client, logger *slog.Logger) (*GatewayClient, error) {
	return NewGatewayClient(GatewayConfig{
		BaseURL:    c.GatewayURL,
		SecretKey:  c.SecretKey,
		HTTPClient: client,
		Policy:     c.Policy(),
		Logger:     logger,
	})
}
