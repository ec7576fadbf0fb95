// Package config loads the process-level settings for the gatecast server.
//
// Values come from GATECAST_* environment variables, optionally seeded from a
// .env file. Subsystems with their own knobs (ingest, payments) parse their
// variables separately; this package covers the pieces main wires together.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"gatecast/internal/redisconn"
)

const (
	StorageJSON     = "json"
	StoragePostgres = "postgres"

	DriverMemory = "memory"
	DriverRedis  = "redis"

	minTokenSecretLen = 16
)

// LoadDotEnv reads the given files (".env" when none are named) into the
// process environment. Missing files are ignored and variables that are
// already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Config is the top-level server configuration.
type Config struct {
	Addr            string        `env:"GATECAST_ADDR"             envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"GATECAST_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	TLSCertFile     string        `env:"GATECAST_TLS_CERT"`
	TLSKeyFile      string        `env:"GATECAST_TLS_KEY"`
	AllowedOrigins  []string      `env:"GATECAST_ALLOWED_ORIGINS"  envSeparator:","`
	HealthInterval  time.Duration `env:"GATECAST_HEALTH_INTERVAL"  envDefault:"30s"`

	Log     LogConfig
	Storage StorageConfig
	Auth    AuthConfig
	Redis   RedisConfig
	// LockDriver selects the per-host lock: memory for one replica, redis
	// when several replicas share a datastore.
	LockDriver string `env:"GATECAST_LOCK_DRIVER" envDefault:"memory"`
	// BusDriver selects the event bus feeding the websocket endpoint.
	BusDriver        string        `env:"GATECAST_BUS_DRIVER"         envDefault:"memory"`
	BusBuffer        int           `env:"GATECAST_BUS_BUFFER"         envDefault:"32"`
	LockTTL          time.Duration `env:"GATECAST_LOCK_TTL"           envDefault:"30s"`
	OperationTimeout time.Duration `env:"GATECAST_OPERATION_TIMEOUT"  envDefault:"30s"`
}

type LogConfig struct {
	Level  string `env:"GATECAST_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"GATECAST_LOG_FORMAT" envDefault:"json"`
}

// StorageConfig selects and tunes the datastore.
type StorageConfig struct {
	Driver string `env:"GATECAST_STORAGE_DRIVER" envDefault:"json"`
	// DataPath is the JSON datastore file.
	DataPath string `env:"GATECAST_DATA" envDefault:"data/store.json"`
	// PostgresDSN falls back to DATABASE_URL when unset.
	PostgresDSN      string        `env:"GATECAST_POSTGRES_DSN"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	MaxConns         int32         `env:"GATECAST_POSTGRES_MAX_CONNS"`
	MinConns         int32         `env:"GATECAST_POSTGRES_MIN_CONNS"`
	MaxConnLifetime  time.Duration `env:"GATECAST_POSTGRES_MAX_CONN_LIFETIME"`
	MaxConnIdle      time.Duration `env:"GATECAST_POSTGRES_MAX_CONN_IDLE"`
	HealthCheck      time.Duration `env:"GATECAST_POSTGRES_HEALTH_INTERVAL"`
	AcquireTimeout   time.Duration `env:"GATECAST_POSTGRES_ACQUIRE_TIMEOUT"`
	ApplicationName  string        `env:"GATECAST_POSTGRES_APP_NAME" envDefault:"gatecast"`
	RunMigrations    bool          `env:"GATECAST_POSTGRES_MIGRATE"  envDefault:"true"`
	CredentialKey    string        `env:"GATECAST_CREDENTIAL_KEY"`
}

// DSN returns the Postgres connection string.
func (c StorageConfig) DSN() string {
	if dsn := strings.TrimSpace(c.PostgresDSN); dsn != "" {
		return dsn
	}
	return strings.TrimSpace(c.DatabaseURL)
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	TokenSecret string        `env:"GATECAST_AUTH_TOKEN_SECRET"`
	Issuer      string        `env:"GATECAST_AUTH_ISSUER"   envDefault:"gatecast"`
	Audience    string        `env:"GATECAST_AUTH_AUDIENCE"`
	TokenTTL    time.Duration `env:"GATECAST_AUTH_TOKEN_TTL" envDefault:"12h"`
}

// RedisConfig is shared by the redis lock and bus drivers.
type RedisConfig struct {
	Addr          string        `env:"GATECAST_REDIS_ADDR"`
	Addrs         []string      `env:"GATECAST_REDIS_ADDRS" envSeparator:","`
	Username      string        `env:"GATECAST_REDIS_USERNAME"`
	Password      string        `env:"GATECAST_REDIS_PASSWORD"`
	MasterName    string        `env:"GATECAST_REDIS_SENTINEL_MASTER"`
	PoolSize      int           `env:"GATECAST_REDIS_POOL_SIZE"`
	Timeout       time.Duration `env:"GATECAST_REDIS_TIMEOUT" envDefault:"2s"`
	Channel       string        `env:"GATECAST_REDIS_EVENTS_CHANNEL" envDefault:"gatecast:events"`
	TLSCAFile     string        `env:"GATECAST_REDIS_TLS_CA"`
	TLSCertFile   string        `env:"GATECAST_REDIS_TLS_CERT"`
	TLSKeyFile    string        `env:"GATECAST_REDIS_TLS_KEY"`
	TLSServerName string        `env:"GATECAST_REDIS_TLS_SERVER_NAME"`
	TLSSkipVerify bool          `env:"GATECAST_REDIS_TLS_SKIP_VERIFY"`
}

// Client converts the settings into a redisconn.Config.
func (c RedisConfig) Client() redisconn.Config {
	return redisconn.Config{
		Addr:         c.Addr,
		Addrs:        c.Addrs,
		Username:     c.Username,
		Password:     c.Password,
		MasterName:   c.MasterName,
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		PoolSize:     c.PoolSize,
		TLS: redisconn.TLSConfig{
			CAFile:             c.TLSCAFile,
			CertFile:           c.TLSCertFile,
			KeyFile:            c.TLSKeyFile,
			ServerName:         c.TLSServerName,
			InsecureSkipVerify: c.TLSSkipVerify,
		},
	}
}

// Load parses the environment into a Config. The result is normalised but
// not validated, so callers can apply flag overrides before Validate.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Addr = strings.TrimSpace(c.Addr)
	c.TLSCertFile = strings.TrimSpace(c.TLSCertFile)
	c.TLSKeyFile = strings.TrimSpace(c.TLSKeyFile)
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.LockDriver = strings.ToLower(strings.TrimSpace(c.LockDriver))
	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	c.Redis.Addrs = trimAll(c.Redis.Addrs)
	c.Auth.TokenSecret = strings.TrimSpace(c.Auth.TokenSecret)
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("GATECAST_TLS_CERT and GATECAST_TLS_KEY must be set together"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	switch c.Storage.Driver {
	case StorageJSON:
		if strings.TrimSpace(c.Storage.DataPath) == "" {
			errs = append(errs, errors.New("json storage requires GATECAST_DATA"))
		}
	case StoragePostgres:
		if c.Storage.DSN() == "" {
			errs = append(errs, errors.New("postgres storage requires GATECAST_POSTGRES_DSN or DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.Storage.Driver))
	}
	if len(c.Auth.TokenSecret) < minTokenSecretLen {
		errs = append(errs, fmt.Errorf("GATECAST_AUTH_TOKEN_SECRET must be at least %d characters", minTokenSecretLen))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	for name, driver := range map[string]string{"lock": c.LockDriver, "bus": c.BusDriver} {
		switch driver {
		case DriverMemory:
		case DriverRedis:
			if len(c.Redis.Client().Addresses()) == 0 {
				errs = append(errs, fmt.Errorf("redis %s driver requires GATECAST_REDIS_ADDR or GATECAST_REDIS_ADDRS", name))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported %s driver %q", name, driver))
		}
	}
	if c.LockDriver == DriverRedis && c.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation timeout must be positive"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any driver needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.LockDriver == DriverRedis || c.BusDriver == DriverRedis
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
