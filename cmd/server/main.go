// Command server starts the gatecast API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"gatecast/internal/access"
	"gatecast/internal/api"
	"gatecast/internal/auth"
	"gatecast/internal/config"
	"gatecast/internal/events"
	"gatecast/internal/feed"
	"gatecast/internal/ingest"
	"gatecast/internal/lock"
	"gatecast/internal/observability/logging"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/payments"
	"gatecast/internal/redisconn"
	"gatecast/internal/secrets"
	"gatecast/internal/server"
	"gatecast/internal/serverutil"
	"gatecast/internal/storage"
	"gatecast/internal/streams"
)

type flagOverrides struct {
	addr          string
	dataPath      string
	storageDriver string
	postgresDSN   string
	lockDriver    string
	busDriver     string
	tlsCert       string
	tlsKey        string
	logLevel      string
	logFormat     string
	origins       string
	envFile       string
}

func parseFlags(fs *flag.FlagSet, args []string) (flagOverrides, error) {
	var f flagOverrides
	fs.StringVar(&f.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&f.dataPath, "data", "", "path to JSON datastore")
	fs.StringVar(&f.storageDriver, "storage-driver", "", "datastore driver (json or postgres)")
	fs.StringVar(&f.postgresDSN, "postgres-dsn", "", "Postgres connection string")
	fs.StringVar(&f.lockDriver, "lock-driver", "", "per-host lock driver (memory or redis)")
	fs.StringVar(&f.busDriver, "bus-driver", "", "event bus driver (memory or redis)")
	fs.StringVar(&f.tlsCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&f.tlsKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "", "log format (json or text)")
	fs.StringVar(&f.origins, "allowed-origins", "", "comma separated browser origins allowed by CORS")
	fs.StringVar(&f.envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, err
	}
	return f, nil
}

// apply copies every non-empty flag over the environment value.
func (f flagOverrides) apply(cfg *config.Config) {
	cfg.Addr = firstNonEmpty(f.addr, cfg.Addr)
	cfg.Storage.DataPath = firstNonEmpty(f.dataPath, cfg.Storage.DataPath)
	cfg.Storage.Driver = strings.ToLower(firstNonEmpty(f.storageDriver, cfg.Storage.Driver))
	cfg.Storage.PostgresDSN = firstNonEmpty(f.postgresDSN, cfg.Storage.PostgresDSN)
	cfg.LockDriver = strings.ToLower(firstNonEmpty(f.lockDriver, cfg.LockDriver))
	cfg.BusDriver = strings.ToLower(firstNonEmpty(f.busDriver, cfg.BusDriver))
	cfg.TLSCertFile = firstNonEmpty(f.tlsCert, cfg.TLSCertFile)
	cfg.TLSKeyFile = firstNonEmpty(f.tlsKey, cfg.TLSKeyFile)
	cfg.Log.Level = firstNonEmpty(f.logLevel, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(f.logFormat, cfg.Log.Format)
	if origins := splitAndTrim(f.origins); len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
}

func main() {
	flags, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	flags.apply(&cfg)

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) (err error) {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	ingestCfg, err := ingest.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load ingest configuration: %w", err)
	}
	paymentsCfg, err := payments.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load payments configuration: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	var redisClient redis.UniversalClient
	serving := false
	// Until the server runs, failures release what was opened here. After
	// that the shutdown hooks own it.
	defer func() {
		if serving {
			return
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		_ = store.Close(context.Background())
	}()

	if cfg.UsesRedis() {
		redisClient, err = redisconn.NewClient(cfg.Redis.Client())
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	locker, err := newLocker(cfg, redisClient, logging.WithComponent(logger, "lock"))
	if err != nil {
		return err
	}
	bus, err := newBus(cfg, redisClient, logging.WithComponent(logger, "events"))
	if err != nil {
		return err
	}

	provider, err := ingestCfg.NewProvider(logging.WithComponent(logger, "ingest"))
	if err != nil {
		return fmt.Errorf("initialise ingest provider: %w", err)
	}
	reconciler := ingest.NewReconciler(provider, logging.WithComponent(logger, "reconciler"), ingestCfg.ReconcileConcurrency)

	manager, err := streams.NewManager(streams.Config{
		Store:            store,
		Reconciler:       reconciler,
		Provider:         provider,
		Locker:           locker,
		Events:           bus,
		Logger:           logging.WithComponent(logger, "streams"),
		Metrics:          recorder,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return err
	}
	gate := access.NewGate(store, store, logging.WithComponent(logger, "access"), recorder)

	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   cfg.Auth.TokenSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		TTL:      cfg.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(manager, gate, tokens)
	handler.Store = store
	handler.Provider = provider
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")

	notifier := payments.NewAsyncNotifier(bus, paymentsCfg.NotifyBuffer, logging.WithComponent(logger, "notifier"))
	if paymentsCfg.WebhooksEnabled() {
		verifier, err := paymentsCfg.NewVerifier()
		if err != nil {
			return err
		}
		webhooks, err := payments.NewRecorder(payments.RecorderConfig{
			Verifier: verifier,
			Ledger:   store,
			Notifier: notifier,
			Logger:   logging.WithComponent(logger, "payments"),
			Metrics:  recorder,
		})
		if err != nil {
			return err
		}
		handler.Payments = webhooks
	} else {
		logger.Warn("payment webhooks disabled: GATECAST_PAYMENTS_WEBHOOK_SECRET is not set")
	}
	if paymentsCfg.CheckoutEnabled() {
		gateway, err := paymentsCfg.NewGateway(nil, logging.WithComponent(logger, "gateway"))
		if err != nil {
			return err
		}
		checkout, err := payments.NewCheckoutService(payments.CheckoutConfig{
			Sessions:     store,
			Ledger:       store,
			Gateway:      gateway,
			Currency:     paymentsCfg.Currency,
			PublicOrigin: paymentsCfg.PublicOrigin,
			Logger:       logging.WithComponent(logger, "checkout"),
		})
		if err != nil {
			return err
		}
		handler.Checkout = checkout
	} else {
		logger.Warn("checkout disabled: GATECAST_PAYMENTS_SECRET_KEY is not set")
	}

	corsCfg := server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}
	checkOrigin, err := server.OriginChecker(corsCfg)
	if err != nil {
		return err
	}
	gatewayFeed, err := feed.NewGateway(feed.GatewayConfig{
		Bus:         bus,
		Logger:      logging.WithComponent(logger, "feed"),
		CheckOrigin: checkOrigin,
	})
	if err != nil {
		return err
	}
	handler.Feed = gatewayFeed

	srv, err := server.New(handler, server.Config{
		Addr:         cfg.Addr,
		TLS:          server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		CORS:         corsCfg,
		Logger:       logger,
		AuditLogger:  logging.WithComponent(logger, "audit"),
		Metrics:      recorder,
		WriteTimeout: server.WriteTimeoutFor(cfg.OperationTimeout),
	})
	if err != nil {
		return err
	}

	stopMonitor := startHealthMonitor(ctx, logging.WithComponent(logger, "monitor"), cfg.HealthInterval,
		probeTask(handler, logger),
		liveGaugeTask(manager, logger),
	)

	hooks := []serverutil.ShutdownHook{
		{Name: "monitor", Fn: func(context.Context) error {
			stopMonitor()
			return nil
		}},
		{Name: "event feed", Fn: gatewayFeed.Close},
		{Name: "notifier", Fn: notifier.Close},
		{Name: "datastore", Fn: store.Close},
	}
	if redisClient != nil {
		hooks = append(hooks, serverutil.ShutdownHook{Name: "redis", Fn: func(context.Context) error {
			return redisClient.Close()
		}})
	}

	logger.Info("gatecast API starting",
		"addr", cfg.Addr,
		"storage", cfg.Storage.Driver,
		"ingest", ingestCfg.Driver,
		"lock", cfg.LockDriver,
		"bus", cfg.BusDriver,
	)
	serving = true
	return srv.Run(ctx, cfg.ShutdownTimeout, hooks...)
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Repository, error) {
	sealer, err := secrets.FromEncodedKey(cfg.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("GATECAST_CREDENTIAL_KEY: %w", err)
	}
	if _, plain := sealer.(secrets.NopSealer); plain {
		logger.Warn("stream keys are stored unencrypted: GATECAST_CREDENTIAL_KEY is not set")
	}
	options := []storage.Option{storage.WithCredentialSealer(sealer)}

	switch cfg.Driver {
	case config.StorageJSON:
		store, err := storage.NewStorage(cfg.DataPath, options...)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		return store, nil
	case config.StoragePostgres:
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(cfg.MaxConns, cfg.MinConns))
		}
		if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 || cfg.HealthCheck > 0 {
			options = append(options, storage.WithPostgresPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthCheck))
		}
		if cfg.AcquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
		}
		if cfg.ApplicationName != "" {
			options = append(options, storage.WithPostgresApplicationName(cfg.ApplicationName))
		}
		if cfg.RunMigrations {
			options = append(options, storage.WithMigrations())
		}
		store, err := storage.NewPostgresRepository(cfg.DSN(), options...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close(context.Background())
			return nil, fmt.Errorf("ping postgres datastore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newLocker(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.LockDriver {
	case config.DriverRedis:
		if client == nil {
			return nil, fmt.Errorf("redis lock driver requires a redis client")
		}
		return lock.NewRedisLocker(client, lock.RedisLockerConfig{TTL: cfg.LockTTL, Logger: logger})
	case "", config.DriverMemory:
		return lock.NewKeyedMutex(), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver %q", cfg.LockDriver)
	}
}

func newBus(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) (events.Bus, error) {
	switch cfg.BusDriver {
	case config.DriverRedis:
		if client == nil {
			return nil, fmt.Errorf("redis bus driver requires a redis client")
		}
		return events.NewRedisBus(client, events.RedisBusConfig{
			Channel: cfg.Redis.Channel,
			Buffer:  cfg.BusBuffer,
			Logger:  logger,
		})
	case "", config.DriverMemory:
		return events.NewMemoryBus(cfg.BusBuffer), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.BusDriver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
