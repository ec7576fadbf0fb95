// Command migrate-json-to-postgres copies sessions and payment grants from a
// JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"gatecast/internal/secrets"
	"gatecast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	sourceKey := flag.String("source-key", "", "credential key the JSON datastore was sealed with (defaults to GATECAST_CREDENTIAL_KEY)")
	targetKey := flag.String("target-key", "", "credential key used to seal stream keys in Postgres (defaults to GATECAST_CREDENTIAL_KEY)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("GATECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, GATECAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}
	envKey := os.Getenv("GATECAST_CREDENTIAL_KEY")
	targetSealer, err := secrets.FromEncodedKey(firstNonEmpty(*targetKey, envKey))
	if err != nil {
		logger.Error("invalid target key", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(dsn, storage.WithCredentialSealer(targetSealer), storage.WithMigrations())
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close(context.Background())

	counts, err := migrate(ctx, *jsonPath, firstNonEmpty(*sourceKey, envKey), repo)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("imported JSON snapshot",
		"path", *jsonPath,
		"sessions", counts.Sessions,
		"grants", counts.Grants,
		"grants_already_present", counts.GrantsDuplicate,
	)

	if err := verifyCounts(ctx, dsn, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed")
}

// migrate reads the JSON datastore at jsonPath and imports it into dst.
func migrate(ctx context.Context, jsonPath, sourceKey string, dst storage.Repository) (storage.SnapshotCounts, error) {
	sealer, err := secrets.FromEncodedKey(sourceKey)
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("source key: %w", err)
	}
	if _, err := os.Stat(jsonPath); err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("open JSON datastore: %w", err)
	}
	source, err := storage.NewStorage(jsonPath, storage.WithCredentialSealer(sealer))
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("open JSON datastore: %w", err)
	}
	defer source.Close(ctx)

	snapshot, err := source.Snapshot(ctx)
	if err != nil {
		return storage.SnapshotCounts{}, fmt.Errorf("snapshot JSON datastore: %w", err)
	}
	return storage.ImportSnapshot(ctx, dst, snapshot)
}

// verifyCounts checks that Postgres holds at least the imported rows. Rows
// that already existed in the target make the totals larger, never smaller.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"sessions", "SELECT COUNT(*) FROM sessions", counts.Sessions},
		{"payment_grants", "SELECT COUNT(*) FROM payment_grants", counts.Grants + counts.GrantsDuplicate},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
