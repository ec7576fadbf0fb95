package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gatecast/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository. Unless
// WithMigrations is supplied the schema must already exist.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if cfg.ApplyMigrations {
		if err := ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// withConn acquires a pooled connection within the configured acquire
// timeout and runs fn with the caller's context.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	conn, err := r.pool.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

const sessionColumns = `host_id, host_name, ingest_id, ingest_server_url, ingest_stream_key,
	is_live, ticket_price_e8, title, description, thumbnail_url, revision, started_at, updated_at`

func (r *postgresRepository) GetSession(ctx context.Context, hostID string) (models.Session, error) {
	var session models.Session
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE host_id = $1`, hostID)
		scanned, err := r.scanSession(row)
		if err != nil {
			return err
		}
		session = scanned
		return nil
	})
	if isNoRows(err) {
		return models.Session{}, fmt.Errorf("session %s: %w", hostID, models.ErrNotFound)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("get session %s: %w", hostID, err)
	}
	return session, nil
}

func (r *postgresRepository) UpsertSession(ctx context.Context, session models.Session, expectedRevision uint64) (models.Session, error) {
	hostID := strings.TrimSpace(session.HostID)
	if hostID == "" {
		return models.Session{}, fmt.Errorf("%w: host id is required", models.ErrInvalidArgument)
	}
	session.HostID = hostID
	sealed, err := r.cfg.Sealer.Seal(session.IngestStreamKey)
	if err != nil {
		return models.Session{}, fmt.Errorf("seal stream key: %w", err)
	}
	if session.TicketPrice.IsNegative() {
		return models.Session{}, fmt.Errorf("%w: ticket price cannot be negative", models.ErrInvalidArgument)
	}
	price := session.TicketPrice.MinorUnits()
	now := r.cfg.Clock()

	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if expectedRevision == 0 {
			var revision int64
			err := conn.QueryRow(ctx, `
				INSERT INTO sessions (`+sessionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)
				ON CONFLICT (host_id) DO NOTHING
				RETURNING revision`,
				hostID, session.HostName, session.IngestID, session.IngestServerURL, sealed,
				session.IsLive, price, session.Title, session.Description, session.ThumbnailURL,
				session.StartedAt, now,
			).Scan(&revision)
			if isNoRows(err) {
				return fmt.Errorf("session %s already exists: %w", hostID, models.ErrConflict)
			}
			return err
		}
		tag, err := conn.Exec(ctx, `
			UPDATE sessions SET
				host_name = $3, ingest_id = $4, ingest_server_url = $5, ingest_stream_key = $6,
				is_live = $7, ticket_price_e8 = $8, title = $9, description = $10, thumbnail_url = $11,
				started_at = $12, updated_at = $13, revision = revision + 1
			WHERE host_id = $1 AND revision = $2`,
			hostID, int64(expectedRevision), session.HostName, session.IngestID, session.IngestServerURL, sealed,
			session.IsLive, price, session.Title, session.Description, session.ThumbnailURL,
			session.StartedAt, now,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("session %s not at revision %d: %w", hostID, expectedRevision, models.ErrConflict)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return models.Session{}, err
		}
		return models.Session{}, fmt.Errorf("upsert session %s: %w", hostID, err)
	}
	session.Revision = expectedRevision + 1
	session.UpdatedAt = now
	return session, nil
}

func (r *postgresRepository) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	sessions := make([]models.Session, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
			WHERE is_live
			ORDER BY started_at DESC NULLS LAST, host_id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			session, err := r.scanSession(rows)
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	return sessions, nil
}

func (r *postgresRepository) DeleteSession(ctx context.Context, hostID string) error {
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM sessions WHERE host_id = $1`, hostID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", hostID, err)
	}
	return nil
}

func (r *postgresRepository) AddGrant(ctx context.Context, grant models.PaymentGrant) (bool, error) {
	if err := validateGrant(grant); err != nil {
		return false, err
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = r.cfg.Clock()
	}
	var created bool
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			INSERT INTO payment_grants (viewer_id, host_id, source_event_id, granted_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (viewer_id, host_id) DO NOTHING`,
			grant.ViewerID, grant.HostID, grant.SourceEventID, grant.GrantedAt)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("add grant %s/%s: %w", grant.ViewerID, grant.HostID, err)
	}
	return created, nil
}

func (r *postgresRepository) HasGrant(ctx context.Context, viewerID, hostID string) (bool, error) {
	var exists bool
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_grants WHERE viewer_id = $1 AND host_id = $2)`,
			viewerID, hostID).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check grant %s/%s: %w", viewerID, hostID, err)
	}
	return exists, nil
}

func (r *postgresRepository) ListGrants(ctx context.Context, viewerID string) ([]models.PaymentGrant, error) {
	grants := make([]models.PaymentGrant, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT viewer_id, host_id, source_event_id, granted_at
			FROM payment_grants
			WHERE viewer_id = $1
			ORDER BY granted_at DESC, host_id ASC`, viewerID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var grant models.PaymentGrant
			if err := rows.Scan(&grant.ViewerID, &grant.HostID, &grant.SourceEventID, &grant.GrantedAt); err != nil {
				return err
			}
			grant.GrantedAt = grant.GrantedAt.UTC()
			grants = append(grants, grant)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", viewerID, err)
	}
	return grants, nil
}

func (r *postgresRepository) RevokeGrantsForHost(ctx context.Context, hostID string) (int, error) {
	var removed int64
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM payment_grants WHERE host_id = $1`, hostID)
		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("revoke grants for %s: %w", hostID, err)
	}
	return int(removed), nil
}

func (r *postgresRepository) scanSession(row pgx.Row) (models.Session, error) {
	var (
		session   models.Session
		priceE8   int64
		revision  int64
		startedAt *time.Time
		sealedKey string
	)
	if err := row.Scan(
		&session.HostID, &session.HostName, &session.IngestID, &session.IngestServerURL, &sealedKey,
		&session.IsLive, &priceE8, &session.Title, &session.Description, &session.ThumbnailURL,
		&revision, &startedAt, &session.UpdatedAt,
	); err != nil {
		return models.Session{}, err
	}
	key, err := r.cfg.Sealer.Open(sealedKey)
	if err != nil {
		return models.Session{}, fmt.Errorf("open stream key for %s: %w", session.HostID, err)
	}
	session.IngestStreamKey = key
	session.TicketPrice = models.NewMoneyFromMinorUnits(priceE8)
	session.Revision = uint64(revision)
	if startedAt != nil {
		utc := startedAt.UTC()
		session.StartedAt = &utc
	}
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
