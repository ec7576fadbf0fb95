// Package streams owns the per-host session lifecycle: starting a broadcast
// against a freshly reconciled ingest namespace, stopping it, and serving the
// session views hosts and viewers read.
package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"gatecast/internal/events"
	"gatecast/internal/ingest"
	"gatecast/internal/lock"
	"gatecast/internal/models"
	"gatecast/internal/observability/logging"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/storage"
)

const defaultOperationTimeout = 2 * time.Minute

// IngestResetter clears every provider resource a host owns.
type IngestResetter interface {
	ResetHostIngest(ctx context.Context, hostID string) (ingest.ResetResult, error)
}

// Store is the persistence the manager needs.
type Store interface {
	storage.SessionStore
	storage.PaymentLedger
}

// Config wires a Manager. Store, Reconciler, Provider, and Locker are
// required.
type Config struct {
	Store      Store
	Reconciler IngestResetter
	Provider   ingest.Provider
	Locker     lock.Locker
	Events     events.Publisher
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Media      ingest.MediaOptions
	// OperationTimeout bounds a locked start or stop once it has begun. The
	// work is detached from the caller's context so it always runs to an
	// outcome the store reflects.
	OperationTimeout time.Duration
	Now              func() time.Time
}

// Manager serialises lifecycle operations per host and keeps the session
// record consistent with the ingest provider.
type Manager struct {
	store      Store
	reconciler IngestResetter
	provider   ingest.Provider
	locker     lock.Locker
	events     events.Publisher
	logger     *slog.Logger
	metrics    *metrics.Recorder
	media      ingest.MediaOptions
	timeout    time.Duration
	now        func() time.Time

	live singleflight.Group
}

func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("streams: store is required")
	case cfg.Reconciler == nil:
		return nil, errors.New("streams: ingest reconciler is required")
	case cfg.Provider == nil:
		return nil, errors.New("streams: ingest provider is required")
	case cfg.Locker == nil:
		return nil, errors.New("streams: locker is required")
	}
	m := &Manager{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		provider:   cfg.Provider,
		locker:     cfg.Locker,
		events:     cfg.Events,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		media:      cfg.Media,
		timeout:    cfg.OperationTimeout,
		now:        cfg.Now,
	}
	if m.events == nil {
		m.events = events.NopPublisher{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.media.InputType == "" {
		m.media = ingest.DefaultMediaOptions()
	}
	if m.timeout <= 0 {
		m.timeout = defaultOperationTimeout
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m, nil
}

// StartSession resets the host's ingest namespace, provisions a new endpoint,
// and marks the session live with the new credentials. Supplied details are
// applied in the same write.
//
// If ctx ends while the locked sequence runs, StartSession returns ctx.Err()
// but the sequence still completes.
func (m *Manager) StartSession(ctx context.Context, hostID string, details models.SessionDetails) (models.SessionCredentials, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return models.SessionCredentials{}, models.ErrUnauthenticated
	}
	if err := details.Validate(); err != nil {
		return models.SessionCredentials{}, err
	}

	var credentials models.SessionCredentials
	err := m.withHostLock(ctx, hostID, func(ctx context.Context) error {
		var err error
		credentials, err = m.start(ctx, hostID, details)
		return err
	})
	if err != nil {
		return models.SessionCredentials{}, err
	}
	return credentials, nil
}

func (m *Manager) start(ctx context.Context, hostID string, details models.SessionDetails) (models.SessionCredentials, error) {
	logger := logging.WithContext(logging.ContextWithHostID(ctx, hostID), m.logger)

	current, err := m.store.GetSession(ctx, hostID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		current = models.Session{HostID: hostID}
	case err != nil:
		m.metrics.SessionStarted("store_failed")
		return models.SessionCredentials{}, fmt.Errorf("load session: %w", err)
	}

	reset, err := m.reconciler.ResetHostIngest(ctx, hostID)
	m.metrics.ObserveReset(reset.RoomsDeleted, reset.EndpointsDeleted, reset.Failures)
	if err != nil {
		m.metrics.SessionStarted("reset_failed")
		logger.Warn("ingest reset failed, session not started", "error", err)
		return models.SessionCredentials{}, err
	}

	next := current
	details.Apply(&next)
	participantName := next.HostName
	if participantName == "" {
		participantName = hostID
	}
	endpoint, err := m.provider.CreateIngestEndpoint(ctx, ingest.CreateEndpointParams{
		Namespace:           hostID,
		Name:                hostID,
		ParticipantIdentity: hostID,
		ParticipantName:     participantName,
		Media:               m.media,
	})
	if err != nil {
		m.metrics.SessionStarted("provision_failed")
		logger.Warn("ingest provisioning failed", "error", err)
		return models.SessionCredentials{}, err
	}
	if err := m.pruneEndpoints(ctx, hostID, endpoint.ID); err != nil {
		m.metrics.SessionStarted("provision_failed")
		logger.Warn("ingest provisioning left extra endpoints", "ingest_id", endpoint.ID, "error", err)
		if cleanupErr := m.provider.DeleteIngestEndpoint(ctx, endpoint.ID); cleanupErr != nil {
			logger.Warn("orphaned ingest endpoint after failed prune", "ingest_id", endpoint.ID, "error", cleanupErr)
		}
		return models.SessionCredentials{}, err
	}

	startedAt := m.now()
	next.HostID = hostID
	next.IngestID = endpoint.ID
	next.IngestServerURL = endpoint.ServerURL
	next.IngestStreamKey = endpoint.StreamKey
	next.IsLive = true
	next.StartedAt = &startedAt

	stored, err := m.store.UpsertSession(ctx, next, current.Revision)
	if err != nil {
		result := "store_failed"
		if errors.Is(err, models.ErrConflict) {
			result = "conflict"
		}
		m.metrics.SessionStarted(result)
		if cleanupErr := m.provider.DeleteIngestEndpoint(ctx, endpoint.ID); cleanupErr != nil {
			logger.Warn("orphaned ingest endpoint after failed write", "ingest_id", endpoint.ID, "error", cleanupErr)
		}
		return models.SessionCredentials{}, fmt.Errorf("save session: %w", err)
	}

	m.metrics.SessionStarted("ok")
	logger.Info("session started", "ingest_id", stored.IngestID, "revision", stored.Revision,
		"rooms_deleted", reset.RoomsDeleted, "endpoints_deleted", reset.EndpointsDeleted)
	m.publish(ctx, events.New(events.TypeSessionLive, hostID, ""))
	return stored.Credentials(), nil
}

// pruneEndpoints deletes every endpoint in the host's namespace except keep.
// A create retried after a slow response can leave an earlier endpoint
// behind at the provider.
func (m *Manager) pruneEndpoints(ctx context.Context, hostID, keep string) error {
	endpoints, err := m.provider.ListIngestEndpoints(ctx, hostID)
	if err != nil {
		return fmt.Errorf("list endpoints after create: %w", err)
	}
	var errs []error
	for _, endpoint := range endpoints {
		if endpoint.ID == keep {
			continue
		}
		if err := m.provider.DeleteIngestEndpoint(ctx, endpoint.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("deleted duplicate ingest endpoint", "host_id", hostID, "ingest_id", endpoint.ID)
	}
	return errors.Join(errs...)
}

// StopSession marks the session not live, then revokes every grant for the
// host. The record and its ingest credentials are kept. A stop that fails
// after the write can be retried and converges.
func (m *Manager) StopSession(ctx context.Context, hostID string) (models.Session, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return models.Session{}, models.ErrUnauthenticated
	}
	var stopped models.Session
	err := m.withHostLock(ctx, hostID, func(ctx context.Context) error {
		current, err := m.store.GetSession(ctx, hostID)
		if err != nil {
			return err
		}
		next := current
		next.IsLive = false
		stopped, err = m.store.UpsertSession(ctx, next, current.Revision)
		if err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if current.IsLive {
			m.publish(ctx, events.New(events.TypeSessionOffline, hostID, ""))
		}
		revoked, err := m.store.RevokeGrantsForHost(ctx, hostID)
		if err != nil {
			return fmt.Errorf("revoke grants: %w", err)
		}
		m.logger.Info("session stopped", "host_id", hostID, "grants_revoked", revoked, "revision", stopped.Revision)
		return nil
	})
	if err != nil {
		m.metrics.SessionStopped(resultLabel(err))
		return models.Session{}, err
	}
	m.metrics.SessionStopped("ok")
	return stopped, nil
}

// UpdateSessionDetails applies display metadata and the ticket price without
// touching credentials or the live flag. A record that does not exist yet is
// created not live.
func (m *Manager) UpdateSessionDetails(ctx context.Context, hostID string, details models.SessionDetails) (models.Session, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return models.Session{}, models.ErrUnauthenticated
	}
	if err := details.Validate(); err != nil {
		return models.Session{}, err
	}
	var updated models.Session
	err := m.withHostLock(ctx, hostID, func(ctx context.Context) error {
		current, err := m.store.GetSession(ctx, hostID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			current = models.Session{HostID: hostID}
		case err != nil:
			return err
		}
		next := current
		details.Apply(&next)
		updated, err = m.store.UpsertSession(ctx, next, current.Revision)
		return err
	})
	if err != nil {
		return models.Session{}, err
	}
	return updated, nil
}

// PurgeHost removes everything the platform holds for a host: provider
// resources, grants, and the session record.
func (m *Manager) PurgeHost(ctx context.Context, hostID string) error {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return models.ErrUnauthenticated
	}
	return m.withHostLock(ctx, hostID, func(ctx context.Context) error {
		current, getErr := m.store.GetSession(ctx, hostID)
		if getErr != nil && !errors.Is(getErr, models.ErrNotFound) {
			return getErr
		}
		reset, err := m.reconciler.ResetHostIngest(ctx, hostID)
		m.metrics.ObserveReset(reset.RoomsDeleted, reset.EndpointsDeleted, reset.Failures)
		if err != nil {
			return err
		}
		if _, err := m.store.RevokeGrantsForHost(ctx, hostID); err != nil {
			return fmt.Errorf("revoke grants: %w", err)
		}
		if err := m.store.DeleteSession(ctx, hostID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		m.logger.Info("host purged", "host_id", hostID)
		if getErr == nil && current.IsLive {
			m.publish(ctx, events.New(events.TypeSessionOffline, hostID, ""))
		}
		return nil
	})
}

// GetSession returns the stored session including credentials. Callers
// serving anyone but the host must use Redacted.
func (m *Manager) GetSession(ctx context.Context, hostID string) (models.Session, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return models.Session{}, fmt.Errorf("session: %w", models.ErrNotFound)
	}
	return m.store.GetSession(ctx, hostID)
}

// GetOwnSession returns the caller's own session with credentials.
func (m *Manager) GetOwnSession(ctx context.Context, hostID string) (models.Session, error) {
	if strings.TrimSpace(hostID) == "" {
		return models.Session{}, models.ErrUnauthenticated
	}
	return m.GetSession(ctx, hostID)
}

// ListLiveSessions returns redacted live sessions, newest first. Concurrent
// callers share one store read, which outlives any single caller going away.
func (m *Manager) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	flight := m.live.DoChan("live", func() (any, error) {
		read, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.store.ListLiveSessions(read)
	})
	var result singleflight.Result
	select {
	case result = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.Err != nil {
		return nil, result.Err
	}
	sessions := result.Val.([]models.Session)
	m.metrics.SetLiveSessions(len(sessions))
	redacted := make([]models.Session, len(sessions))
	for i, session := range sessions {
		redacted[i] = session.Redacted()
	}
	return redacted, nil
}

// ListViewerGrants returns the hosts viewerID has paid for.
func (m *Manager) ListViewerGrants(ctx context.Context, viewerID string) ([]models.PaymentGrant, error) {
	viewerID = strings.TrimSpace(viewerID)
	if viewerID == "" {
		return nil, models.ErrUnauthenticated
	}
	return m.store.ListGrants(ctx, viewerID)
}

// withHostLock runs fn under the host lock on a context detached from the
// caller, returning ctx.Err() early if the caller goes away.
func (m *Manager) withHostLock(ctx context.Context, hostID string, fn func(context.Context) error) error {
	release, err := m.locker.Acquire(ctx, hostID)
	if err != nil {
		return fmt.Errorf("lock host %s: %w", hostID, err)
	}
	done := make(chan error, 1)
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	go func() {
		defer cancel()
		defer release()
		done <- fn(work)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if err := m.events.Publish(ctx, event); err != nil {
		m.logger.Warn("event publish failed", "type", event.Type, "host_id", event.HostID, "error", err)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
