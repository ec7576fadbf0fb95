package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatecast/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// Postgres implementation for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func liveSession(hostID string, started time.Time) models.Session {
	return models.Session{
		HostID:          hostID,
		IngestID:        "IN_" + hostID,
		IngestServerURL: "rtmp://ingest/live",
		IngestStreamKey: "sk_" + hostID,
		IsLive:          true,
		TicketPrice:     models.MustParseMoney("500"),
		StartedAt:       &started,
	}
}

// RunRepositorySessionRevisions verifies the optimistic revision contract.
func RunRepositorySessionRevisions(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	if _, err := repo.GetSession(ctx, "host-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before insert, got %v", err)
	}
	if _, err := repo.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 3); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for a missing record at revision 3, got %v", err)
	}

	created, err := repo.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if created.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", created.Revision)
	}
	if _, err := repo.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict on second insert, got %v", err)
	}

	stored, err := repo.GetSession(ctx, "host-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stored.IngestStreamKey != "sk_host-1" || !stored.IsLive || stored.TicketPrice.DecimalString() != "500" {
		t.Fatalf("unexpected stored session %+v", stored)
	}

	stored.IsLive = false
	updated, err := repo.UpsertSession(ctx, stored, stored.Revision)
	if err != nil {
		t.Fatalf("update session: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}
	if _, err := repo.UpsertSession(ctx, stored, 1); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale revision, got %v", err)
	}

	if err := repo.DeleteSession(ctx, "host-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if err := repo.DeleteSession(ctx, "host-1"); err != nil {
		t.Fatalf("delete absent session: %v", err)
	}
	if _, err := repo.GetSession(ctx, "host-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// RunRepositoryConcurrentInsert verifies that exactly one of many concurrent
// first writes wins.
func RunRepositoryConcurrentInsert(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, models.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 7 {
		t.Fatalf("expected 1 win and 7 conflicts, got %d and %d", wins.Load(), conflicts.Load())
	}
}

// RunRepositoryLiveOrdering verifies recency ordering with host id ties.
func RunRepositoryLiveOrdering(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, session := range []models.Session{
		liveSession("host-b", base),
		liveSession("host-a", base),
		liveSession("host-c", base.Add(time.Minute)),
	} {
		if _, err := repo.UpsertSession(ctx, session, 0); err != nil {
			t.Fatalf("insert %s: %v", session.HostID, err)
		}
	}
	offline := liveSession("host-d", base.Add(time.Hour))
	offline.IsLive = false
	if _, err := repo.UpsertSession(ctx, offline, 0); err != nil {
		t.Fatalf("insert offline: %v", err)
	}

	live, err := repo.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	got := make([]string, 0, len(live))
	for _, session := range live {
		got = append(got, session.HostID)
	}
	want := []string{"host-c", "host-a", "host-b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// RunRepositoryGrantLifecycle verifies set semantics and host revocation.
func RunRepositoryGrantLifecycle(t *testing.T, factory RepositoryFactory) {
	repo := runRepository(t, factory)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	created, err := repo.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1", SourceEventID: "evt_1", GrantedAt: now})
	if err != nil || !created {
		t.Fatalf("expected new grant, got created=%v err=%v", created, err)
	}
	created, err = repo.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1", SourceEventID: "evt_2", GrantedAt: now})
	if err != nil || created {
		t.Fatalf("expected duplicate grant, got created=%v err=%v", created, err)
	}
	if _, err := repo.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-2", HostID: "host-1", GrantedAt: now}); err != nil {
		t.Fatalf("add second viewer: %v", err)
	}
	if _, err := repo.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-2", GrantedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("add second host: %v", err)
	}
	if _, err := repo.AddGrant(ctx, models.PaymentGrant{ViewerID: "", HostID: "host-1"}); !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty viewer, got %v", err)
	}

	grants, err := repo.ListGrants(ctx, "viewer-1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 2 || grants[0].HostID != "host-2" || grants[1].SourceEventID != "evt_1" {
		t.Fatalf("unexpected grants %+v", grants)
	}

	removed, err := repo.RevokeGrantsForHost(ctx, "host-1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 grants revoked, got %d", removed)
	}
	for _, viewer := range []string{"viewer-1", "viewer-2"} {
		ok, err := repo.HasGrant(ctx, viewer, "host-1")
		if err != nil || ok {
			t.Fatalf("expected %s grant revoked, got ok=%v err=%v", viewer, ok, err)
		}
	}
	if ok, _ := repo.HasGrant(ctx, "viewer-1", "host-2"); !ok {
		t.Fatal("expected unrelated grant to survive revocation")
	}
	if removed, _ := repo.RevokeGrantsForHost(ctx, "host-1"); removed != 0 {
		t.Fatalf("expected second revoke to remove nothing, got %d", removed)
	}
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("SessionRevisions", func(t *testing.T) { RunRepositorySessionRevisions(t, factory) })
	t.Run("ConcurrentInsert", func(t *testing.T) { RunRepositoryConcurrentInsert(t, factory) })
	t.Run("LiveOrdering", func(t *testing.T) { RunRepositoryLiveOrdering(t, factory) })
	t.Run("GrantLifecycle", func(t *testing.T) { RunRepositoryGrantLifecycle(t, factory) })
}

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, jsonRepositoryFactory)
}
