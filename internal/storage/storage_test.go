package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/puddle/v2"

	"gatecast/internal/models"
	"gatecast/internal/secrets"
)

func TestStorageReloadsPersistedState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, err := store.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
		t.Fatalf("AddGrant: %v", err)
	}

	reopened, err := NewStorage(store.filePath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	session, err := reopened.GetSession(ctx, "host-1")
	if err != nil {
		t.Fatalf("GetSession after reload: %v", err)
	}
	if session.Revision != 1 || !session.IsLive {
		t.Fatalf("unexpected reloaded session %+v", session)
	}
	if ok, _ := reopened.HasGrant(ctx, "viewer-1", "host-1"); !ok {
		t.Fatal("expected grant to survive reload")
	}
}

// TestStorageRollsBackOnPersistFailure verifies that a failed write leaves the
// previous state visible.
func TestStorageRollsBackOnPersistFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, err := store.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, err := store.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
		t.Fatalf("AddGrant: %v", err)
	}

	boom := errors.New("disk full")
	store.persistOverride = func(dataset) error { return boom }

	current, _ := store.GetSession(ctx, "host-1")
	current.IsLive = false
	if _, err := store.UpsertSession(ctx, current, current.Revision); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if _, err := store.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-2", HostID: "host-1"}); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if _, err := store.RevokeGrantsForHost(ctx, "host-1"); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if err := store.DeleteSession(ctx, "host-1"); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}

	store.persistOverride = nil
	session, err := store.GetSession(ctx, "host-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !session.IsLive || session.Revision != 1 {
		t.Fatalf("expected original session, got %+v", session)
	}
	if ok, _ := store.HasGrant(ctx, "viewer-1", "host-1"); !ok {
		t.Fatal("expected viewer-1 grant to be restored")
	}
	if ok, _ := store.HasGrant(ctx, "viewer-2", "host-1"); ok {
		t.Fatal("expected viewer-2 grant to be rolled back")
	}
}

// TestStorageSealsStreamKeysAtRest verifies that the stream key never appears
// in the datastore file when a sealer is configured.
func TestStorageSealsStreamKeysAtRest(t *testing.T) {
	sealer, err := secrets.NewAEADSealer(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("NewAEADSealer: %v", err)
	}
	store := newTestStore(t, WithCredentialSealer(sealer))
	ctx := context.Background()
	written, err := store.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0)
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if written.IngestStreamKey != "sk_host-1" {
		t.Fatalf("expected plaintext key in returned copy, got %q", written.IngestStreamKey)
	}

	raw, err := os.ReadFile(store.filePath)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	if strings.Contains(string(raw), "sk_host-1") {
		t.Fatal("stream key stored in plaintext")
	}

	session, err := store.GetSession(ctx, "host-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.IngestStreamKey != "sk_host-1" {
		t.Fatalf("expected unsealed key, got %q", session.IngestStreamKey)
	}
}

func TestStorageStampsUpdatedAt(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := newTestStore(t, WithClock(fixedClock(start)))
	ctx := context.Background()
	first, err := store.UpsertSession(ctx, liveSession("host-1", start), 0)
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	second, err := store.UpsertSession(ctx, first, first.Revision)
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if !first.UpdatedAt.Equal(start) || !second.UpdatedAt.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected timestamps %v then %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestStorageRespectsCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.GetSession(ctx, "host-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.AddGrant(ctx, models.PaymentGrant{ViewerID: "v", HostID: "h"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSnapshotImportIntoAnotherStore(t *testing.T) {
	sealer, _ := secrets.NewAEADSealer(bytes.Repeat([]byte{2}, 32))
	source := newTestStore(t, WithCredentialSealer(sealer))
	ctx := context.Background()
	if _, err := source.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if _, err := source.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
		t.Fatalf("AddGrant: %v", err)
	}

	snapshot, err := source.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snapshot.Sessions[0].IngestStreamKey != "sk_host-1" {
		t.Fatalf("expected unsealed key in snapshot, got %q", snapshot.Sessions[0].IngestStreamKey)
	}

	target := newTestStore(t)
	if _, err := target.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
		t.Fatalf("seed target grant: %v", err)
	}
	counts, err := ImportSnapshot(ctx, target, snapshot)
	if err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if counts.Sessions != 1 || counts.Grants != 0 || counts.GrantsDuplicate != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	imported, err := target.GetSession(ctx, "host-1")
	if err != nil || imported.IngestStreamKey != "sk_host-1" {
		t.Fatalf("unexpected imported session %+v err=%v", imported, err)
	}

	// Re-running the import overwrites rather than conflicting.
	if _, err := ImportSnapshot(ctx, target, snapshot); err != nil {
		t.Fatalf("second ImportSnapshot: %v", err)
	}
}

func TestIsNoRows(t *testing.T) {
	if !isNoRows(fmt.Errorf("get session: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped pgx.ErrNoRows to be classified as no rows")
	}
	if isNoRows(puddle.ErrClosedPool) {
		t.Fatal("closed pool must not be treated as a missing row")
	}
	if isNoRows(nil) {
		t.Fatal("nil is not no rows")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (x INT);\n\n  CREATE INDEX b ON a (x);\n")
	if len(got) != 2 || got[1] != "CREATE INDEX b ON a (x)" {
		t.Fatalf("unexpected statements %q", got)
	}
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("MigrationNames: %v", err)
	}
	if len(names) != 2 || names[0] != "0001_sessions.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}

func TestPersistOverrideReplacesFileWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	var persisted int
	store.persistOverride = func(data dataset) error {
		persisted = len(data.Sessions)
		return nil
	}
	if _, err := store.UpsertSession(ctx, liveSession("host-1", time.Now().UTC()), 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if persisted != 1 {
		t.Fatalf("expected override to see one session, saw %d", persisted)
	}
	if _, err := os.Stat(store.filePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no store file while overridden, got %v", err)
	}
}
