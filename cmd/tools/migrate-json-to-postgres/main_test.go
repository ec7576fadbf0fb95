package main

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gatecast/internal/models"
	"gatecast/internal/secrets"
	"gatecast/internal/storage"
)

func TestMigrateCopiesSessionsAndGrants(t *testing.T) {
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("s", 32)))
	sealer, err := secrets.FromEncodedKey(key)
	if err != nil {
		t.Fatalf("FromEncodedKey: %v", err)
	}

	sourcePath := filepath.Join(t.TempDir(), "store.json")
	source, err := storage.NewStorage(sourcePath, storage.WithCredentialSealer(sealer))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := source.UpsertSession(ctx, models.Session{HostID: "host-1", IsLive: true, StartedAt: &started, IngestStreamKey: "sk_1"}, 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	for _, viewer := range []string{"viewer-1", "viewer-2"} {
		if _, err := source.AddGrant(ctx, models.PaymentGrant{ViewerID: viewer, HostID: "host-1", GrantedAt: started}); err != nil {
			t.Fatalf("AddGrant: %v", err)
		}
	}

	target, err := storage.NewStorage(filepath.Join(t.TempDir(), "target.json"))
	if err != nil {
		t.Fatalf("NewStorage target: %v", err)
	}
	if _, err := target.AddGrant(ctx, models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
		t.Fatalf("seed target grant: %v", err)
	}

	counts, err := migrate(ctx, sourcePath, key, target)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if counts.Sessions != 1 || counts.Grants != 1 || counts.GrantsDuplicate != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	session, err := target.GetSession(ctx, "host-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.IngestStreamKey != "sk_1" || !session.IsLive {
		t.Fatalf("unexpected migrated session: %+v", session)
	}
}

func TestMigrateRequiresExistingSource(t *testing.T) {
	target, err := storage.NewStorage(filepath.Join(t.TempDir(), "target.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := migrate(context.Background(), filepath.Join(t.TempDir(), "missing.json"), "", target); err == nil {
		t.Fatal("expected missing source to fail")
	}
}

func TestMigrateRejectsWrongSourceKey(t *testing.T) {
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("a", 32)))
	other := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("b", 32)))
	sealer, _ := secrets.FromEncodedKey(key)

	sourcePath := filepath.Join(t.TempDir(), "store.json")
	source, err := storage.NewStorage(sourcePath, storage.WithCredentialSealer(sealer))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if _, err := source.UpsertSession(ctx, models.Session{HostID: "host-1", IngestStreamKey: "sk_1"}, 0); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	target, err := storage.NewStorage(filepath.Join(t.TempDir(), "target.json"))
	if err != nil {
		t.Fatalf("NewStorage target: %v", err)
	}
	if _, err := migrate(ctx, sourcePath, other, target); err == nil {
		t.Fatal("expected wrong key to fail to open sealed credentials")
	}
}
