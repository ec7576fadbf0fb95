package storage

import (
	"context"

	"gatecast/internal/models"
)

// SessionStore keeps one session record per host.
type SessionStore interface {
	// GetSession returns models.ErrNotFound when the host has no record.
	GetSession(ctx context.Context, hostID string) (models.Session, error)
	// UpsertSession writes session when the stored revision equals
	// expectedRevision. An expectedRevision of 0 requires that no record
	// exists yet. The stored copy is returned with its new revision and
	// models.ErrConflict is returned on a mismatch.
	UpsertSession(ctx context.Context, session models.Session, expectedRevision uint64) (models.Session, error)
	// ListLiveSessions returns live sessions newest first, ties broken by
	// host id.
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, hostID string) error
}

// PaymentLedger records which viewers paid for which hosts. Grants form a
// set keyed by (viewer, host).
type PaymentLedger interface {
	// AddGrant reports whether a new grant was created. Re-adding an
	// existing pair is not an error.
	AddGrant(ctx context.Context, grant models.PaymentGrant) (bool, error)
	HasGrant(ctx context.Context, viewerID, hostID string) (bool, error)
	ListGrants(ctx context.Context, viewerID string) ([]models.PaymentGrant, error)
	// RevokeGrantsForHost removes every grant for hostID and returns how many
	// were removed.
	RevokeGrantsForHost(ctx context.Context, hostID string) (int, error)
}

// Repository bundles both stores behind a single backing datastore.
type Repository interface {
	SessionStore
	PaymentLedger
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
