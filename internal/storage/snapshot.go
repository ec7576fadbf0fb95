package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gatecast/internal/models"
)

// Snapshot is a plaintext copy of a datastore's sessions and grants, used to
// move data between backends.
type Snapshot struct {
	Sessions []models.Session
	Grants   []models.PaymentGrant
}

// SnapshotCounts summarises what an import touched.
type SnapshotCounts struct {
	Sessions        int
	Grants          int
	GrantsDuplicate int
}

// Snapshot copies the JSON datastore with stream keys unsealed.
func (s *Storage) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	sessions := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		sessions = append(sessions, session)
	}
	grants := make([]models.PaymentGrant, 0)
	for _, hosts := range s.data.Grants {
		for _, grant := range hosts {
			grants = append(grants, grant)
		}
	}
	s.mu.RUnlock()

	for i := range sessions {
		opened, err := s.open(sessions[i])
		if err != nil {
			return nil, err
		}
		sessions[i] = opened
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].HostID < sessions[j].HostID })
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].ViewerID != grants[j].ViewerID {
			return grants[i].ViewerID < grants[j].ViewerID
		}
		return grants[i].HostID < grants[j].HostID
	})
	return &Snapshot{Sessions: sessions, Grants: grants}, nil
}

// ImportSnapshot writes snapshot into dst. Sessions overwrite whatever the
// destination holds for the same host; grants keep set semantics.
func ImportSnapshot(ctx context.Context, dst Repository, snapshot *Snapshot) (SnapshotCounts, error) {
	var counts SnapshotCounts
	if snapshot == nil {
		return counts, nil
	}
	for _, session := range snapshot.Sessions {
		var expected uint64
		existing, err := dst.GetSession(ctx, session.HostID)
		switch {
		case err == nil:
			expected = existing.Revision
		case errors.Is(err, models.ErrNotFound):
		default:
			return counts, fmt.Errorf("import session %s: %w", session.HostID, err)
		}
		if _, err := dst.UpsertSession(ctx, session, expected); err != nil {
			return counts, fmt.Errorf("import session %s: %w", session.HostID, err)
		}
		counts.Sessions++
	}
	for _, grant := range snapshot.Grants {
		created, err := dst.AddGrant(ctx, grant)
		if err != nil {
			return counts, fmt.Errorf("import grant %s/%s: %w", grant.ViewerID, grant.HostID, err)
		}
		if created {
			counts.Grants++
		} else {
			counts.GrantsDuplicate++
		}
	}
	return counts, nil
}
