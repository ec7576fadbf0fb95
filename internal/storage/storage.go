package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gatecast/internal/models"
	"gatecast/internal/secrets"
)

type dataset struct {
	Sessions map[string]models.Session `json:"sessions"`
	// Grants is keyed by viewer then host.
	Grants map[string]map[string]models.PaymentGrant `json:"grants"`
}

func newDataset() dataset {
	return dataset{
		Sessions: make(map[string]models.Session),
		Grants:   make(map[string]map[string]models.PaymentGrant),
	}
}

// Storage is the JSON file datastore used for development and single-node
// deployments. Every mutation is persisted before it becomes visible.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride replaces the file write when set. Tests use it to
	// inject failures or observe persisted state.
	persistOverride func(dataset) error
	sealer          secrets.Sealer
	now             func() time.Time
}

// NewStorage opens (or creates) the datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		sealer:   secrets.NopSealer{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
	if s.data.Grants == nil {
		s.data.Grants = make(map[string]map[string]models.PaymentGrant)
	}
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) GetSession(ctx context.Context, hostID string) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	s.mu.RLock()
	stored, ok := s.data.Sessions[hostID]
	s.mu.RUnlock()
	if !ok {
		return models.Session{}, fmt.Errorf("session %s: %w", hostID, models.ErrNotFound)
	}
	return s.open(stored)
}

func (s *Storage) UpsertSession(ctx context.Context, session models.Session, expectedRevision uint64) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	hostID := strings.TrimSpace(session.HostID)
	if hostID == "" {
		return models.Session{}, fmt.Errorf("%w: host id is required", models.ErrInvalidArgument)
	}
	session.HostID = hostID

	sealed, err := s.sealer.Seal(session.IngestStreamKey)
	if err != nil {
		return models.Session{}, fmt.Errorf("seal stream key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data.Sessions[hostID]
	var current uint64
	if existed {
		current = previous.Revision
	}
	if current != expectedRevision {
		return models.Session{}, fmt.Errorf("session %s at revision %d, expected %d: %w", hostID, current, expectedRevision, models.ErrConflict)
	}

	session.Revision = expectedRevision + 1
	session.UpdatedAt = s.now()
	stored := session
	stored.IngestStreamKey = sealed
	s.data.Sessions[hostID] = stored

	if err := s.persist(); err != nil {
		if existed {
			s.data.Sessions[hostID] = previous
		} else {
			delete(s.data.Sessions, hostID)
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Storage) ListLiveSessions(ctx context.Context) ([]models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	live := make([]models.Session, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		if session.IsLive {
			live = append(live, session)
		}
	}
	s.mu.RUnlock()

	for i := range live {
		opened, err := s.open(live[i])
		if err != nil {
			return nil, err
		}
		live[i] = opened
	}
	sortByRecency(live)
	return live, nil
}

func (s *Storage) DeleteSession(ctx context.Context, hostID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.data.Sessions[hostID]
	if !ok {
		return nil
	}
	delete(s.data.Sessions, hostID)
	if err := s.persist(); err != nil {
		s.data.Sessions[hostID] = previous
		return err
	}
	return nil
}

func (s *Storage) AddGrant(ctx context.Context, grant models.PaymentGrant) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateGrant(grant); err != nil {
		return false, err
	}
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := s.data.Grants[grant.ViewerID]
	if _, exists := hosts[grant.HostID]; exists {
		return false, nil
	}
	createdViewer := hosts == nil
	if createdViewer {
		hosts = make(map[string]models.PaymentGrant)
		s.data.Grants[grant.ViewerID] = hosts
	}
	hosts[grant.HostID] = grant

	if err := s.persist(); err != nil {
		delete(hosts, grant.HostID)
		if createdViewer {
			delete(s.data.Grants, grant.ViewerID)
		}
		return false, err
	}
	return true, nil
}

func (s *Storage) HasGrant(ctx context.Context, viewerID, hostID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.Grants[viewerID][hostID]
	return ok, nil
}

func (s *Storage) ListGrants(ctx context.Context, viewerID string) ([]models.PaymentGrant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	hosts := s.data.Grants[viewerID]
	grants := make([]models.PaymentGrant, 0, len(hosts))
	for _, grant := range hosts {
		grants = append(grants, grant)
	}
	s.mu.RUnlock()
	sort.Slice(grants, func(i, j int) bool {
		if !grants[i].GrantedAt.Equal(grants[j].GrantedAt) {
			return grants[i].GrantedAt.After(grants[j].GrantedAt)
		}
		return grants[i].HostID < grants[j].HostID
	})
	return grants, nil
}

func (s *Storage) RevokeGrantsForHost(ctx context.Context, hostID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]models.PaymentGrant)
	for viewerID, hosts := range s.data.Grants {
		if grant, ok := hosts[hostID]; ok {
			removed[viewerID] = grant
			delete(hosts, hostID)
			if len(hosts) == 0 {
				delete(s.data.Grants, viewerID)
			}
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for viewerID, grant := range removed {
			if s.data.Grants[viewerID] == nil {
				s.data.Grants[viewerID] = make(map[string]models.PaymentGrant)
			}
			s.data.Grants[viewerID][hostID] = grant
		}
		return 0, err
	}
	return len(removed), nil
}

func (s *Storage) open(stored models.Session) (models.Session, error) {
	key, err := s.sealer.Open(stored.IngestStreamKey)
	if err != nil {
		return models.Session{}, fmt.Errorf("open stream key for %s: %w", stored.HostID, err)
	}
	stored.IngestStreamKey = key
	if stored.StartedAt != nil {
		started := *stored.StartedAt
		stored.StartedAt = &started
	}
	return stored, nil
}

func validateGrant(grant models.PaymentGrant) error {
	if strings.TrimSpace(grant.ViewerID) == "" || strings.TrimSpace(grant.HostID) == "" {
		return fmt.Errorf("%w: grant requires viewer and host", models.ErrInvalidArgument)
	}
	return nil
}

// sortByRecency orders sessions by startedAt descending, then host id.
func sortByRecency(sessions []models.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := startedAt(sessions[i]), startedAt(sessions[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return sessions[i].HostID < sessions[j].HostID
	})
}

func startedAt(session models.Session) time.Time {
	if session.StartedAt == nil {
		return time.Time{}
	}
	return *session.StartedAt
}
