package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"gatecast/internal/models"
)

// MemoryProvider keeps endpoints and rooms in process. Creating an endpoint
// also opens the room it publishes into, mirroring how a provider room comes
// to exist once media arrives.
type MemoryProvider struct {
	serverURL string

	mu        sync.Mutex
	endpoints map[string]Endpoint
	rooms     map[string]Room
}

// NewMemoryProvider returns an empty provider that issues endpoints under
// serverURL.
func NewMemoryProvider(serverURL string) *MemoryProvider {
	if strings.TrimSpace(serverURL) == "" {
		serverURL = "rtmp://localhost:1935/live"
	}
	return &MemoryProvider{
		serverURL: serverURL,
		endpoints: make(map[string]Endpoint),
		rooms:     make(map[string]Room),
	}
}

func (p *MemoryProvider) ListIngestEndpoints(ctx context.Context, namespace string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0)
	for _, endpoint := range p.endpoints {
		if namespace == "" || endpoint.RoomName == namespace {
			out = append(out, endpoint)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryProvider) DeleteIngestEndpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, id)
	return nil
}

func (p *MemoryProvider) ListRooms(ctx context.Context, namespace string) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Room, 0)
	for name, room := range p.rooms {
		if namespace == "" || name == namespace {
			out = append(out, room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *MemoryProvider) DeleteRoom(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, name)
	return nil
}

func (p *MemoryProvider) CreateIngestEndpoint(ctx context.Context, params CreateEndpointParams) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	namespace := strings.TrimSpace(params.Namespace)
	if namespace == "" {
		return Endpoint{}, fmt.Errorf("%w: ingest namespace is required", models.ErrInvalidArgument)
	}
	endpoint := Endpoint{
		ID:                  "IN_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Name:                params.Name,
		RoomName:            namespace,
		ParticipantIdentity: params.ParticipantIdentity,
		ParticipantName:     params.ParticipantName,
		ServerURL:           p.serverURL,
		StreamKey:           strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[endpoint.ID] = endpoint
	if _, ok := p.rooms[namespace]; !ok {
		p.rooms[namespace] = Room{SID: "RM_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12], Name: namespace}
	}
	return endpoint, nil
}

func (p *MemoryProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Component: "ingest", Status: "ok", Detail: "in-memory provider"}
}

// EndpointCount reports how many endpoints exist in the namespace.
func (p *MemoryProvider) EndpointCount(namespace string) int {
	endpoints, _ := p.ListIngestEndpoints(context.Background(), namespace)
	return len(endpoints)
}
