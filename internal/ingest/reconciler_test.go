package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"gatecast/internal/models"
	"gatecast/internal/testsupport/ingeststub"
)

// fakeProvider records calls and lets tests inject failures per resource.
type fakeProvider struct {
	mu         sync.Mutex
	endpoints  []Endpoint
	rooms      []Room
	listErr    error
	deleteErrs map[string]error
	calls      []string
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeProvider) ListIngestEndpoints(ctx context.Context, namespace string) ([]Endpoint, error) {
	f.record("list-endpoints:" + namespace)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Endpoint(nil), f.endpoints...), nil
}

func (f *fakeProvider) DeleteIngestEndpoint(ctx context.Context, id string) error {
	f.record("delete-endpoint:" + id)
	return f.deleteErrs[id]
}

func (f *fakeProvider) ListRooms(ctx context.Context, namespace string) ([]Room, error) {
	f.record("list-rooms:" + namespace)
	return append([]Room(nil), f.rooms...), nil
}

func (f *fakeProvider) DeleteRoom(ctx context.Context, name string) error {
	f.record("delete-room:" + name)
	return f.deleteErrs[name]
}

func (f *fakeProvider) CreateIngestEndpoint(ctx context.Context, params CreateEndpointParams) (Endpoint, error) {
	return Endpoint{}, errors.New("not used")
}

func (f *fakeProvider) HealthCheck(ctx context.Context) HealthStatus {
	return HealthStatus{Component: "fake", Status: "ok"}
}

func (f *fakeProvider) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// TestResetHostIngestNoopWhenEmpty verifies that a host without resources is
// reset without error and without delete calls.
func TestResetHostIngestNoopWhenEmpty(t *testing.T) {
	provider := &fakeProvider{}
	result, err := NewReconciler(provider, nil, 2).ResetHostIngest(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("ResetHostIngest: %v", err)
	}
	if result != (ResetResult{}) {
		t.Fatalf("expected empty result, got %+v", result)
	}
	for _, call := range provider.recorded() {
		if call[:6] == "delete" {
			t.Fatalf("unexpected delete call %q", call)
		}
	}
}

// TestResetHostIngestDeletesRoomsBeforeEndpoints verifies the teardown order.
func TestResetHostIngestDeletesRoomsBeforeEndpoints(t *testing.T) {
	provider := &fakeProvider{
		endpoints: []Endpoint{{ID: "IN_1", RoomName: "host-1"}, {ID: "IN_2", RoomName: "host-1"}},
		rooms:     []Room{{Name: "host-1"}},
	}
	result, err := NewReconciler(provider, nil, 1).ResetHostIngest(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("ResetHostIngest: %v", err)
	}
	if result.RoomsDeleted != 1 || result.EndpointsDeleted != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	calls := provider.recorded()
	lastRoom, firstEndpoint := -1, len(calls)
	for i, call := range calls {
		switch {
		case call == "delete-room:host-1":
			lastRoom = i
		case len(call) > 15 && call[:15] == "delete-endpoint" && i < firstEndpoint:
			firstEndpoint = i
		}
	}
	if lastRoom == -1 || lastRoom > firstEndpoint {
		t.Fatalf("expected rooms to be deleted before endpoints, got %v", calls)
	}
}

// TestResetHostIngestContinuesPastFailures verifies that a failed deletion does
// not stop the others and that the aggregate error names every failure.
func TestResetHostIngestContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	provider := &fakeProvider{
		endpoints:  []Endpoint{{ID: "IN_1"}, {ID: "IN_2"}, {ID: "IN_3"}},
		rooms:      []Room{{Name: "host-1"}},
		deleteErrs: map[string]error{"IN_2": boom, "host-1": fmt.Errorf("room: %w", boom)},
	}
	result, err := NewReconciler(provider, nil, 3).ResetHostIngest(context.Background(), "host-1")
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !errors.Is(err, models.ErrUpstreamProvider) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped upstream and cause, got %v", err)
	}
	if result.EndpointsDeleted != 2 || result.RoomsDeleted != 0 || result.Failures != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	deleted := 0
	for _, call := range provider.recorded() {
		if len(call) > 15 && call[:15] == "delete-endpoint" {
			deleted++
		}
	}
	if deleted != 3 {
		t.Fatalf("expected every endpoint deletion to be attempted, got %d", deleted)
	}
}

// TestResetHostIngestAbortsWhenInventoryFails verifies that nothing is deleted
// when the provider cannot be listed.
func TestResetHostIngestAbortsWhenInventoryFails(t *testing.T) {
	provider := &fakeProvider{
		rooms:   []Room{{Name: "host-1"}},
		listErr: errors.New("down"),
	}
	_, err := NewReconciler(provider, nil, 2).ResetHostIngest(context.Background(), "host-1")
	if !errors.Is(err, models.ErrUpstreamProvider) {
		t.Fatalf("expected ErrUpstreamProvider, got %v", err)
	}
	for _, call := range provider.recorded() {
		if call[:6] == "delete" {
			t.Fatalf("unexpected delete call %q after failed inventory", call)
		}
	}
}

// TestResetHostIngestIdempotentAgainstStub verifies that two consecutive
// resets against the fake control plane succeed and leave nothing behind.
func TestResetHostIngestIdempotentAgainstStub(t *testing.T) {
	stub := ingeststub.Start(ingeststub.Options{APIKey: "key", APISecret: "secret", FailDeletes: 1})
	defer stub.Close()
	stub.Seed("host-1")
	stub.Seed("host-1")
	other := stub.Seed("host-2")

	client := newLiveKitClient(stub.BaseURL(), "key", "secret", stub.Client(), nil, testPolicy(3))
	reconciler := NewReconciler(client, nil, 2)

	for i := 0; i < 2; i++ {
		if _, err := reconciler.ResetHostIngest(context.Background(), "host-1"); err != nil {
			t.Fatalf("reset %d: %v", i+1, err)
		}
	}
	if got := stub.Ingresses("host-1"); len(got) != 0 {
		t.Fatalf("expected no residual ingress, got %+v", got)
	}
	if stub.HasRoom("host-1") {
		t.Fatal("expected host-1 room to be deleted")
	}
	if got := stub.Ingresses("host-2"); len(got) != 1 || got[0].IngressID != other.IngressID {
		t.Fatalf("expected other host untouched, got %+v", got)
	}
}

func TestResetHostIngestRequiresHost(t *testing.T) {
	_, err := NewReconciler(&fakeProvider{}, nil, 1).ResetHostIngest(context.Background(), "  ")
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestMemoryProviderScopesByNamespace(t *testing.T) {
	provider := NewMemoryProvider("")
	ctx := context.Background()
	first, err := provider.CreateIngestEndpoint(ctx, CreateEndpointParams{Namespace: "host-1", ParticipantIdentity: "host-1"})
	if err != nil {
		t.Fatalf("CreateIngestEndpoint: %v", err)
	}
	if _, err := provider.CreateIngestEndpoint(ctx, CreateEndpointParams{Namespace: "host-2"}); err != nil {
		t.Fatalf("CreateIngestEndpoint: %v", err)
	}
	if first.StreamKey == "" || first.ServerURL == "" {
		t.Fatalf("expected credentials, got %+v", first)
	}
	if _, err := NewReconciler(provider, nil, 2).ResetHostIngest(ctx, "host-1"); err != nil {
		t.Fatalf("ResetHostIngest: %v", err)
	}
	if provider.EndpointCount("host-1") != 0 || provider.EndpointCount("host-2") != 1 {
		t.Fatalf("unexpected endpoint counts host-1=%d host-2=%d", provider.EndpointCount("host-1"), provider.EndpointCount("host-2"))
	}
	rooms, _ := provider.ListRooms(ctx, "host-2")
	if len(rooms) != 1 {
		t.Fatalf("expected host-2 room to remain, got %+v", rooms)
	}
}
