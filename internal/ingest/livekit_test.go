package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatecast/internal/models"
	"gatecast/internal/testsupport/ingeststub"
	"gatecast/internal/upstream"
)

func testPolicy(attempts int) upstream.Policy {
	return upstream.Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		AttemptTimeout:  time.Second,
	}
}

// TestLiveKitClientCreateSendsPresetsAndToken verifies that CreateIngress is
// called with the host's room, the default media presets, and an HS256 token
// carrying the admin grants.
func TestLiveKitClientCreateSendsPresetsAndToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/twirp/livekit.Ingress/CreateIngress" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		raw := r.Header.Get("Authorization")[len("Bearer "):]
		var claims accessClaims
		if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return []byte("secret"), nil
		}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
			t.Errorf("parse token: %v", err)
		}
		if claims.Issuer != "key" || claims.Video == nil || !claims.Video.IngressAdmin {
			t.Errorf("unexpected claims: %+v", claims)
		}
		var payload createIngressRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if payload.RoomName != "host-1" || payload.ParticipantIdentity != "host-1" || payload.InputType != "RTMP_INPUT" {
			t.Errorf("unexpected payload: %+v", payload)
		}
		if payload.Video == nil || payload.Video.Preset != "H264_1080P_30FPS_3_LAYERS" {
			t.Errorf("unexpected video preset: %+v", payload.Video)
		}
		if payload.Audio == nil || payload.Audio.Preset != "OPUS_MONO_64KBS" {
			t.Errorf("unexpected audio preset: %+v", payload.Audio)
		}
		_ = json.NewEncoder(w).Encode(ingressInfo{
			IngressID: "IN_1",
			StreamKey: "sk",
			URL:       "rtmp://ingest/live",
			RoomName:  payload.RoomName,
		})
	}))
	defer server.Close()

	client := newLiveKitClient(server.URL, "key", "secret", server.Client(), nil, testPolicy(1))
	endpoint, err := client.CreateIngestEndpoint(context.Background(), CreateEndpointParams{
		Namespace:           "host-1",
		Name:                "Host One",
		ParticipantIdentity: "host-1",
		ParticipantName:     "Host One",
	})
	if err != nil {
		t.Fatalf("CreateIngestEndpoint: %v", err)
	}
	if endpoint.ID != "IN_1" || endpoint.StreamKey != "sk" || endpoint.ServerURL != "rtmp://ingest/live" {
		t.Fatalf("unexpected endpoint: %+v", endpoint)
	}
}

// TestLiveKitClientRetriesUnavailable verifies that a 503 from the provider is
// retried and eventually succeeds.
func TestLiveKitClientRetriesUnavailable(t *testing.T) {
	stub := ingeststub.Start(ingeststub.Options{APIKey: "key", APISecret: "secret", FailCreates: 2})
	defer stub.Close()

	client := newLiveKitClient(stub.BaseURL(), "key", "secret", stub.Client(), nil, testPolicy(3))
	endpoint, err := client.CreateIngestEndpoint(context.Background(), CreateEndpointParams{Namespace: "host-1", ParticipantIdentity: "host-1"})
	if err != nil {
		t.Fatalf("CreateIngestEndpoint: %v", err)
	}
	if got := stub.Ingresses("host-1"); len(got) != 1 || got[0].IngressID != endpoint.ID {
		t.Fatalf("expected single created ingress, got %+v", got)
	}
}

// TestLiveKitClientDoesNotRetryOn4xx verifies that a rejected request fails
// after one attempt and wraps ErrUpstreamProvider.
func TestLiveKitClientDoesNotRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, `{"code":"unauthenticated"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newLiveKitClient(server.URL, "key", "wrong", server.Client(), nil, testPolicy(4))
	_, err := client.ListRooms(context.Background(), "host-1")
	if !errors.Is(err, models.ErrUpstreamProvider) {
		t.Fatalf("expected ErrUpstreamProvider, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

// TestLiveKitClientDeleteTreatsNotFoundAsSuccess verifies that deleting a
// resource the provider no longer knows about is not an error.
func TestLiveKitClientDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	stub := ingeststub.Start(ingeststub.Options{APIKey: "key", APISecret: "secret"})
	defer stub.Close()

	client := newLiveKitClient(stub.BaseURL(), "key", "secret", stub.Client(), nil, testPolicy(1))
	if err := client.DeleteIngestEndpoint(context.Background(), "IN_missing"); err != nil {
		t.Fatalf("DeleteIngestEndpoint: %v", err)
	}
	if err := client.DeleteRoom(context.Background(), "missing-room"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
}

// TestLiveKitClientRejectedToken verifies that the stub refuses a token signed
// with the wrong secret.
func TestLiveKitClientRejectedToken(t *testing.T) {
	stub := ingeststub.Start(ingeststub.Options{APIKey: "key", APISecret: "secret"})
	defer stub.Close()

	client := newLiveKitClient(stub.BaseURL(), "key", "not-the-secret", stub.Client(), nil, testPolicy(3))
	if _, err := client.ListIngestEndpoints(context.Background(), "host-1"); err == nil {
		t.Fatal("expected authentication failure")
	}
}

// TestLiveKitClientListFiltersByRoom verifies that endpoints from other rooms
// are never returned for a namespace.
func TestLiveKitClientListFiltersByRoom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(listIngressResponse{Items: []ingressInfo{
			{IngressID: "IN_1", RoomName: "host-1"},
			{IngressID: "IN_2", RoomName: "host-2"},
		}})
	}))
	defer server.Close()

	client := newLiveKitClient(server.URL, "key", "secret", server.Client(), nil, testPolicy(1))
	endpoints, err := client.ListIngestEndpoints(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("ListIngestEndpoints: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].ID != "IN_1" {
		t.Fatalf("expected only host-1 endpoint, got %+v", endpoints)
	}
}

func TestLiveKitClientHealthCheck(t *testing.T) {
	stub := ingeststub.Start(ingeststub.Options{})
	defer stub.Close()

	client := newLiveKitClient(stub.BaseURL(), "key", "secret", stub.Client(), nil, testPolicy(1))
	if status := client.HealthCheck(context.Background()); status.Status != "ok" {
		t.Fatalf("expected ok health, got %+v", status)
	}

	unconfigured := newLiveKitClient("", "key", "secret", nil, nil, testPolicy(1))
	if status := unconfigured.HealthCheck(context.Background()); status.Status != "unknown" {
		t.Fatalf("expected unknown health, got %+v", status)
	}
}

func TestHTTPBaseURLRewritesWebsocketSchemes(t *testing.T) {
	cases := map[string]string{
		"wss://lk.example.com/": "https://lk.example.com",
		"ws://localhost:7880":   "http://localhost:7880",
		"https://lk.example":    "https://lk.example",
	}
	for input, want := range cases {
		if got := httpBaseURL(input); got != want {
			t.Fatalf("httpBaseURL(%q) = %q, want %q", input, got, want)
		}
	}
}
