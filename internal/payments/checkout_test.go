package payments

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gatecast/internal/models"
	"gatecast/internal/observability/logging"
	"gatecast/internal/storage"
)

type stubGateway struct {
	requests []CheckoutRequest
	err      error
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return CheckoutSession{}, g.err
	}
	return CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

func newCheckoutFixture(t *testing.T, price string) (*CheckoutService, *storage.Storage, *stubGateway) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	if price != "" {
		_, err := store.UpsertSession(context.Background(), models.Session{
			HostID:      "host-1",
			Title:       "Late show",
			TicketPrice: models.MustParseMoney(price),
		}, 0)
		if err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
	}
	gateway := &stubGateway{}
	service, err := NewCheckoutService(CheckoutConfig{
		Sessions:     store,
		Ledger:       store,
		Gateway:      gateway,
		PublicOrigin: "https://app.example/",
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return service, store, gateway
}

func TestCreateCheckoutBuildsRedirects(t *testing.T) {
	service, _, gateway := newCheckoutFixture(t, "500")

	session, err := service.CreateCheckout(context.Background(), "viewer-1", "host-1")
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if session.URL == "" {
		t.Fatal("expected redirect url")
	}
	req := gateway.requests[0]
	if req.Currency != "INR" || req.ProductName != "Late show" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.SuccessURL != "https://app.example/stream/host-1?sessionId={CHECKOUT_SESSION_ID}" {
		t.Fatalf("unexpected success url %q", req.SuccessURL)
	}
	if req.CancelURL != "https://app.example/concerts" {
		t.Fatalf("unexpected cancel url %q", req.CancelURL)
	}
	if req.Amount.DecimalString() != models.MustParseMoney("500").DecimalString() {
		t.Fatalf("unexpected amount %s", req.Amount)
	}
}

func TestCreateCheckoutRejections(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		service, _, _ := newCheckoutFixture(t, "")
		if _, err := service.CreateCheckout(context.Background(), "viewer-1", "host-1"); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("free session", func(t *testing.T) {
		service, _, gateway := newCheckoutFixture(t, "0")
		if _, err := service.CreateCheckout(context.Background(), "viewer-1", "host-1"); !errors.Is(err, models.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if len(gateway.requests) != 0 {
			t.Fatal("gateway should not be called for free sessions")
		}
	})
	t.Run("host buying own session", func(t *testing.T) {
		service, _, _ := newCheckoutFixture(t, "500")
		if _, err := service.CreateCheckout(context.Background(), "host-1", "host-1"); !errors.Is(err, models.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
	t.Run("already granted", func(t *testing.T) {
		service, store, _ := newCheckoutFixture(t, "500")
		if _, err := store.AddGrant(context.Background(), models.PaymentGrant{ViewerID: "viewer-1", HostID: "host-1"}); err != nil {
			t.Fatalf("AddGrant: %v", err)
		}
		_, err := service.CreateCheckout(context.Background(), "viewer-1", "host-1")
		if !errors.Is(err, models.ErrInvalidArgument) || !strings.Contains(err.Error(), "already paid") {
			t.Fatalf("expected already-paid rejection, got %v", err)
		}
	})
	t.Run("anonymous viewer", func(t *testing.T) {
		service, _, _ := newCheckoutFixture(t, "500")
		if _, err := service.CreateCheckout(context.Background(), "", "host-1"); !errors.Is(err, models.ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated, got %v", err)
		}
	})
}

func TestCreateCheckoutPropagatesGatewayFailure(t *testing.T) {
	service, _, gateway := newCheckoutFixture(t, "500")
	gateway.err = models.ErrUpstreamProvider

	if _, err := service.CreateCheckout(context.Background(), "viewer-1", "host-1"); !errors.Is(err, models.ErrUpstreamProvider) {
		t.Fatalf("expected ErrUpstreamProvider, got %v", err)
	}
}
