package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"gatecast/internal/models"
	"gatecast/internal/storage"
)

const checkoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

// CheckoutConfig wires a CheckoutService.
type CheckoutConfig struct {
	Sessions storage.SessionStore
	Ledger   storage.PaymentLedger
	Gateway  CheckoutGateway
	Currency string
	// PublicOrigin is the browser-facing origin used to build the success
	// and cancel redirect URLs.
	PublicOrigin string
	Logger       *slog.Logger
}

// CheckoutService validates a viewer's purchase against the host's session and
// opens a gateway checkout for it.
type CheckoutService struct {
	sessions     storage.SessionStore
	ledger       storage.PaymentLedger
	gateway      CheckoutGateway
	currency     string
	publicOrigin string
	logger       *slog.Logger
}

func NewCheckoutService(cfg CheckoutConfig) (*CheckoutService, error) {
	if cfg.Sessions == nil || cfg.Ledger == nil {
		return nil, errors.New("payments: session store and ledger are required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("payments: checkout gateway is required")
	}
	code := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if code == "" {
		code = "INR"
	}
	if _, _, err := MinorUnits(models.Money{}, code); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutService{
		sessions:     cfg.Sessions,
		ledger:       cfg.Ledger,
		gateway:      cfg.Gateway,
		currency:     code,
		publicOrigin: strings.TrimRight(strings.TrimSpace(cfg.PublicOrigin), "/"),
		logger:       logger,
	}, nil
}

// CreateCheckout opens a checkout for viewerID to pay hostID's ticket price.
// It fails with models.ErrNotFound when the host has no session and with
// models.ErrInvalidArgument when the session is free, the viewer is the host,
// or the viewer already holds a grant.
func (s *CheckoutService) CreateCheckout(ctx context.Context, viewerID, hostID string) (CheckoutSession, error) {
	viewerID = strings.TrimSpace(viewerID)
	hostID = strings.TrimSpace(hostID)
	if viewerID == "" {
		return CheckoutSession{}, models.ErrUnauthenticated
	}
	if hostID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: host id is required", models.ErrInvalidArgument)
	}

	session, err := s.sessions.GetSession(ctx, hostID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if !session.TicketPrice.IsPositive() {
		return CheckoutSession{}, fmt.Errorf("%w: session is free to watch", models.ErrInvalidArgument)
	}
	if viewerID == hostID {
		return CheckoutSession{}, fmt.Errorf("%w: hosts cannot buy their own session", models.ErrInvalidArgument)
	}
	granted, err := s.ledger.HasGrant(ctx, viewerID, hostID)
	if err != nil {
		return CheckoutSession{}, err
	}
	if granted {
		return CheckoutSession{}, fmt.Errorf("%w: viewer already paid for this host", models.ErrInvalidArgument)
	}

	checkout, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		HostID:      hostID,
		ViewerID:    viewerID,
		ProductName: productName(session),
		Amount:      session.TicketPrice,
		Currency:    s.currency,
		SuccessURL:  s.publicOrigin + "/stream/" + url.PathEscape(hostID) + "?sessionId=" + checkoutSessionPlaceholder,
		CancelURL:   s.publicOrigin + "/concerts",
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	s.logger.Info("checkout session created", "host_id", hostID, "viewer_id", viewerID, "checkout_id", checkout.ID)
	return checkout, nil
}

func productName(session models.Session) string {
	if title := strings.TrimSpace(session.Title); title != "" {
		return title
	}
	if name := strings.TrimSpace(session.HostName); name != "" {
		return "Live session by " + name
	}
	return "Live session"
}
