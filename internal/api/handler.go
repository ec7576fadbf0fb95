package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"gatecast/internal/access"
	"gatecast/internal/auth"
	"gatecast/internal/ingest"
	"gatecast/internal/models"
	"gatecast/internal/observability/logging"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/payments"
)

// SessionService is the session lifecycle surface served by the API.
type SessionService interface {
	StartSession(ctx context.Context, hostID string, details models.SessionDetails) (models.SessionCredentials, error)
	StopSession(ctx context.Context, hostID string) (models.Session, error)
	UpdateSessionDetails(ctx context.Context, hostID string, details models.SessionDetails) (models.Session, error)
	PurgeHost(ctx context.Context, hostID string) error
	GetSession(ctx context.Context, hostID string) (models.Session, error)
	GetOwnSession(ctx context.Context, hostID string) (models.Session, error)
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
	ListViewerGrants(ctx context.Context, viewerID string) ([]models.PaymentGrant, error)
}

type AccessGate interface {
	AuthorizeView(ctx context.Context, viewerID, hostID string) (access.Decision, error)
}

type CheckoutService interface {
	CreateCheckout(ctx context.Context, viewerID, hostID string) (payments.CheckoutSession, error)
}

type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, rawPayload []byte, signatureHeader string) (payments.Outcome, error)
}

// TokenVerifier resolves a bearer token into the caller's identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// EventFeed serves the websocket event stream.
type EventFeed interface {
	HandleConnection(w http.ResponseWriter, r *http.Request, userID string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) ingest.HealthStatus
}

// Handler bundles the services behind every route. Sessions, Access, and
// Tokens are required; Checkout, Payments, and Feed answer 503 when unset.
type Handler struct {
	Sessions SessionService
	Access   AccessGate
	Checkout CheckoutService
	Payments PaymentEventHandler
	Tokens   TokenVerifier
	Feed     EventFeed
	Store    Pinger
	Provider HealthChecker
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

func NewHandler(sessions SessionService, gate AccessGate, tokens TokenVerifier) *Handler {
	return &Handler{Sessions: sessions, Access: gate, Tokens: tokens}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

// writeServiceError maps err onto a status and writes it. Internal failures
// are logged and their detail is withheld from the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("request failed", "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		err = errors.New("internal server error")
	}
	writeError(w, status, err)
}

// writeDenial reports a gate denial with its reason.
func writeDenial(w http.ResponseWriter, decision access.Decision) {
	err := decision.Err()
	writeJSON(w, statusForError(err), errorResponse{Error: err.Error(), Reason: string(decision.Reason)})
}

func writeDisabled(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, errors.New(what+" is not configured"))
}
