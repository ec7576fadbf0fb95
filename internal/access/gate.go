// Package access decides whether a viewer may watch a host's session.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gatecast/internal/models"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/storage"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonHost            Reason = "host"
	ReasonFree            Reason = "free"
	ReasonGranted         Reason = "granted"
	ReasonNotFound        Reason = "not_found"
	ReasonPaymentRequired Reason = "payment_required"
)

// Decision is the outcome of AuthorizeView. Denials are decisions, not
// errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
}

// Err maps a denial onto the shared sentinel errors. It returns nil when the
// decision allows viewing.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonNotFound:
		return models.ErrNotFound
	case ReasonPaymentRequired:
		return models.ErrPaymentRequired
	default:
		return models.ErrForbidden
	}
}

func allow(reason Reason) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason Reason) Decision  { return Decision{Allowed: false, Reason: reason} }

// Gate evaluates view access from the session store and payment ledger on
// every call. Nothing is cached, so a grant recorded by the webhook is
// visible to the next request.
type Gate struct {
	sessions storage.SessionStore
	ledger   storage.PaymentLedger
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewGate(sessions storage.SessionStore, ledger storage.PaymentLedger, logger *slog.Logger, recorder *metrics.Recorder) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{sessions: sessions, ledger: ledger, logger: logger, metrics: recorder}
}

// AuthorizeView applies, in order: no session denies, the host is allowed, a
// free session is allowed, a recorded grant is allowed, anything else needs
// payment. Only store failures are returned as errors.
func (g *Gate) AuthorizeView(ctx context.Context, viewerID, hostID string) (Decision, error) {
	viewerID = strings.TrimSpace(viewerID)
	hostID = strings.TrimSpace(hostID)

	decision, err := g.evaluate(ctx, viewerID, hostID)
	if err != nil {
		return Decision{}, err
	}
	g.metrics.AccessDecision(string(decision.Reason))
	if !decision.Allowed {
		g.logger.Debug("view denied", "host_id", hostID, "viewer_id", viewerID, "reason", decision.Reason)
	}
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, viewerID, hostID string) (Decision, error) {
	if hostID == "" {
		return deny(ReasonNotFound), nil
	}
	session, err := g.sessions.GetSession(ctx, hostID)
	if errors.Is(err, models.ErrNotFound) {
		return deny(ReasonNotFound), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load session: %w", err)
	}
	if viewerID != "" && viewerID == session.HostID {
		return allow(ReasonHost), nil
	}
	if session.IsFree() {
		return allow(ReasonFree), nil
	}
	if viewerID == "" {
		return deny(ReasonPaymentRequired), nil
	}
	granted, err := g.ledger.HasGrant(ctx, viewerID, hostID)
	if err != nil {
		return Decision{}, fmt.Errorf("check grant: %w", err)
	}
	if granted {
		return allow(ReasonGranted), nil
	}
	return deny(ReasonPaymentRequired), nil
}
