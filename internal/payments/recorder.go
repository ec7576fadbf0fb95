package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatecast/internal/models"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/storage"
)

// Outcome describes how a verified webhook delivery was applied.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	Verifier *Verifier
	Ledger   storage.PaymentLedger
	Notifier GrantNotifier
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time
}

// Recorder applies gateway webhook deliveries to the payment ledger.
type Recorder struct {
	verifier *Verifier
	ledger   storage.PaymentLedger
	notifier GrantNotifier
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("payments: signature verifier is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("payments: ledger is required")
	}
	r := &Recorder{
		verifier: cfg.Verifier,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// HandlePaymentEvent verifies rawPayload against signatureHeader and records
// a grant for completed checkouts. Other event types are acknowledged with
// OutcomeIgnored. Redelivery of an already applied checkout yields
// OutcomeDuplicate and leaves the ledger unchanged.
func (r *Recorder) HandlePaymentEvent(ctx context.Context, rawPayload []byte, signatureHeader string) (Outcome, error) {
	if err := r.verifier.Verify(rawPayload, signatureHeader); err != nil {
		r.metrics.WebhookOutcome("invalid_signature")
		r.logger.Warn("payment webhook rejected", "reason", "signature", "error", err)
		return "", err
	}

	event, err := decodeEvent(rawPayload)
	if err != nil {
		r.metrics.WebhookOutcome("malformed")
		r.logger.Warn("payment webhook rejected", "reason", "decode", "error", err)
		return "", err
	}
	if event.Type != EventCheckoutCompleted {
		r.metrics.WebhookOutcome(string(OutcomeIgnored))
		r.logger.Debug("payment webhook ignored", "event_id", event.ID, "event_type", event.Type)
		return OutcomeIgnored, nil
	}

	pair, err := event.checkoutPair()
	if err != nil {
		r.metrics.WebhookOutcome("malformed")
		r.logger.Warn("payment webhook rejected", "reason", "metadata", "event_id", event.ID, "error", err)
		return "", err
	}

	grant := models.PaymentGrant{
		ViewerID:      pair.ViewerID,
		HostID:        pair.HostID,
		SourceEventID: pair.EventID,
		GrantedAt:     r.now(),
	}
	created, err := r.ledger.AddGrant(ctx, grant)
	if err != nil {
		r.metrics.WebhookOutcome("error")
		return "", fmt.Errorf("record grant: %w", err)
	}

	logger := r.logger.With("event_id", pair.EventID, "host_id", pair.HostID, "viewer_id", pair.ViewerID)
	if !created {
		r.metrics.WebhookOutcome(string(OutcomeDuplicate))
		logger.Info("payment webhook duplicate")
		return OutcomeDuplicate, nil
	}
	r.metrics.WebhookOutcome(string(OutcomeRecorded))
	logger.Info("payment grant recorded")
	if r.notifier != nil {
		r.notifier.NotifyGrant(grant)
	}
	return OutcomeRecorded, nil
}
