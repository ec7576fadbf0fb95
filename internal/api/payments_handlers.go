package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gatecast/internal/models"
)

const (
	maxWebhookBytes = 1 << 20
	signatureHeader = "Stripe-Signature"
)

type checkoutRequest struct {
	HostID string `json:"hostId"`
}

// CreateCheckout opens a hosted checkout for the caller to buy access to a host's
// session and returns the redirect.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	if h.Checkout == nil {
		writeDisabled(w, "checkout")
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	hostID := strings.TrimSpace(req.HostID)
	if hostID == "" {
		h.writeServiceError(w, r, fmt.Errorf("%w: hostId is required", models.ErrInvalidArgument))
		return
	}
	session, err := h.Checkout.CreateCheckout(r.Context(), identity.UserID, hostID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Grants lists the hosts the caller has paid for.
func (h *Handler) Grants(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	grants, err := h.Sessions.ListViewerGrants(r.Context(), identity.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// PaymentWebhook accepts signed gateway deliveries. The raw body is passed
// through untouched because the signature covers its exact bytes.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Payments == nil {
		writeDisabled(w, "payment webhooks")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("read payload: %w", err))
		return
	}
	outcome, err := h.Payments.HandlePaymentEvent(r.Context(), body, r.Header.Get(signatureHeader))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: string(outcome)})
}
