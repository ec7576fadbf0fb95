package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gatecast/internal/models"
	"gatecast/internal/observability/logging"
)

type sessionDetailsRequest struct {
	HostName     *string       `json:"hostName"`
	Title        *string       `json:"title"`
	Description  *string       `json:"description"`
	ThumbnailURL *string       `json:"thumbnailUrl"`
	TicketPrice  *models.Money `json:"ticketPrice"`
}

func (req sessionDetailsRequest) details() models.SessionDetails {
	return models.SessionDetails{
		HostName:     req.HostName,
		Title:        req.Title,
		Description:  req.Description,
		ThumbnailURL: req.ThumbnailURL,
		TicketPrice:  req.TicketPrice,
	}
}

type startSessionResponse struct {
	HostID      string                    `json:"hostId"`
	Credentials models.SessionCredentials `json:"credentials"`
}

// StartSession provisions fresh ingest credentials for the caller and marks
// their session live.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req sessionDetailsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	details := req.details()
	if details.HostName == nil && strings.TrimSpace(identity.DisplayName) != "" {
		name := identity.DisplayName
		details.HostName = &name
	}

	ctx := logging.ContextWithHostID(r.Context(), identity.UserID)
	credentials, err := h.Sessions.StartSession(ctx, identity.UserID, details)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{HostID: identity.UserID, Credentials: credentials})
}

// OwnSession returns the caller's session including ingest credentials.
func (h *Handler) OwnSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	session, err := h.Sessions.GetOwnSession(r.Context(), identity.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// UpdateSession changes display metadata and the ticket price without
// touching the live flag or credentials.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	var req sessionDetailsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ctx := logging.ContextWithHostID(r.Context(), identity.UserID)
	session, err := h.Sessions.UpdateSessionDetails(ctx, identity.UserID, req.details())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// StopSession ends the caller's broadcast and revokes every grant for it.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := logging.ContextWithHostID(r.Context(), identity.UserID)
	session, err := h.Sessions.StopSession(ctx, identity.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// PurgeSession removes everything held for the caller as a host.
func (h *Handler) PurgeSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	ctx := logging.ContextWithHostID(r.Context(), identity.UserID)
	if err := h.Sessions.PurgeHost(ctx, identity.UserID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ListLiveSessions(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// SessionByHost returns a host's session to a viewer the gate admits.
// Credentials are only included when the caller is the host.
func (h *Handler) SessionByHost(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	hostID := strings.TrimSpace(chi.URLParam(r, "hostId"))
	ctx := logging.ContextWithHostID(r.Context(), hostID)

	decision, err := h.Access.AuthorizeView(ctx, identity.UserID, hostID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !decision.Allowed {
		writeDenial(w, decision)
		return
	}
	session, err := h.Sessions.GetSession(ctx, hostID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if identity.UserID != session.HostID {
		session = session.Redacted()
	}
	writeJSON(w, http.StatusOK, session)
}

// SessionAccess reports the gate decision itself. Denials are a 200 with
// allowed=false.
func (h *Handler) SessionAccess(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}
	hostID := strings.TrimSpace(chi.URLParam(r, "hostId"))
	decision, err := h.Access.AuthorizeView(r.Context(), identity.UserID, hostID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}
