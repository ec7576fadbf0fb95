package api

import (
	"errors"
	"fmt"
	"net/http"

	"gatecast/internal/auth"
	"gatecast/internal/models"
)

// AuthenticateRequest validates the bearer token on the request and returns
// the caller. A request without a token yields models.ErrUnauthenticated.
func (h *Handler) AuthenticateRequest(r *http.Request) (auth.Identity, error) {
	token := auth.ExtractToken(r)
	if token == "" {
		return auth.Identity{}, fmt.Errorf("%w: missing bearer token", models.ErrUnauthenticated)
	}
	if h.Tokens == nil {
		return auth.Identity{}, fmt.Errorf("%w: token verification unavailable", models.ErrUnauthenticated)
	}
	return h.Tokens.Verify(token)
}

func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, errors.New("authentication required"))
		return auth.Identity{}, false
	}
	return identity, true
}

// viewerID returns the caller's user id, or "" for anonymous requests.
func viewerID(r *http.Request) string {
	identity, _ := auth.IdentityFromContext(r.Context())
	return identity.UserID
}
