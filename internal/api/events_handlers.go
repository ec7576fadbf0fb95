package api

import "net/http"

// EventsWebsocket upgrades to the live event feed. Anonymous callers receive
// public session events only.
func (h *Handler) EventsWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.Feed == nil {
		writeDisabled(w, "event feed")
		return
	}
	h.Feed.HandleConnection(w, r, viewerID(r))
}
