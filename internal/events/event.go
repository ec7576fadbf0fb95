// Package events fans out session and payment notifications to live
// subscribers such as the websocket feed.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the notifications published on a Bus.
type Type string

const (
	TypeSessionLive    Type = "session.live"
	TypeSessionOffline Type = "session.offline"
	TypeGrantRecorded  Type = "grant.recorded"
)

// Event is a single notification. ViewerID is set only for grant events and
// marks the event as private to that viewer.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	HostID     string    `json:"hostId"`
	ViewerID   string    `json:"viewerId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New stamps an event with a fresh id and the current time.
func New(kind Type, hostID, viewerID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       kind,
		HostID:     hostID,
		ViewerID:   viewerID,
		OccurredAt: time.Now().UTC(),
	}
}

// Private reports whether only ViewerID may receive the event.
func (e Event) Private() bool {
	return e.ViewerID != ""
}

// VisibleTo reports whether a subscriber identified as userID may see e.
// Anonymous subscribers pass an empty userID.
func (e Event) VisibleTo(userID string) bool {
	if !e.Private() {
		return true
	}
	return userID != "" && (userID == e.ViewerID || userID == e.HostID)
}
