package models

import (
	"fmt"
	"strings"
	"time"
)

// Session is the single broadcast record kept per host. The ingest fields are
// provider credentials and must never reach a viewer; use Redacted before
// returning a session to anyone but its host.
type Session struct {
	HostID          string     `json:"hostId"`
	HostName        string     `json:"hostName,omitempty"`
	IngestID        string     `json:"ingestId,omitempty"`
	IngestServerURL string     `json:"ingestServerUrl,omitempty"`
	IngestStreamKey string     `json:"ingestStreamKey,omitempty"`
	IsLive          bool       `json:"isLive"`
	TicketPrice     Money      `json:"ticketPrice"`
	Title           string     `json:"title,omitempty"`
	Description     string     `json:"description,omitempty"`
	ThumbnailURL    string     `json:"thumbnailUrl,omitempty"`
	Revision        uint64     `json:"revision"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// SessionCredentials are the ingest details handed back to the host after a
// successful start.
type SessionCredentials struct {
	IngestID  string `json:"ingestId"`
	ServerURL string `json:"serverUrl"`
	StreamKey string `json:"streamKey"`
}

// IsFree reports whether viewers may watch without a grant.
func (s Session) IsFree() bool {
	return !s.TicketPrice.IsPositive()
}

// Credentials extracts the ingest credentials stored on the session.
func (s Session) Credentials() SessionCredentials {
	return SessionCredentials{
		IngestID:  s.IngestID,
		ServerURL: s.IngestServerURL,
		StreamKey: s.IngestStreamKey,
	}
}

// Redacted returns a copy with every ingest credential cleared.
func (s Session) Redacted() Session {
	s.IngestID = ""
	s.IngestServerURL = ""
	s.IngestStreamKey = ""
	if s.StartedAt != nil {
		started := *s.StartedAt
		s.StartedAt = &started
	}
	return s
}

// SessionDetails carries display metadata supplied by a host. Nil fields were
// not supplied and leave the stored value untouched.
type SessionDetails struct {
	HostName     *string `json:"hostName,omitempty"`
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	ThumbnailURL *string `json:"thumbnailUrl,omitempty"`
	TicketPrice  *Money  `json:"ticketPrice,omitempty"`
}

// Validate rejects negative ticket prices and oversized text fields.
func (d SessionDetails) Validate() error {
	if d.TicketPrice != nil && d.TicketPrice.IsNegative() {
		return fmt.Errorf("%w: ticket price cannot be negative", ErrInvalidArgument)
	}
	if d.Title != nil && len(*d.Title) > 200 {
		return fmt.Errorf("%w: title exceeds 200 characters", ErrInvalidArgument)
	}
	if d.Description != nil && len(*d.Description) > 5000 {
		return fmt.Errorf("%w: description exceeds 5000 characters", ErrInvalidArgument)
	}
	return nil
}

// Empty reports whether no field was supplied.
func (d SessionDetails) Empty() bool {
	return d.HostName == nil && d.Title == nil && d.Description == nil &&
		d.ThumbnailURL == nil && d.TicketPrice == nil
}

// Apply copies every supplied field onto the session.
func (d SessionDetails) Apply(session *Session) {
	if session == nil {
		return
	}
	if d.HostName != nil {
		session.HostName = strings.TrimSpace(*d.HostName)
	}
	if d.Title != nil {
		session.Title = strings.TrimSpace(*d.Title)
	}
	if d.Description != nil {
		session.Description = strings.TrimSpace(*d.Description)
	}
	if d.ThumbnailURL != nil {
		session.ThumbnailURL = strings.TrimSpace(*d.ThumbnailURL)
	}
	if d.TicketPrice != nil {
		session.TicketPrice = *d.TicketPrice
	}
}
