package models

import "time"

// PaymentGrant authorises ViewerID to watch HostID's paid sessions. At most
// one grant exists per (viewer, host) pair.
type PaymentGrant struct {
	ViewerID      string    `json:"viewerId"`
	HostID        string    `json:"hostId"`
	SourceEventID string    `json:"sourceEventId,omitempty"`
	GrantedAt     time.Time `json:"grantedAt"`
}
