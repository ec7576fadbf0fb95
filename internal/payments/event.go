package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gatecast/internal/models"
)

// EventCheckoutCompleted is the only gateway event that creates grants.
const EventCheckoutCompleted = "checkout.session.completed"

// Metadata keys written on checkout creation and read back from webhooks.
// The legacy keys were used by earlier checkout sessions: userId named the
// host and currentUser the paying viewer.
const (
	MetadataHostID   = "hostId"
	MetadataViewerID = "viewerId"

	legacyMetadataHostID   = "userId"
	legacyMetadataViewerID = "currentUser"
)

type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object checkoutObject `json:"object"`
	} `json:"data"`
}

type checkoutObject struct {
	ID                string         `json:"id"`
	Metadata          map[string]any `json:"metadata"`
	ClientReferenceID string         `json:"client_reference_id"`
}

// checkoutPair is the (viewer, host) pair a completed checkout paid for.
type checkoutPair struct {
	EventID  string
	HostID   string
	ViewerID string
}

func decodeEvent(raw []byte) (gatewayEvent, error) {
	var event gatewayEvent
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&event); err != nil {
		return gatewayEvent{}, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if strings.TrimSpace(event.Type) == "" {
		return gatewayEvent{}, fmt.Errorf("%w: event type is missing", models.ErrMalformedEvent)
	}
	return event, nil
}

func (e gatewayEvent) checkoutPair() (checkoutPair, error) {
	metadata := e.Data.Object.Metadata
	hostID := firstMetadata(metadata, MetadataHostID, legacyMetadataHostID)
	viewerID := firstMetadata(metadata, MetadataViewerID, legacyMetadataViewerID)
	if viewerID == "" {
		viewerID = strings.TrimSpace(e.Data.Object.ClientReferenceID)
	}
	if hostID == "" {
		return checkoutPair{}, fmt.Errorf("%w: metadata has no host id", models.ErrMalformedEvent)
	}
	if viewerID == "" {
		return checkoutPair{}, fmt.Errorf("%w: metadata has no viewer id", models.ErrMalformedEvent)
	}
	eventID := strings.TrimSpace(e.ID)
	if eventID == "" {
		eventID = strings.TrimSpace(e.Data.Object.ID)
	}
	return checkoutPair{EventID: eventID, HostID: hostID, ViewerID: viewerID}, nil
}

func firstMetadata(metadata map[string]any, keys ...string) string {
	for _, key := range keys {
		switch value := metadata[key].(type) {
		case string:
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return value.String()
		}
	}
	return ""
}
