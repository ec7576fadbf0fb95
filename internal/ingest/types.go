package ingest

import "context"

// Endpoint is an ingest resource registered at the provider.
type Endpoint struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	RoomName            string `json:"roomName"`
	ParticipantIdentity string `json:"participantIdentity"`
	ParticipantName     string `json:"participantName,omitempty"`
	ServerURL           string `json:"serverUrl"`
	StreamKey           string `json:"streamKey"`
}

// Room is a provider room; rooms are named after the host that owns them.
type Room struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	NumParticipants int    `json:"numParticipants"`
}

// MediaOptions selects the encoding presets applied to a new endpoint.
type MediaOptions struct {
	InputType   string
	VideoPreset string
	AudioPreset string
}

// DefaultMediaOptions publishes RTMP input as three simulcast layers of
// 1080p30 H.264 with mono Opus audio.
func DefaultMediaOptions() MediaOptions {
	return MediaOptions{
		InputType:   "RTMP_INPUT",
		VideoPreset: "H264_1080P_30FPS_3_LAYERS",
		AudioPreset: "OPUS_MONO_64KBS",
	}
}

// CreateEndpointParams describes a new ingest endpoint. Namespace is the room
// name and is always the host ID.
type CreateEndpointParams struct {
	Namespace           string
	Name                string
	ParticipantIdentity string
	ParticipantName     string
	Media               MediaOptions
}

// HealthStatus captures the result of probing the provider.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Provider is the contract the core consumes from the media ingest provider.
// Every method is a fallible remote call; list results may lag recent writes.
type Provider interface {
	ListIngestEndpoints(ctx context.Context, namespace string) ([]Endpoint, error)
	DeleteIngestEndpoint(ctx context.Context, id string) error
	ListRooms(ctx context.Context, namespace string) ([]Room, error)
	DeleteRoom(ctx context.Context, name string) error
	CreateIngestEndpoint(ctx context.Context, params CreateEndpointParams) (Endpoint, error)
	HealthCheck(ctx context.Context) HealthStatus
}
