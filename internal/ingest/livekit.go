package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gatecast/internal/models"
	"gatecast/internal/upstream"
)

const (
	ingressService = "livekit.Ingress"
	roomService    = "livekit.RoomService"
	tokenSubject   = "gatecast"
)

// LiveKitClient implements Provider against LiveKit's Twirp JSON API.
type LiveKitClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	client     *http.Client
	logger     *slog.Logger
	policy     upstream.Policy
	tokenTTL   time.Duration
	healthPath string
	now        func() time.Time
}

// NewLiveKitClient builds a client from validated configuration.
func NewLiveKitClient(cfg Config, logger *slog.Logger) *LiveKitClient {
	client := newLiveKitClient(cfg.BaseURL, cfg.APIKey, cfg.APISecret, cfg.HTTPClient, logger, upstream.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.RetryInterval,
		MaxInterval:     cfg.MaxRetryInterval,
		AttemptTimeout:  cfg.RequestTimeout,
	})
	if cfg.TokenTTL > 0 {
		client.tokenTTL = cfg.TokenTTL
	}
	if cfg.HealthEndpoint != "" {
		client.healthPath = cfg.HealthEndpoint
	}
	return client
}

func newLiveKitClient(baseURL, apiKey, apiSecret string, client *http.Client, logger *slog.Logger, policy upstream.Policy) *LiveKitClient {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &LiveKitClient{
		baseURL:    httpBaseURL(baseURL),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		client:     client,
		logger:     logger,
		policy:     policy,
		tokenTTL:   5 * time.Minute,
		healthPath: "/",
		now:        time.Now,
	}
}

// httpBaseURL accepts the ws(s):// URLs LiveKit hands out and rewrites them
// for the HTTP API.
func httpBaseURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(trimmed, "wss://"):
		return "https://" + strings.TrimPrefix(trimmed, "wss://")
	case strings.HasPrefix(trimmed, "ws://"):
		return "http://" + strings.TrimPrefix(trimmed, "ws://")
	}
	return trimmed
}

type listIngressRequest struct {
	RoomName string `json:"room_name,omitempty"`
}

type ingressInfo struct {
	IngressID           string `json:"ingress_id"`
	Name                string `json:"name"`
	StreamKey           string `json:"stream_key"`
	URL                 string `json:"url"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	ParticipantName     string `json:"participant_name"`
}

type listIngressResponse struct {
	Items []ingressInfo `json:"items"`
}

type deleteIngressRequest struct {
	IngressID string `json:"ingress_id"`
}

type presetOptions struct {
	Preset string `json:"preset,omitempty"`
}

type createIngressRequest struct {
	InputType           string         `json:"input_type"`
	Name                string         `json:"name"`
	RoomName            string         `json:"room_name"`
	ParticipantIdentity string         `json:"participant_identity"`
	ParticipantName     string         `json:"participant_name,omitempty"`
	Video               *presetOptions `json:"video,omitempty"`
	Audio               *presetOptions `json:"audio,omitempty"`
}

type listRoomsRequest struct {
	Names []string `json:"names,omitempty"`
}

type roomInfo struct {
	SID             string `json:"sid"`
	Name            string `json:"name"`
	NumParticipants int    `json:"num_participants"`
}

type listRoomsResponse struct {
	Rooms []roomInfo `json:"rooms"`
}

type deleteRoomRequest struct {
	Room string `json:"room"`
}

func (c *LiveKitClient) ListIngestEndpoints(ctx context.Context, namespace string) ([]Endpoint, error) {
	var response listIngressResponse
	if err := c.call(ctx, ingressService, "ListIngress", listIngressRequest{RoomName: namespace}, &response); err != nil {
		return nil, fmt.Errorf("%w: list ingress for %s: %w", models.ErrUpstreamProvider, namespace, err)
	}
	endpoints := make([]Endpoint, 0, len(response.Items))
	for _, item := range response.Items {
		// ListIngress filters by room server-side; double-check so a caller
		// never deletes another host's endpoint.
		if namespace != "" && item.RoomName != namespace {
			continue
		}
		endpoints = append(endpoints, item.endpoint())
	}
	return endpoints, nil
}

func (c *LiveKitClient) DeleteIngestEndpoint(ctx context.Context, id string) error {
	err := c.call(ctx, ingressService, "DeleteIngress", deleteIngressRequest{IngressID: id}, nil)
	if err != nil && !upstream.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: delete ingress %s: %w", models.ErrUpstreamProvider, id, err)
	}
	return nil
}

func (c *LiveKitClient) ListRooms(ctx context.Context, namespace string) ([]Room, error) {
	request := listRoomsRequest{}
	if namespace != "" {
		request.Names = []string{namespace}
	}
	var response listRoomsResponse
	if err := c.call(ctx, roomService, "ListRooms", request, &response); err != nil {
		return nil, fmt.Errorf("%w: list rooms for %s: %w", models.ErrUpstreamProvider, namespace, err)
	}
	rooms := make([]Room, 0, len(response.Rooms))
	for _, room := range response.Rooms {
		rooms = append(rooms, Room{SID: room.SID, Name: room.Name, NumParticipants: room.NumParticipants})
	}
	return rooms, nil
}

func (c *LiveKitClient) DeleteRoom(ctx context.Context, name string) error {
	err := c.call(ctx, roomService, "DeleteRoom", deleteRoomRequest{Room: name}, nil)
	if err != nil && !upstream.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: delete room %s: %w", models.ErrUpstreamProvider, name, err)
	}
	return nil
}

func (c *LiveKitClient) CreateIngestEndpoint(ctx context.Context, params CreateEndpointParams) (Endpoint, error) {
	if strings.TrimSpace(params.Namespace) == "" {
		return Endpoint{}, fmt.Errorf("%w: ingest namespace is required", models.ErrInvalidArgument)
	}
	media := params.Media
	if media.InputType == "" {
		media = DefaultMediaOptions()
	}
	request := createIngressRequest{
		InputType:           media.InputType,
		Name:                params.Name,
		RoomName:            params.Namespace,
		ParticipantIdentity: params.ParticipantIdentity,
		ParticipantName:     params.ParticipantName,
	}
	if media.VideoPreset != "" {
		request.Video = &presetOptions{Preset: media.VideoPreset}
	}
	if media.AudioPreset != "" {
		request.Audio = &presetOptions{Preset: media.AudioPreset}
	}
	var response ingressInfo
	if err := c.call(ctx, ingressService, "CreateIngress", request, &response); err != nil {
		return Endpoint{}, fmt.Errorf("%w: create ingress for %s: %w", models.ErrUpstreamProvider, params.Namespace, err)
	}
	if response.IngressID == "" || response.StreamKey == "" {
		return Endpoint{}, fmt.Errorf("%w: create ingress for %s: response missing credentials", models.ErrUpstreamProvider, params.Namespace)
	}
	return response.endpoint(), nil
}

func (c *LiveKitClient) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Component: "livekit"}
	if c.baseURL == "" {
		status.Status = "unknown"
		status.Detail = "base URL not configured"
		return status
	}
	policy := c.policy
	policy.MaxAttempts = 1
	_, err := upstream.Do(ctx, c.client, upstream.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + c.healthPath,
	}, policy, c.logger)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	status.Status = "ok"
	return status
}

func (c *LiveKitClient) call(ctx context.Context, service, method string, payload, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	data, err := upstream.Do(ctx, c.client, upstream.Request{
		Method:      http.MethodPost,
		URL:         fmt.Sprintf("%s/twirp/%s/%s", c.baseURL, service, method),
		Body:        body,
		ContentType: "application/json",
		Authorize:   c.authorize,
	}, c.policy, c.logger)
	if err != nil {
		return err
	}
	if dest == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

type videoGrant struct {
	RoomCreate   bool `json:"roomCreate,omitempty"`
	RoomList     bool `json:"roomList,omitempty"`
	RoomAdmin    bool `json:"roomAdmin,omitempty"`
	IngressAdmin bool `json:"ingressAdmin,omitempty"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Video *videoGrant `json:"video,omitempty"`
}

func (c *LiveKitClient) authorize(req *http.Request) error {
	token, err := c.accessToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *LiveKitClient) accessToken() (string, error) {
	now := c.now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			Subject:   tokenSubject,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
		Video: &videoGrant{RoomCreate: true, RoomList: true, RoomAdmin: true, IngressAdmin: true},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.apiSecret))
	if err != nil {
		return "", fmt.Errorf("sign livekit token: %w", err)
	}
	return signed, nil
}

func (i ingressInfo) endpoint() Endpoint {
	return Endpoint{
		ID:                  i.IngressID,
		Name:                i.Name,
		RoomName:            i.RoomName,
		ParticipantIdentity: i.ParticipantIdentity,
		ParticipantName:     i.ParticipantName,
		ServerURL:           i.URL,
		StreamKey:           i.StreamKey,
	}
}
