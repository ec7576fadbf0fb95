package ingeststub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Options describes how the fake control plane should behave.
type Options struct {
	// APIKey and APISecret are enforced on the bearer token when set.
	APIKey    string
	APISecret string

	// ServerURL is returned as the RTMP URL of created endpoints.
	ServerURL string

	// FailCreates causes the first N CreateIngress calls to return HTTP 503.
	FailCreates int
	// FailDeletes causes the first N DeleteIngress calls to return HTTP 503.
	FailDeletes int
	// FailRoomDeletes causes the first N DeleteRoom calls to return HTTP 503.
	FailRoomDeletes int
	// FailLists causes the first N ListIngress calls to return HTTP 503.
	FailLists int

	// StallCreates delays the response to the first N successful
	// CreateIngress calls by StallFor. The ingress is registered before the
	// delay, as a provider that answers late would.
	StallCreates int
	StallFor     time.Duration
}

// Operation represents a recorded control-plane interaction.
type Operation struct {
	Kind      string
	Room      string
	IngressID string
	Attempt   int
	Status    int
	Timestamp time.Time
}

// Ingress mirrors the subset of LiveKit's IngressInfo the stub stores.
type Ingress struct {
	IngressID           string `json:"ingress_id"`
	Name                string `json:"name"`
	StreamKey           string `json:"stream_key"`
	URL                 string `json:"url"`
	InputType           string `json:"input_type"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	ParticipantName     string `json:"participant_name"`
	VideoPreset         string `json:"-"`
	AudioPreset         string `json:"-"`
}

// ControlPlane hosts a single httptest.Server serving the Twirp endpoints.
type ControlPlane struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	ingresses  map[string]Ingress
	rooms      map[string]string
	counters   map[string]int
	nextID     int
}

// Start spins up a new control-plane stub using the provided options.
func Start(opts Options) *ControlPlane {
	if opts.ServerURL == "" {
		opts.ServerURL = "rtmp://ingest.stub/live"
	}
	cp := &ControlPlane{
		opts:      opts,
		ingresses: make(map[string]Ingress),
		rooms:     make(map[string]string),
		counters:  make(map[string]int),
	}
	cp.server = httptest.NewServer(http.HandlerFunc(cp.handle))
	return cp
}

// Close shuts down the underlying HTTP server.
func (c *ControlPlane) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all control-plane endpoints.
func (c *ControlPlane) BaseURL() string {
	return c.server.URL
}

// Client returns an HTTP client wired to the stub.
func (c *ControlPlane) Client() *http.Client {
	return c.server.Client()
}

// Seed registers a pre-existing room and ingress for room, as if left behind
// by an earlier session.
func (c *ControlPlane) Seed(room string) Ingress {
	c.mu.Lock()
	defer c.mu.Unlock()
	ingress := c.newIngressLocked(room, room, room, "")
	c.ingresses[ingress.IngressID] = ingress
	c.rooms[room] = "RM_" + ingress.IngressID
	return ingress
}

// Ingresses returns the endpoints currently registered for room.
func (c *ControlPlane) Ingresses(room string) []Ingress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Ingress, 0)
	for _, ingress := range c.ingresses {
		if room == "" || ingress.RoomName == room {
			out = append(out, ingress)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngressID < out[j].IngressID })
	return out
}

// HasRoom reports whether the named room exists.
func (c *ControlPlane) HasRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// Operations returns a copy of all recorded operations in the order they occurred.
func (c *ControlPlane) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.operations))
	copy(out, c.operations)
	return out
}

func (c *ControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		_, _ = w.Write([]byte("OK"))
		return
	}
	if r.Method != http.MethodPost {
		twirpError(w, http.StatusMethodNotAllowed, "bad_route", "POST required")
		return
	}
	if !c.expectToken(w, r) {
		return
	}
	switch r.URL.Path {
	case "/twirp/livekit.Ingress/ListIngress":
		c.handleListIngress(w, r)
	case "/twirp/livekit.Ingress/CreateIngress":
		c.handleCreateIngress(w, r)
	case "/twirp/livekit.Ingress/DeleteIngress":
		c.handleDeleteIngress(w, r)
	case "/twirp/livekit.RoomService/ListRooms":
		c.handleListRooms(w, r)
	case "/twirp/livekit.RoomService/DeleteRoom":
		c.handleDeleteRoom(w, r)
	default:
		twirpError(w, http.StatusNotFound, "bad_route", "unexpected request "+r.URL.Path)
	}
}

func (c *ControlPlane) handleListIngress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoomName string `json:"room_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	if c.failing("list-ingress", req.RoomName, "", c.opts.FailLists) {
		twirpError(w, http.StatusServiceUnavailable, "unavailable", "ingress service unavailable")
		return
	}
	writeJSON(w, map[string]any{"items": c.Ingresses(req.RoomName)})
}

func (c *ControlPlane) handleCreateIngress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InputType           string `json:"input_type"`
		Name                string `json:"name"`
		RoomName            string `json:"room_name"`
		ParticipantIdentity string `json:"participant_identity"`
		ParticipantName     string `json:"participant_name"`
		Video               struct {
			Preset string `json:"preset"`
		} `json:"video"`
		Audio struct {
			Preset string `json:"preset"`
		} `json:"audio"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.RoomName == "" {
		twirpError(w, http.StatusBadRequest, "invalid_argument", "room_name is required")
		return
	}
	if c.failing("create-ingress", req.RoomName, "", c.opts.FailCreates) {
		twirpError(w, http.StatusServiceUnavailable, "unavailable", "ingress service unavailable")
		return
	}
	c.mu.Lock()
	ingress := c.newIngressLocked(req.Name, req.RoomName, req.ParticipantIdentity, req.ParticipantName)
	ingress.InputType = req.InputType
	ingress.VideoPreset = req.Video.Preset
	ingress.AudioPreset = req.Audio.Preset
	c.ingresses[ingress.IngressID] = ingress
	if _, ok := c.rooms[req.RoomName]; !ok {
		c.rooms[req.RoomName] = "RM_" + ingress.IngressID
	}
	c.counters["create-stall"]++
	stall := c.counters["create-stall"] <= c.opts.StallCreates
	c.mu.Unlock()
	if stall && c.opts.StallFor > 0 {
		timer := time.NewTimer(c.opts.StallFor)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, ingress)
}

func (c *ControlPlane) handleDeleteIngress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IngressID string `json:"ingress_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if c.failing("delete-ingress", "", req.IngressID, c.opts.FailDeletes) {
		twirpError(w, http.StatusServiceUnavailable, "unavailable", "ingress service unavailable")
		return
	}
	c.mu.Lock()
	ingress, ok := c.ingresses[req.IngressID]
	delete(c.ingresses, req.IngressID)
	c.mu.Unlock()
	if !ok {
		twirpError(w, http.StatusNotFound, "not_found", "ingress does not exist")
		return
	}
	writeJSON(w, ingress)
}

func (c *ControlPlane) handleListRooms(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if !decode(w, r, &req) {
		return
	}
	c.record(Operation{Kind: "list-rooms", Room: strings.Join(req.Names, ","), Status: http.StatusOK})
	wanted := make(map[string]bool, len(req.Names))
	for _, name := range req.Names {
		wanted[name] = true
	}
	c.mu.Lock()
	rooms := make([]map[string]any, 0, len(c.rooms))
	for name, sid := range c.rooms {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		rooms = append(rooms, map[string]any{"sid": sid, "name": name, "num_participants": 0})
	}
	c.mu.Unlock()
	writeJSON(w, map[string]any{"rooms": rooms})
}

func (c *ControlPlane) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Room string `json:"room"`
	}
	if !decode(w, r, &req) {
		return
	}
	if c.failing("delete-room", req.Room, "", c.opts.FailRoomDeletes) {
		twirpError(w, http.StatusServiceUnavailable, "unavailable", "room service unavailable")
		return
	}
	c.mu.Lock()
	_, ok := c.rooms[req.Room]
	delete(c.rooms, req.Room)
	c.mu.Unlock()
	if !ok {
		twirpError(w, http.StatusNotFound, "not_found", "room does not exist")
		return
	}
	writeJSON(w, map[string]any{})
}

// failing increments the counter for kind, records the attempt, and reports
// whether this attempt should fail.
func (c *ControlPlane) failing(kind, room, ingressID string, failFirst int) bool {
	c.mu.Lock()
	c.counters[kind]++
	attempt := c.counters[kind]
	c.mu.Unlock()
	status := http.StatusOK
	fail := attempt <= failFirst
	if fail {
		status = http.StatusServiceUnavailable
	}
	c.record(Operation{Kind: kind, Room: room, IngressID: ingressID, Attempt: attempt, Status: status})
	return fail
}

func (c *ControlPlane) newIngressLocked(name, room, identity, participantName string) Ingress {
	c.nextID++
	id := fmt.Sprintf("IN_%04d", c.nextID)
	return Ingress{
		IngressID:           id,
		Name:                name,
		StreamKey:           fmt.Sprintf("sk_%04d", c.nextID),
		URL:                 c.opts.ServerURL,
		RoomName:            room,
		ParticipantIdentity: identity,
		ParticipantName:     participantName,
	}
}

func (c *ControlPlane) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.operations = append(c.operations, op)
	c.mu.Unlock()
}

type videoGrant struct {
	RoomCreate   bool `json:"roomCreate"`
	RoomList     bool `json:"roomList"`
	IngressAdmin bool `json:"ingressAdmin"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Video *videoGrant `json:"video"`
}

func (c *ControlPlane) expectToken(w http.ResponseWriter, r *http.Request) bool {
	if c.opts.APISecret == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		twirpError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
		return false
	}
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return []byte(c.opts.APISecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(c.opts.APIKey))
	if err != nil {
		twirpError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return false
	}
	if claims.Video == nil || !claims.Video.IngressAdmin || !claims.Video.RoomList || !claims.Video.RoomCreate {
		twirpError(w, http.StatusForbidden, "permission_denied", "insufficient grants")
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		twirpError(w, http.StatusBadRequest, "malformed", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func twirpError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "msg": msg})
}
