// Package feed streams session and payment events to websocket clients.
//
// Every connection holds its own bus subscription. Session live/offline
// events reach everyone, including anonymous clients, while grant events are
// delivered only to the viewer (or host) they name.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gatecast/internal/events"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	maxInboundBytes          = 4096
)

// ErrClosed is returned once the gateway has been shut down.
var ErrClosed = errors.New("event feed closed")

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Bus    events.Bus
	Logger *slog.Logger
	// HeartbeatInterval controls how often ping frames are sent. Clients that
	// miss two consecutive pongs are dropped.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// CheckOrigin decides whether a browser origin may open the feed. Nil
	// falls back to the websocket same-origin check.
	CheckOrigin func(*http.Request) bool
}

// Gateway upgrades HTTP requests into event feed connections.
type Gateway struct {
	bus               events.Bus
	logger            *slog.Logger
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	upgrader          websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Bus == nil {
		return nil, errors.New("feed gateway requires an event bus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		bus:               cfg.Bus,
		logger:            logger,
		heartbeatInterval: heartbeat,
		writeTimeout:      writeTimeout,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			CheckOrigin:      cfg.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Connections reports how many clients are currently attached.
func (g *Gateway) Connections() int {
	return int(g.active.Load())
}

// HandleConnection upgrades the request and streams events visible to userID
// until the client disconnects or the gateway closes. An empty userID is an
// anonymous subscriber.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	if !g.enter() {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	sub, err := g.bus.Subscribe(r.Context())
	if err != nil {
		g.logger.Error("subscribe to event bus", "error", err)
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		sub.Close()
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	g.active.Add(1)
	defer g.active.Add(-1)

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	c := &client{gateway: g, conn: conn, sub: sub, userID: userID}
	go c.readLoop(cancel)
	c.writeLoop(ctx)
	c.close()
}

func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// Close disconnects every client and rejects new connections. It waits for
// connections to finish until ctx expires.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type outboundMessage struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
}

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	sub     events.Subscription
	userID  string
	closed  sync.Once
}

// readLoop discards inbound frames; it exists to process pongs and notice
// when the peer goes away.
func (c *client) readLoop(cancel context.CancelFunc) {
	defer cancel()
	pongWait := 2 * c.gateway.heartbeatInterval
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.gateway.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if !event.VisibleTo(c.userID) {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if err := c.conn.WriteJSON(outboundMessage{Type: "event", Event: &event}); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.gateway.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closed.Do(func() {
		c.sub.Close()
		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
		_ = c.conn.Close()
	})
}
