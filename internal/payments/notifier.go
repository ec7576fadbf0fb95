package payments

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gatecast/internal/events"
	"gatecast/internal/models"
)

const (
	defaultNotifyBuffer  = 64
	notifyPublishTimeout = 5 * time.Second
)

// GrantNotifier receives newly recorded grants. Implementations must return
// promptly; the webhook acknowledgment waits on NotifyGrant.
type GrantNotifier interface {
	NotifyGrant(grant models.PaymentGrant)
}

// AsyncNotifier publishes grant events from a single background worker. When
// the queue is full the notification is dropped and logged.
type AsyncNotifier struct {
	publisher events.Publisher
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.PaymentGrant
	done   chan struct{}
}

// NewAsyncNotifier starts the worker. Call Close to drain it.
func NewAsyncNotifier(publisher events.Publisher, buffer int, logger *slog.Logger) *AsyncNotifier {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if buffer <= 0 {
		buffer = defaultNotifyBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	n := &AsyncNotifier{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan models.PaymentGrant, buffer),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) NotifyGrant(grant models.PaymentGrant) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- grant:
	default:
		n.logger.Warn("grant notification dropped", "host_id", grant.HostID, "viewer_id", grant.ViewerID)
	}
}

// Close stops accepting notifications and waits for queued ones to publish.
func (n *AsyncNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for grant := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), notifyPublishTimeout)
		event := events.New(events.TypeGrantRecorded, grant.HostID, grant.ViewerID)
		if err := n.publisher.Publish(ctx, event); err != nil {
			n.logger.Warn("grant notification failed", "host_id", grant.HostID, "viewer_id", grant.ViewerID, "error", err)
		}
		cancel()
	}
}
