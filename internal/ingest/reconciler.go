package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"gatecast/internal/models"
)

const defaultReconcileConcurrency = 4

// ResetResult summarises what a reset removed.
type ResetResult struct {
	RoomsDeleted     int
	EndpointsDeleted int
	Failures         int
}

// Reconciler removes every provider resource owned by a host so that a new
// endpoint can be issued against a clean namespace.
type Reconciler struct {
	provider    Provider
	logger      *slog.Logger
	concurrency int
}

// NewReconciler wraps provider. A non-positive concurrency falls back to the
// default fan-out width.
func NewReconciler(provider Provider, logger *slog.Logger, concurrency int) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	return &Reconciler{provider: provider, logger: logger, concurrency: concurrency}
}

// ResetHostIngest deletes every room and then every ingest endpoint registered
// under hostID. It is a no-op when nothing exists. Deletion failures do not
// stop the remaining deletions; they are joined into the returned error,
// which wraps models.ErrUpstreamProvider.
func (r *Reconciler) ResetHostIngest(ctx context.Context, hostID string) (ResetResult, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return ResetResult{}, fmt.Errorf("%w: host id is required", models.ErrInvalidArgument)
	}

	var (
		endpoints []Endpoint
		rooms     []Room
	)
	lists, listCtx := errgroup.WithContext(ctx)
	lists.Go(func() error {
		found, err := r.provider.ListIngestEndpoints(listCtx, hostID)
		endpoints = found
		return err
	})
	lists.Go(func() error {
		found, err := r.provider.ListRooms(listCtx, hostID)
		rooms = found
		return err
	})
	if err := lists.Wait(); err != nil {
		return ResetResult{}, upstreamError(fmt.Errorf("inventory ingest for %s: %w", hostID, err))
	}

	var result ResetResult
	if len(rooms) == 0 && len(endpoints) == 0 {
		return result, nil
	}

	roomErrs := r.fanOut(ctx, len(rooms), func(ctx context.Context, i int) error {
		return r.provider.DeleteRoom(ctx, rooms[i].Name)
	})
	endpointErrs := r.fanOut(ctx, len(endpoints), func(ctx context.Context, i int) error {
		return r.provider.DeleteIngestEndpoint(ctx, endpoints[i].ID)
	})

	var failures []error
	for i, err := range roomErrs {
		if err != nil {
			failures = append(failures, fmt.Errorf("delete room %s: %w", rooms[i].Name, err))
			continue
		}
		result.RoomsDeleted++
	}
	for i, err := range endpointErrs {
		if err != nil {
			failures = append(failures, fmt.Errorf("delete ingest endpoint %s: %w", endpoints[i].ID, err))
			continue
		}
		result.EndpointsDeleted++
	}
	result.Failures = len(failures)

	logger := r.logger.With("host_id", hostID,
		"rooms_deleted", result.RoomsDeleted,
		"endpoints_deleted", result.EndpointsDeleted)
	if len(failures) > 0 {
		logger.Warn("ingest reset incomplete", "failures", len(failures))
		return result, upstreamError(fmt.Errorf("reset ingest for %s: %w", hostID, errors.Join(failures...)))
	}
	logger.Debug("ingest reset complete")
	return result, nil
}

// fanOut runs n independent calls under the concurrency limit and returns the
// per-index errors once all of them finish.
func (r *Reconciler) fanOut(ctx context.Context, n int, call func(context.Context, int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	var group errgroup.Group
	group.SetLimit(r.concurrency)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			errs[i] = call(ctx, i)
			return nil
		})
	}
	_ = group.Wait()
	return errs
}

func upstreamError(err error) error {
	if errors.Is(err, models.ErrUpstreamProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrUpstreamProvider, err)
}
