package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gatecast/internal/models"
)

type healthProber interface {
	ProbeHealth(ctx context.Context) []string
}

// liveLister refreshes the live-session gauge as a side effect of listing.
type liveLister interface {
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
}

type monitorTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) monitorTicker

type monitorTask func(ctx context.Context)

func startHealthMonitor(ctx context.Context, logger *slog.Logger, interval time.Duration, tasks ...monitorTask) func() {
	return startHealthMonitorWithTicker(ctx, logger, interval, func(d time.Duration) monitorTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	}, tasks...)
}

// startHealthMonitorWithTicker runs every task on each tick until ctx ends or
// the returned stop function is called. Stop waits for the loop to exit.
func startHealthMonitorWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	interval time.Duration,
	newTicker tickerFactory,
	tasks ...monitorTask,
) func() {
	if len(tasks) == 0 || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				for _, task := range tasks {
					task(workerCtx)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// probeTask logs a warning when any component reports degraded.
func probeTask(prober healthProber, logger *slog.Logger) monitorTask {
	return func(ctx context.Context) {
		if degraded := prober.ProbeHealth(ctx); len(degraded) > 0 {
			logger.Warn("health probe degraded", "components", degraded)
		}
	}
}

func liveGaugeTask(lister liveLister, logger *slog.Logger) monitorTask {
	return func(ctx context.Context) {
		if _, err := lister.ListLiveSessions(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("refresh live sessions failed", "error", err)
		}
	}
}
