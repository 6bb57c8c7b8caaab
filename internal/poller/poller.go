// Package poller drives the periodic build, diff, and publish cycle against
// the upstream monitoring API.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/metrics"
	"github.com/zabview/zabview/internal/notify"
	"github.com/zabview/zabview/internal/snapshot"
	"github.com/zabview/zabview/internal/upstream"
)

// Poller runs snapshot cycles on a fixed cadence. Exactly one cycle runs at a
// time; a tick arriving while the previous cycle is still in flight is skipped
// rather than queued.
type Poller struct {
	builder  *snapshot.Builder
	store    *snapshot.Store
	hub      *events.Hub
	notifier *notify.Notifier
	logger   *slog.Logger
	rec      *metrics.Recorder

	interval time.Duration
	deadline time.Duration

	mu sync.Mutex
}

// New wires the cycle participants together.
func New(cfg config.PollerConfig, builder *snapshot.Builder, store *snapshot.Store, hub *events.Hub, notifier *notify.Notifier, logger *slog.Logger, rec *metrics.Recorder) *Poller {
	return &Poller{
		builder:  builder,
		store:    store,
		hub:      hub,
		notifier: notifier,
		logger:   logger.With(slog.String("agent", "poller")),
		rec:      rec,
		interval: cfg.Interval(),
		deadline: cfg.Deadline(),
	}
}

// Run polls until the context is canceled. The first cycle starts immediately
// so the dashboard has data before the first full interval elapses.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle. Callers racing an in-flight cycle (the
// ticker versus an operator-triggered refresh) skip instead of piling up. A
// failed or overdue cycle keeps the previous snapshot as the baseline.
func (p *Poller) RunOnce(ctx context.Context) {
	if !p.mu.TryLock() {
		p.rec.ObservePollCycle(metrics.PollOutcomeSkipped, 0)
		p.logger.Debug("poll cycle skipped, previous cycle still running")
		return
	}
	defer p.mu.Unlock()

	start := time.Now()
	cycleCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	current, err := p.builder.Build(cycleCtx)
	if err != nil {
		p.rec.ObservePollCycle(metrics.PollOutcomeFailed, time.Since(start))
		switch {
		case errors.Is(err, upstream.ErrAuthFailed):
			p.logger.Error("poll cycle failed, upstream rejected credentials", slog.Any("error", err))
		case errors.Is(err, context.DeadlineExceeded):
			p.logger.Warn("poll cycle abandoned at deadline", slog.Duration("deadline", p.deadline))
		default:
			p.logger.Warn("poll cycle failed", slog.Any("error", err))
		}
		return
	}

	previous := p.store.Current()
	emitted := snapshot.Diff(previous, current)
	p.store.Publish(current)
	p.hub.Publish(emitted)
	p.notifier.Dispatch(cycleCtx, emitted)

	p.rec.ObservePollCycle(metrics.PollOutcomeOK, time.Since(start))
	p.logger.Info("poll cycle complete",
		slog.Int("hosts", len(current.Hosts)),
		slog.Int("problems", len(current.Problems)),
		slog.Int("events", len(emitted)),
		slog.Duration("elapsed", time.Since(start)))
}
