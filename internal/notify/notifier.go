package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/metrics"
)

// Sink delivers one rendered message to the outbound channel.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// NopSink discards every message. Used when the notifier is disabled.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(context.Context, string) error { return nil }

// Notifier selects events worth a human ping and hands them to the sink. Sink
// failures are logged and counted, never propagated; a flaky chat API must not
// disturb the poll cycle.
type Notifier struct {
	sink   Sink
	logger *slog.Logger
	rec    *metrics.Recorder

	mu          sync.RWMutex
	minSeverity int
	filter      *Filter
	renderer    *Renderer
}

// New builds the notifier from static config. The filter expression and
// templates are compiled up front so bad config fails at startup.
func New(cfg config.NotifierConfig, sink Sink, logger *slog.Logger, rec *metrics.Recorder) (*Notifier, error) {
	filter, err := CompileFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	renderer, err := NewRenderer(nil)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Notifier{
		sink:        sink,
		logger:      logger.With(slog.String("agent", "notify")),
		rec:         rec,
		minSeverity: cfg.MinSeverity,
		filter:      filter,
		renderer:    renderer,
	}, nil
}

// ApplyRules swaps in overrides from a reloaded rules file. Compilation happens
// before the swap so a broken rules file leaves the running settings intact.
func (n *Notifier) ApplyRules(rules config.NotifyRules) error {
	var (
		filter   *Filter
		renderer *Renderer
		err      error
	)
	if rules.Filter != nil {
		filter, err = CompileFilter(*rules.Filter)
		if err != nil {
			return err
		}
	}
	if rules.Templates != nil {
		renderer, err = NewRenderer(rules.Templates)
		if err != nil {
			return err
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if rules.MinSeverity != nil {
		n.minSeverity = *rules.MinSeverity
	}
	if rules.Filter != nil {
		n.filter = filter
	}
	if rules.Templates != nil {
		n.renderer = renderer
	}
	n.logger.Info("notification rules applied",
		slog.Int("minSeverity", n.minSeverity),
		slog.String("filter", n.filter.Source()))
	return nil
}

// Dispatch pushes the eligible subset of one cycle's events to the sink. Safe
// to call on a nil notifier.
func (n *Notifier) Dispatch(ctx context.Context, evs []events.Event) {
	if n == nil {
		return
	}
	n.mu.RLock()
	minSeverity := n.minSeverity
	filter := n.filter
	renderer := n.renderer
	n.mu.RUnlock()

	for _, ev := range evs {
		// Only problem transitions reach the chat sink. Host availability
		// changes go to live subscribers alone.
		if ev.Type != events.TypeProblemNew && ev.Type != events.TypeProblemResolved {
			continue
		}
		if ev.Severity < minSeverity {
			n.rec.ObserveNotification("filtered")
			continue
		}
		match, err := filter.Match(ev)
		if err != nil {
			n.logger.Warn("notification filter failed", slog.String("entity", ev.EntityID), slog.Any("error", err))
			n.rec.ObserveNotification("error")
			continue
		}
		if !match {
			n.rec.ObserveNotification("filtered")
			continue
		}
		text, err := renderer.Render(ev)
		if err != nil {
			n.logger.Warn("notification render failed", slog.String("entity", ev.EntityID), slog.Any("error", err))
			n.rec.ObserveNotification("error")
			continue
		}
		if err := n.sink.Send(ctx, text); err != nil {
			n.logger.Warn("notification send failed", slog.String("entity", ev.EntityID), slog.Any("error", err))
			n.rec.ObserveNotification("error")
			continue
		}
		n.rec.ObserveNotification("sent")
	}
}
