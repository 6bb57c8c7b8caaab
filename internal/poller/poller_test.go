package poller

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zabview/zabview/internal/config"
	"github.com/zabview/zabview/internal/events"
	"github.com/zabview/zabview/internal/notify"
	"github.com/zabview/zabview/internal/snapshot"
	"github.com/zabview/zabview/internal/upstream"
)

type scriptedSource struct {
	mu       sync.Mutex
	problems []upstream.Problem
	err      error
	gate     chan struct{}
}

func (s *scriptedSource) wait(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedSource) Hosts(ctx context.Context) ([]upstream.Host, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return []upstream.Host{{ID: "H1", Name: "web-1", Enabled: true, Available: true}}, s.err
}

func (s *scriptedSource) Problems(ctx context.Context) ([]upstream.Problem, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upstream.Problem(nil), s.problems...), s.err
}

func (s *scriptedSource) Services(ctx context.Context) ([]upstream.Service, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.err
}

func (s *scriptedSource) MaintenanceHostIDs(ctx context.Context) ([]string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.err
}

func (s *scriptedSource) set(problems []upstream.Problem, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = problems
	s.err = err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPoller(source upstream.Source, store *snapshot.Store, hub *events.Hub) *Poller {
	cfg := config.PollerConfig{IntervalSeconds: 30, DeadlineSeconds: 1}
	return New(cfg, snapshot.NewBuilder(source), store, hub, nil, testLogger(), nil)
}

func TestRunOncePublishesAndDiffs(t *testing.T) {
	source := &scriptedSource{problems: []upstream.Problem{{ID: "P1", Name: "disk full", Severity: 4}}}
	store := snapshot.NewStore()
	hub := events.NewHub(testLogger(), nil)
	sub := hub.Subscribe("watcher", nil)
	defer hub.Unsubscribe("watcher")

	p := newTestPoller(source, store, hub)
	p.RunOnce(context.Background())

	snap := store.Current()
	if snap == nil || len(snap.Problems) != 1 {
		t.Fatalf("expected first snapshot published, got %+v", snap)
	}
	quiet, cancelQuiet := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if delivery, err := sub.Next(quiet); err == nil {
		cancelQuiet()
		t.Fatalf("first poll must not emit events, got %+v", delivery)
	}
	cancelQuiet()

	source.set([]upstream.Problem{{ID: "P2", Name: "cpu pegged", Severity: 5}}, nil)
	p.RunOnce(context.Background())

	first := nextDelivery(t, sub)
	if first.Event.Type != events.TypeProblemResolved || first.Event.EntityID != "P1" {
		t.Fatalf("expected P1 resolved first, got %+v", first.Event)
	}
	second := nextDelivery(t, sub)
	if second.Event.Type != events.TypeProblemNew || second.Event.EntityID != "P2" {
		t.Fatalf("expected P2 new second, got %+v", second.Event)
	}
}

func TestRunOnceKeepsBaselineOnFailure(t *testing.T) {
	source := &scriptedSource{problems: []upstream.Problem{{ID: "P1", Severity: 3}}}
	store := snapshot.NewStore()
	p := newTestPoller(source, store, events.NewHub(testLogger(), nil))

	p.RunOnce(context.Background())
	baseline := store.Current()
	if baseline == nil {
		t.Fatalf("expected baseline snapshot")
	}

	source.set(nil, upstream.ErrUnavailable)
	p.RunOnce(context.Background())

	if store.Current() != baseline {
		t.Fatalf("failed cycle must keep the previous snapshot")
	}
}

func TestRunOnceSkipsWhileCycleInFlight(t *testing.T) {
	source := &scriptedSource{gate: make(chan struct{})}
	store := snapshot.NewStore()
	p := newTestPoller(source, store, events.NewHub(testLogger(), nil))

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		p.RunOnce(context.Background())
		close(done)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// The overlapping call must return without waiting for the gate.
	skipped := make(chan struct{})
	go func() {
		p.RunOnce(context.Background())
		close(skipped)
	}()
	select {
	case <-skipped:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("overlapping cycle did not skip")
	}

	close(source.gate)
	<-done
	if store.Current() == nil {
		t.Fatalf("expected the gated cycle to publish once released")
	}
}

func TestRunOnceAbandonsAtDeadline(t *testing.T) {
	source := &scriptedSource{gate: make(chan struct{})}
	store := snapshot.NewStore()
	p := newTestPoller(source, store, events.NewHub(testLogger(), nil))

	done := make(chan struct{})
	go func() {
		p.RunOnce(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("cycle did not abandon at its deadline")
	}
	if store.Current() != nil {
		t.Fatalf("abandoned cycle must not publish")
	}
}

type memorySink struct {
	mu    sync.Mutex
	texts []string
}

func (m *memorySink) Send(_ context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *memorySink) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func TestCycleFeedsSubscribersAndNotifier(t *testing.T) {
	source := &scriptedSource{problems: []upstream.Problem{{ID: "P1", Name: "disk failing", Severity: 5}}}
	store := snapshot.NewStore()
	hub := events.NewHub(testLogger(), nil)
	sub := hub.Subscribe("dashboard", nil)
	defer hub.Unsubscribe("dashboard")

	sink := &memorySink{}
	notifier, err := notify.New(config.NotifierConfig{MinSeverity: 4}, sink, testLogger(), nil)
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}

	cfg := config.PollerConfig{IntervalSeconds: 30, DeadlineSeconds: 5}
	p := New(cfg, snapshot.NewBuilder(source), store, hub, notifier, testLogger(), nil)

	// First poll is the baseline, so nothing is delivered or notified yet.
	p.RunOnce(context.Background())
	if got := sink.sent(); len(got) != 0 {
		t.Fatalf("baseline poll must not notify, got %v", got)
	}

	// P1 resolves, P2 appears below the threshold: subscribers see both
	// transitions, the sink sees only the resolution.
	source.set([]upstream.Problem{{ID: "P2", Name: "slow queries", Severity: 2}}, nil)
	p.RunOnce(context.Background())

	first := nextDelivery(t, sub)
	second := nextDelivery(t, sub)
	if first.Event.Type != events.TypeProblemResolved || second.Event.Type != events.TypeProblemNew {
		t.Fatalf("unexpected subscriber stream: %+v then %+v", first.Event, second.Event)
	}

	got := sink.sent()
	if len(got) != 1 || got[0] != "OK problem resolved: disk failing" {
		t.Fatalf("expected exactly one resolution message, got %v", got)
	}
}

func nextDelivery(t *testing.T, sub *events.Subscriber) events.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	delivery, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next delivery: %v", err)
	}
	return delivery
}
