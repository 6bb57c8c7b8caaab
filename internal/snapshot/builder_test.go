package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zabview/zabview/internal/upstream"
)

type fakeSource struct {
	hosts    []upstream.Host
	problems []upstream.Problem
	services []upstream.Service
	maint    []string
	err      error
}

func (f *fakeSource) Hosts(context.Context) ([]upstream.Host, error) {
	return f.hosts, f.err
}

func (f *fakeSource) Problems(context.Context) ([]upstream.Problem, error) {
	return f.problems, f.err
}

func (f *fakeSource) Services(context.Context) ([]upstream.Service, error) {
	return f.services, f.err
}

func (f *fakeSource) MaintenanceHostIDs(context.Context) ([]string, error) {
	return f.maint, f.err
}

func TestBuildSuppression(t *testing.T) {
	source := &fakeSource{
		hosts: []upstream.Host{
			{ID: "A", Name: "host-a", Enabled: true, Available: true},
			{ID: "B", Name: "host-b", Enabled: true, Available: true},
		},
		problems: []upstream.Problem{
			{ID: "P1", Name: "partially masked", Severity: 3, HostIDs: []string{"A", "B"}},
			{ID: "P2", Name: "fully masked", Severity: 4, HostIDs: []string{"A"}},
			{ID: "P3", Name: "no hosts", Severity: 5},
		},
		maint: []string{"A"},
	}

	snap, err := NewBuilder(source).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	byID := make(map[string]Problem)
	for _, p := range snap.Problems {
		byID[p.ID] = p
	}
	// Only A is in maintenance, so P1 (A and B) stays visible.
	if byID["P1"].Suppressed {
		t.Fatalf("expected P1 not suppressed")
	}
	// Every host of P2 is in maintenance.
	if !byID["P2"].Suppressed {
		t.Fatalf("expected P2 suppressed")
	}
	// A problem with no referenced hosts is never suppressed.
	if byID["P3"].Suppressed {
		t.Fatalf("expected host-less P3 not suppressed")
	}

	if !snap.Hosts[0].InMaintenance || snap.Hosts[1].InMaintenance {
		t.Fatalf("unexpected maintenance flags: %+v", snap.Hosts)
	}
}

func TestBuildSeverityHistogramOverActiveOnly(t *testing.T) {
	source := &fakeSource{
		hosts: []upstream.Host{{ID: "A", Enabled: true, Available: true}},
		problems: []upstream.Problem{
			{ID: "P1", Severity: 5, HostIDs: []string{"A"}},
			{ID: "P2", Severity: 5},
			{ID: "P3", Severity: 2},
		},
		maint: []string{"A"},
	}

	snap, err := NewBuilder(source).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// P1 is suppressed, so only one severity-5 problem counts.
	if snap.SeverityCounts[5] != 1 {
		t.Fatalf("expected 1 active severity-5 problem, got %d", snap.SeverityCounts[5])
	}
	if snap.SeverityCounts[2] != 1 {
		t.Fatalf("expected 1 active severity-2 problem, got %d", snap.SeverityCounts[2])
	}
	if got := len(snap.ActiveProblems()); got != 2 {
		t.Fatalf("expected 2 active problems, got %d", got)
	}
}

func TestBuildHostPartitionAndServiceHealth(t *testing.T) {
	source := &fakeSource{
		hosts: []upstream.Host{
			{ID: "1", Enabled: true, Available: true},
			{ID: "2", Enabled: true, Available: false},
			{ID: "3", Enabled: false, Available: true},
		},
		services: []upstream.Service{
			{ID: "s1", Name: "dns", Enabled: true, LastFailedStep: "0"},
			{ID: "s2", Name: "smtp", Enabled: true, LastFailedStep: "3"},
			{ID: "s3", Name: "ftp", Enabled: false, LastFailedStep: "0"},
		},
	}

	snap, err := NewBuilder(source).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if snap.EnabledHosts != 2 || snap.OnlineHosts != 1 || snap.OfflineHosts != 1 {
		t.Fatalf("unexpected host partition: enabled=%d online=%d offline=%d",
			snap.EnabledHosts, snap.OnlineHosts, snap.OfflineHosts)
	}

	if !snap.Services[0].Healthy {
		t.Fatalf("expected dns healthy")
	}
	if snap.Services[1].Healthy {
		t.Fatalf("expected smtp failed on step 3")
	}
	if snap.Services[2].Healthy {
		t.Fatalf("expected disabled ftp not healthy")
	}

	view := snap.View()
	if view.HostCount != 3 || view.HealthyServices != 1 || view.FailedServices != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestBuildPropagatesUpstreamErrors(t *testing.T) {
	source := &fakeSource{err: upstream.ErrUnavailable}
	_, err := NewBuilder(source).Build(context.Background())
	if !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	source.err = upstream.ErrAuthFailed
	_, err = NewBuilder(source).Build(context.Background())
	if !errors.Is(err, upstream.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestStorePublishAndCurrent(t *testing.T) {
	store := NewStore()
	if store.Current() != nil {
		t.Fatalf("expected nil before first publish")
	}

	first := &Snapshot{Timestamp: time.Now().UTC()}
	store.Publish(first)
	if store.Current() != first {
		t.Fatalf("expected published snapshot")
	}

	second := &Snapshot{Timestamp: time.Now().UTC().Add(time.Second)}
	store.Publish(second)
	if store.Current() != second {
		t.Fatalf("expected swap to the newer snapshot")
	}
}
