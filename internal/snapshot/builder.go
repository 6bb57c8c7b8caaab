package snapshot

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zabview/zabview/internal/upstream"
)

// Builder turns one round of upstream reads into an immutable Snapshot.
type Builder struct {
	source upstream.Source
}

// NewBuilder wires the builder to its upstream source.
func NewBuilder(source upstream.Source) *Builder {
	return &Builder{source: source}
}

// Build fetches hosts, problems, services, and maintenance membership
// concurrently, then assembles the snapshot. Upstream failures surface
// unwrapped enough for the caller to distinguish transient from credential
// errors; retrying is the caller's job.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	var (
		hosts    []upstream.Host
		problems []upstream.Problem
		services []upstream.Service
		maintIDs []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		hosts, err = b.source.Hosts(gctx)
		return err
	})
	g.Go(func() (err error) {
		problems, err = b.source.Problems(gctx)
		return err
	})
	g.Go(func() (err error) {
		services, err = b.source.Services(gctx)
		return err
	})
	g.Go(func() (err error) {
		maintIDs, err = b.source.MaintenanceHostIDs(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: build: %w", err)
	}

	maintenance := make(map[string]struct{}, len(maintIDs))
	for _, id := range maintIDs {
		maintenance[id] = struct{}{}
	}

	snap := &Snapshot{
		Timestamp: time.Now().UTC(),
		Hosts:     make([]Host, 0, len(hosts)),
		Problems:  make([]Problem, 0, len(problems)),
		Services:  make([]Service, 0, len(services)),
	}

	for _, h := range hosts {
		_, inMaintenance := maintenance[h.ID]
		host := Host{
			ID:            h.ID,
			Name:          h.Name,
			Enabled:       h.Enabled,
			Available:     h.Available,
			InMaintenance: inMaintenance,
		}
		snap.Hosts = append(snap.Hosts, host)
		if !host.Enabled {
			continue
		}
		snap.EnabledHosts++
		if host.Available {
			snap.OnlineHosts++
		} else {
			snap.OfflineHosts++
		}
	}

	for _, p := range problems {
		problem := Problem{
			ID:           p.ID,
			Name:         p.Name,
			Severity:     p.Severity,
			RaisedAt:     p.RaisedAt,
			HostIDs:      append([]string(nil), p.HostIDs...),
			Acknowledged: p.Acknowledged,
			Suppressed:   suppressed(p.HostIDs, maintenance),
		}
		snap.Problems = append(snap.Problems, problem)
		if !problem.Suppressed && problem.Severity >= 0 && problem.Severity < len(snap.SeverityCounts) {
			snap.SeverityCounts[problem.Severity]++
		}
	}

	for _, s := range services {
		snap.Services = append(snap.Services, Service{
			ID:             s.ID,
			Name:           s.Name,
			Enabled:        s.Enabled,
			LastFailedStep: s.LastFailedStep,
			Healthy:        s.Enabled && s.LastFailedStep == "0",
		})
	}

	return snap, nil
}

// suppressed reports whether every affected host sits under maintenance. A
// problem with no affected hosts is never suppressed: visibility over silence.
func suppressed(hostIDs []string, maintenance map[string]struct{}) bool {
	if len(hostIDs) == 0 {
		return false
	}
	for _, id := range hostIDs {
		if _, ok := maintenance[id]; !ok {
			return false
		}
	}
	return true
}
