package snapshot

import (
	"fmt"
	"sort"

	"github.com/zabview/zabview/internal/events"
)

// Diff compares the previous accepted snapshot to the current one and emits
// the ordered event stream: problem-resolved first, then problem-new, then
// host-status-changed, each group ascending by entity id. A nil previous
// snapshot is the first poll and produces no events.
func Diff(previous, current *Snapshot) []events.Event {
	if previous == nil || current == nil {
		return nil
	}

	previousActive := activeByID(previous)
	currentActive := activeByID(current)

	var resolved, opened, hostChanges []events.Event

	for id, problem := range previousActive {
		if _, still := currentActive[id]; still {
			continue
		}
		resolved = append(resolved, events.Event{
			Type:         events.TypeProblemResolved,
			EntityID:     id,
			Summary:      fmt.Sprintf("problem resolved: %s", problem.Name),
			Severity:     problem.Severity,
			Acknowledged: problem.Acknowledged,
			DetectedAt:   current.Timestamp,
		})
	}

	for id, problem := range currentActive {
		if _, existed := previousActive[id]; existed {
			continue
		}
		opened = append(opened, events.Event{
			Type:         events.TypeProblemNew,
			EntityID:     id,
			Summary:      fmt.Sprintf("new problem: %s (severity %d)", problem.Name, problem.Severity),
			Severity:     problem.Severity,
			Acknowledged: problem.Acknowledged,
			DetectedAt:   current.Timestamp,
		})
	}

	previousHosts := make(map[string]Host, len(previous.Hosts))
	for _, host := range previous.Hosts {
		previousHosts[host.ID] = host
	}
	for _, host := range current.Hosts {
		before, known := previousHosts[host.ID]
		if !known || before.Available == host.Available {
			continue
		}
		direction := "online"
		if !host.Available {
			direction = "offline"
		}
		hostChanges = append(hostChanges, events.Event{
			Type:       events.TypeHostStatusChanged,
			EntityID:   host.ID,
			Summary:    fmt.Sprintf("host %s went %s", host.Name, direction),
			DetectedAt: current.Timestamp,
		})
	}

	sortByEntityID(resolved)
	sortByEntityID(opened)
	sortByEntityID(hostChanges)

	out := make([]events.Event, 0, len(resolved)+len(opened)+len(hostChanges))
	out = append(out, resolved...)
	out = append(out, opened...)
	out = append(out, hostChanges...)
	return out
}

func activeByID(snap *Snapshot) map[string]Problem {
	active := make(map[string]Problem, len(snap.Problems))
	for _, problem := range snap.Problems {
		if !problem.Suppressed {
			active[problem.ID] = problem
		}
	}
	return active
}

func sortByEntityID(list []events.Event) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].EntityID < list[j].EntityID
	})
}
