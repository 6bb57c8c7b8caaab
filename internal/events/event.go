// Package events defines the domain events derived from successive snapshots
// and the fan-out hub that delivers them to live subscribers.
package events

import "time"

// Type tags the event variants the differ can emit.
type Type string

const (
	// TypeProblemNew marks a problem that entered the active set.
	TypeProblemNew Type = "problem-new"
	// TypeProblemResolved marks a problem that left the active set. Resolution
	// and suppression are indistinguishable to subscribers; both mean "no
	// longer actionable".
	TypeProblemResolved Type = "problem-resolved"
	// TypeHostStatusChanged marks a host whose availability flipped.
	TypeHostStatusChanged Type = "host-status-changed"
)

// Channel returns the subscription channel the event belongs to.
func (t Type) Channel() string {
	switch t {
	case TypeProblemNew, TypeProblemResolved:
		return "problems"
	case TypeHostStatusChanged:
		return "hosts"
	default:
		return ""
	}
}

// Event is one immutable domain event. Severity is meaningful for problem
// events only.
type Event struct {
	Type         Type      `json:"type"`
	EntityID     string    `json:"entityId"`
	Summary      string    `json:"summary"`
	Severity     int       `json:"severity"`
	Acknowledged bool      `json:"acknowledged"`
	DetectedAt   time.Time `json:"detectedAt"`
}
