// Package snapshot builds immutable captures of upstream monitoring state and
// derives domain events from successive captures.
package snapshot

import "time"

// Host is one monitored host inside a snapshot.
type Host struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	Available     bool   `json:"available"`
	InMaintenance bool   `json:"inMaintenance"`
}

// Problem is one open problem. Suppressed is true iff the problem affects at
// least one host and every affected host is under maintenance.
type Problem struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Severity     int       `json:"severity"`
	RaisedAt     time.Time `json:"raisedAt"`
	HostIDs      []string  `json:"hostIds"`
	Acknowledged bool      `json:"acknowledged"`
	Suppressed   bool      `json:"suppressed"`
}

// Service is one service check. Healthy means enabled with no failed step.
type Service struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	LastFailedStep string `json:"lastFailedStep"`
	Healthy        bool   `json:"healthy"`
}

// Snapshot is one immutable, timestamped capture of host, problem, and
// service state. The severity histogram covers active problems only.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Hosts     []Host    `json:"hosts"`
	Problems  []Problem `json:"problems"`
	Services  []Service `json:"services"`

	EnabledHosts   int    `json:"enabledHosts"`
	OnlineHosts    int    `json:"onlineHosts"`
	OfflineHosts   int    `json:"offlineHosts"`
	SeverityCounts [6]int `json:"severityCounts"`
}

// ActiveProblems returns the problems that are not suppressed.
func (s *Snapshot) ActiveProblems() []Problem {
	active := make([]Problem, 0, len(s.Problems))
	for _, p := range s.Problems {
		if !p.Suppressed {
			active = append(active, p)
		}
	}
	return active
}

// View is the aggregate the dashboard serves. It is derived from a snapshot
// and safe to serialize concurrently with polling.
type View struct {
	Timestamp       time.Time `json:"timestamp"`
	HostCount       int       `json:"hostCount"`
	EnabledHosts    int       `json:"enabledHosts"`
	OnlineHosts     int       `json:"onlineHosts"`
	OfflineHosts    int       `json:"offlineHosts"`
	ActiveProblems  []Problem `json:"activeProblems"`
	SeverityCounts  [6]int    `json:"severityCounts"`
	Services        []Service `json:"services"`
	FailedServices  int       `json:"failedServices"`
	HealthyServices int       `json:"healthyServices"`
}

// View assembles the dashboard aggregate for the snapshot.
func (s *Snapshot) View() View {
	view := View{
		Timestamp:      s.Timestamp,
		HostCount:      len(s.Hosts),
		EnabledHosts:   s.EnabledHosts,
		OnlineHosts:    s.OnlineHosts,
		OfflineHosts:   s.OfflineHosts,
		ActiveProblems: s.ActiveProblems(),
		SeverityCounts: s.SeverityCounts,
		Services:       s.Services,
	}
	for _, service := range s.Services {
		if service.Healthy {
			view.HealthyServices++
		} else {
			view.FailedServices++
		}
	}
	return view
}
