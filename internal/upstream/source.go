// Package upstream abstracts the infrastructure-monitoring API the dashboard
// polls. The poller only depends on the Source interface; the Zabbix JSON-RPC
// client is one implementation.
package upstream

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks transient upstream failures the caller may retry.
var ErrUnavailable = errors.New("upstream: unavailable")

// ErrAuthFailed marks credential failures the caller must not retry blindly.
var ErrAuthFailed = errors.New("upstream: authentication failed")

// Host is one monitored host as reported by the upstream source.
type Host struct {
	ID        string
	Name      string
	Enabled   bool
	Available bool
}

// Problem is one open problem with the hosts it affects.
type Problem struct {
	ID           string
	Name         string
	Severity     int
	RaisedAt     time.Time
	HostIDs      []string
	Acknowledged bool
}

// Service is one service check. LastFailedStep "0" means no step failed.
type Service struct {
	ID             string
	Name           string
	Enabled        bool
	LastFailedStep string
}

// Source exposes the four reads the snapshot builder performs. Implementations
// distinguish transient failures (ErrUnavailable) from credential failures
// (ErrAuthFailed) in their returned errors.
type Source interface {
	Hosts(ctx context.Context) ([]Host, error)
	Problems(ctx context.Context) ([]Problem, error)
	Services(ctx context.Context) ([]Service, error)
	MaintenanceHostIDs(ctx context.Context) ([]string, error)
}
