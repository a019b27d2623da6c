package daemon

import (
	"time"

	"github.com/dawsonlp/localport/internal/supervisor"
)

// Exit codes for the daemon process.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitIO       = 2
	ExitTimeout  = 3
	ExitInternal = 4
)

// Selector picks services for a control operation. Precedence: All, then
// Tags, then Services (by name).
type Selector struct {
	Services []string `json:"services,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// ControlResponse carries per-service outcomes of start/stop.
type ControlResponse struct {
	Results []supervisor.Result `json:"results"`
}

// DaemonInfo summarizes the daemon itself in status output.
type DaemonInfo struct {
	PID              int       `json:"pid"`
	Version          string    `json:"version"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	ManagedServices  int       `json:"managed_services"`
	ActiveForwards   int       `json:"active_forwards"`
	HealthMonitoring bool      `json:"health_monitoring"`
}

// StatusResponse is the full status snapshot.
type StatusResponse struct {
	Daemon   DaemonInfo            `json:"daemon"`
	Services []supervisor.Snapshot `json:"services"`
}

// ReloadResponse reports what a configuration reload changed.
type ReloadResponse struct {
	Summary supervisor.ReconcileSummary `json:"summary"`
}

// OrphansResponse lists persisted children without configuration.
type OrphansResponse struct {
	Orphans []supervisor.Orphan `json:"orphans"`
}

// CleanupRequest selects orphans to clean up; empty means all.
type CleanupRequest struct {
	ServiceIDs []string `json:"service_ids,omitempty"`
}

// LogsResponse points at a service's log file.
type LogsResponse struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

// ErrorResponse is returned for failed control requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
