package supervisor

import (
	"time"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/health"
	"github.com/dawsonlp/localport/internal/identity"
)

// ServiceState is the supervisor's lifecycle state for one service. It is
// distinct from health: a running service can be probing unhealthy, and
// displays must not conflate the two.
type ServiceState string

const (
	StateStarting   ServiceState = "starting"
	StateRunning    ServiceState = "running"
	StateUnhealthy  ServiceState = "unhealthy"
	StateRestarting ServiceState = "restarting"
	StateStopping   ServiceState = "stopping"
	StateStopped    ServiceState = "stopped"
	StateFailed     ServiceState = "failed"
)

// active reports whether the state implies a child process should exist.
func (s ServiceState) active() bool {
	switch s {
	case StateStarting, StateRunning, StateUnhealthy, StateRestarting:
		return true
	default:
		return false
	}
}

// Snapshot is a read-only view of one managed service.
type Snapshot struct {
	ID              identity.ServiceID `json:"id"`
	Name            string             `json:"name"`
	Technology      config.Technology  `json:"technology"`
	LocalPort       int                `json:"local_port"`
	RemotePort      int                `json:"remote_port"`
	Tags            []string           `json:"tags,omitempty"`
	State           ServiceState       `json:"state"`
	Health          health.State       `json:"health"`
	HealthDetail    string             `json:"health_detail,omitempty"`
	PID             int32              `json:"pid,omitempty"`
	StartedAt       time.Time          `json:"started_at,omitempty"`
	UptimeSeconds   int64              `json:"uptime_seconds,omitempty"`
	RestartAttempts int                `json:"restart_attempts"`
	NextRetryAt     time.Time          `json:"next_retry_at,omitempty"`
	LogPath         string             `json:"log_path,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// Result is the per-service outcome of a control operation.
type Result struct {
	Name   string             `json:"name"`
	ID     identity.ServiceID `json:"id"`
	OK     bool               `json:"ok"`
	Detail string             `json:"detail,omitempty"`
}

func okResult(name string, id identity.ServiceID, detail string) Result {
	return Result{Name: name, ID: id, OK: true, Detail: detail}
}

func failResult(name string, id identity.ServiceID, err error) Result {
	return Result{Name: name, ID: id, Detail: err.Error()}
}
