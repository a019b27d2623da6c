package supervisor

import (
	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/identity"
)

// ReconcileSummary reports what a reconcile pass changed.
type ReconcileSummary struct {
	Started []Result `json:"started,omitempty"`
	Stopped []Result `json:"stopped,omitempty"`
	Updated []Result `json:"updated,omitempty"`
}

// Reconcile drives the live table toward the desired definitions.
//
// A service whose identifying fields changed gets a different id, so it
// naturally shows up as one stop (old id) plus one start (new id). A
// running service whose id is unchanged only has non-identifying fields
// to update, which happens in place: the child keeps its PID, probe and
// restart tuning take effect on the next cycle.
func (s *Supervisor) Reconcile(desired []config.ServiceDefinition) ReconcileSummary {
	var summary ReconcileSummary

	desiredByID := make(map[identity.ServiceID]config.ServiceDefinition, len(desired))
	for _, def := range desired {
		if def.IsEnabled() {
			desiredByID[identity.ForService(def)] = def
		}
	}

	// Stop everything that is no longer desired.
	for _, id := range s.liveIDs() {
		if _, want := desiredByID[id]; !want {
			summary.Stopped = append(summary.Stopped, s.stopOne(id, true))
		}
	}

	// Start what is missing, update what is present.
	for id, def := range desiredByID {
		s.mu.Lock()
		svc, live := s.services[id]
		s.mu.Unlock()

		if !live {
			summary.Started = append(summary.Started, s.startOne(def))
			continue
		}

		svc.mu.Lock()
		active := svc.state.active()
		svc.def = def
		localPort := def.LocalPort
		svc.mu.Unlock()

		if !active {
			// Present but down (stopped or failed earlier): a reload is an
			// explicit request to try again.
			summary.Started = append(summary.Started, s.startOne(def))
			continue
		}

		s.restarts.SetPolicy(id, *def.RestartPolicy)
		if err := s.monitor.UpdateSpec(id, localPort, *def.HealthCheck); err != nil {
			summary.Updated = append(summary.Updated, failResult(def.Name, id, err))
			continue
		}
		summary.Updated = append(summary.Updated, okResult(def.Name, id, "updated in place"))
	}

	return summary
}
