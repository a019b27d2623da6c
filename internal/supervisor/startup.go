package supervisor

import (
	"fmt"
	"time"

	"github.com/dawsonlp/localport/internal/adapters"
	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/health"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/procutil"
	"github.com/dawsonlp/localport/internal/state"
)

// Orphan describes a persisted child whose id no longer appears in the
// configuration. Orphans are offered for cleanup but never adopted.
type Orphan struct {
	ServiceID string    `json:"service_id"`
	Name      string    `json:"name"`
	PID       int32     `json:"pid"`
	LocalPort int       `json:"local_port"`
	StartedAt time.Time `json:"started_at"`
	Alive     bool      `json:"alive"`
}

// ReconcileStartup reconciles persisted state against the current
// configuration at daemon boot. For each persisted entry:
//
//   - id still configured, PID alive, fingerprint matches what this config
//     would produce: adopt the child into the live table;
//   - PID missing or fingerprint mismatch: discard the entry (never signal
//     a process we cannot prove is ours);
//   - id no longer configured: record as an orphan for explicit cleanup.
func (s *Supervisor) ReconcileStartup(defs []config.ServiceDefinition) {
	byID := make(map[identity.ServiceID]config.ServiceDefinition, len(defs))
	for _, def := range defs {
		byID[identity.ForService(def)] = def
	}

	for _, entry := range s.store.Entries() {
		id, err := identity.Parse(entry.ServiceID)
		if err != nil {
			s.log.Warnw("dropping unparseable state entry", "service_id", entry.ServiceID)
			_ = s.store.Remove(entry.ServiceID)
			continue
		}

		def, configured := byID[id]
		if !configured {
			s.mu.Lock()
			s.orphans[id] = entry
			s.mu.Unlock()
			s.log.Infow("found orphaned forward",
				"service", entry.Name, "pid", entry.PID, "local_port", entry.LocalPort)
			continue
		}

		if !procutil.PidAlive(entry.PID) {
			s.log.Infow("persisted child is gone", "service", entry.Name, "pid", entry.PID)
			_ = s.store.Remove(entry.ServiceID)
			continue
		}

		if !s.fingerprintMatches(def, entry) {
			s.log.Warnw("persisted child does not match configuration, discarding entry",
				"service", entry.Name, "pid", entry.PID)
			_ = s.store.Remove(entry.ServiceID)
			continue
		}

		s.adopt(id, def, entry)
	}
}

// fingerprintMatches verifies both directions: the live process still runs
// the recorded command, and the recorded command is what this config would
// spawn for the id.
func (s *Supervisor) fingerprintMatches(def config.ServiceDefinition, entry state.Entry) bool {
	actual, err := procutil.PidFingerprint(entry.PID)
	if err != nil || actual != entry.ArgvFingerprint {
		return false
	}

	adapter, err := s.adapterFor(def.Technology)
	if err != nil {
		return false
	}
	argv, err := adapter.BuildArgv(def)
	if err != nil {
		return false
	}
	return procutil.Fingerprint(argv) == entry.ArgvFingerprint
}

func (s *Supervisor) adopt(id identity.ServiceID, def config.ServiceDefinition, entry state.Entry) {
	svc := &service{
		id:    id,
		def:   def,
		state: StateRunning,
		handle: adapters.Handle{
			PID:             entry.PID,
			ArgvFingerprint: entry.ArgvFingerprint,
		},
		epoch:        1,
		startedAt:    entry.StartedAt,
		healthStatus: health.Status{State: health.StateUnknown},
		logPath:      entry.LogPath,
	}

	s.mu.Lock()
	s.services[id] = svc
	s.mu.Unlock()

	pid := entry.PID
	pidAlive := func() bool { return procutil.PidAlive(pid) }
	if err := s.monitor.Register(id, def.Name, svc.epoch, def.LocalPort, *def.HealthCheck, pidAlive); err != nil {
		s.log.Warnw("health monitor registration failed for adopted child",
			"service", def.Name, "error", err)
	}
	s.restarts.SetPolicy(id, *def.RestartPolicy)
	if s.cluster != nil && def.Technology == config.TechnologyKubernetes {
		s.cluster.Track(def.Connection.Context)
	}

	s.log.Infow("adopted running forward",
		"service", def.Name, "pid", entry.PID, "local_port", entry.LocalPort)
}

// Orphans lists persisted children that are no longer configured.
func (s *Supervisor) Orphans() []Orphan {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make([]Orphan, 0, len(s.orphans))
	for _, entry := range s.orphans {
		orphans = append(orphans, Orphan{
			ServiceID: entry.ServiceID,
			Name:      entry.Name,
			PID:       entry.PID,
			LocalPort: entry.LocalPort,
			StartedAt: entry.StartedAt,
			Alive:     procutil.PidAlive(entry.PID),
		})
	}
	return orphans
}

// CleanupOrphans terminates the requested orphans (all when ids is empty)
// and drops them from persisted state. An orphan whose process no longer
// matches its recorded fingerprint is dropped without being signalled.
func (s *Supervisor) CleanupOrphans(ids []string) []Result {
	s.mu.Lock()
	targets := make([]state.Entry, 0, len(s.orphans))
	for key, entry := range s.orphans {
		if len(ids) == 0 || containsString(ids, entry.ServiceID) {
			targets = append(targets, entry)
			delete(s.orphans, key)
		}
	}
	s.mu.Unlock()

	results := make([]Result, 0, len(targets))
	for _, entry := range targets {
		id, _ := identity.Parse(entry.ServiceID)
		if procutil.PidAlive(entry.PID) {
			actual, err := procutil.PidFingerprint(entry.PID)
			if err != nil || actual != entry.ArgvFingerprint {
				_ = s.store.Remove(entry.ServiceID)
				results = append(results, failResult(entry.Name, id,
					fmt.Errorf("pid %d no longer matches recorded command, not signalling", entry.PID)))
				continue
			}
			s.terminate(entry.Name, adapters.Handle{PID: entry.PID})
		}
		_ = s.store.Remove(entry.ServiceID)
		results = append(results, okResult(entry.Name, id, "cleaned up"))
		s.log.Infow("cleaned up orphan", "service", entry.Name, "pid", entry.PID)
	}
	return results
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
