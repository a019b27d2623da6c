package supervisor

import (
	"context"
	"time"

	"github.com/dawsonlp/localport/internal/adapters"
	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/health"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/tasks"
)

// onHealthChange is the monitor's callback. It runs on the monitor's
// per-service goroutine; transitions for a stale epoch are dropped.
func (s *Supervisor) onHealthChange(t health.Transition) {
	s.mu.Lock()
	svc, ok := s.services[t.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	svc.mu.Lock()
	if t.Epoch != svc.epoch {
		svc.mu.Unlock()
		s.log.Debugf("dropping stale health callback for %s (epoch %d, live %d)",
			svc.def.Name, t.Epoch, svc.epoch)
		return
	}
	svc.healthStatus = t.Status

	switch t.To {
	case health.StateHealthy:
		svc.healthySince = time.Now()
		if svc.state == StateUnhealthy {
			svc.state = StateRunning
		}
		name := svc.def.Name
		svc.mu.Unlock()
		s.log.Infow("service healthy", "service", name)

	case health.StateUnhealthy:
		if svc.state != StateRunning && svc.state != StateStarting && svc.state != StateUnhealthy {
			svc.mu.Unlock()
			return
		}
		s.handleUnhealthyLocked(svc, t.Status.Detail)
		svc.mu.Unlock()

	default:
		svc.mu.Unlock()
	}
}

// handleUnhealthyLocked applies the restart policy after a service crossed
// its failure threshold. Caller holds svc.mu.
func (s *Supervisor) handleUnhealthyLocked(svc *service, detail string) {
	svc.state = StateUnhealthy
	name := svc.def.Name
	s.log.Warnw("service unhealthy", "service", name, "detail", detail)

	decision := s.restarts.Next(svc.id)
	handle := svc.handle
	// Either path retires this epoch; late probe results must not count.
	svc.epoch++
	svc.handle = adapters.Handle{}
	s.monitor.Deregister(svc.id)

	if !decision.Restart {
		svc.state = StateFailed
		svc.attempts = decision.Attempt
		svc.lastErr = detail
		s.log.Errorw("service failed, restart policy exhausted or disabled",
			"service", name, "attempts", decision.Attempt)
		go func() {
			s.terminate(name, handle)
			_ = s.store.Remove(svc.id.String())
		}()
		return
	}

	svc.state = StateRestarting
	svc.attempts = decision.Attempt
	svc.nextRetryAt = time.Now().Add(decision.Delay)
	s.log.Infow("restarting service",
		"service", name, "attempt", decision.Attempt, "delay", decision.Delay)

	// Kill the old child off the monitor goroutine, then respawn after
	// the backoff delay. The restart task is named per service so two
	// concurrent triggers coalesce into one pending respawn.
	delay := decision.Delay
	id := svc.id
	s.registry.Spawn("restart/"+name, tasks.PriorityHigh, []string{"restart"}, func(ctx context.Context) {
		s.terminate(name, handle)
		_ = s.store.Remove(id.String())

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.respawn(id)
	})
}

// scheduleRespawn queues a respawn without a child to kill first (spawn
// failures). Caller holds svc.mu.
func (s *Supervisor) scheduleRespawn(svc *service, delay time.Duration) {
	id := svc.id
	name := svc.def.Name
	s.registry.Spawn("restart/"+name, tasks.PriorityHigh, []string{"restart"}, func(ctx context.Context) {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.respawn(id)
	})
}

// respawn performs the delayed restart. It is a no-op unless the service
// is still waiting in restarting state, which coalesces duplicate triggers
// and honors stops that arrived during the backoff window.
func (s *Supervisor) respawn(id identity.ServiceID) {
	if s.draining.Load() {
		return
	}
	s.mu.Lock()
	svc, ok := s.services[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.state != StateRestarting {
		return
	}
	if err := s.spawnLocked(svc); err != nil {
		s.log.Warnw("respawn failed", "service", svc.def.Name, "error", err)
	}
}

// OnClusterChange propagates cluster-level health to every service bound
// to the context. The composition rule is documented in DESIGN.md: a
// service is unhealthy when either its local probe or its cluster probe
// says so.
func (s *Supervisor) OnClusterChange(contextName string, healthy bool, detail string) {
	for _, id := range s.liveIDs() {
		s.mu.Lock()
		svc, ok := s.services[id]
		s.mu.Unlock()
		if !ok {
			continue
		}

		svc.mu.Lock()
		match := svc.def.Technology == config.TechnologyKubernetes &&
			svc.def.Connection.Context == contextName
		if !match {
			svc.mu.Unlock()
			continue
		}

		if !healthy {
			if svc.state == StateRunning || svc.state == StateStarting {
				svc.healthStatus = health.Status{
					State:     health.StateUnhealthy,
					CheckedAt: time.Now(),
					Detail:    "cluster: " + detail,
				}
				s.handleUnhealthyLocked(svc, "cluster: "+detail)
			}
			svc.mu.Unlock()
			continue
		}

		// Cluster recovered: lift the cluster verdict where the local
		// probe already reads healthy.
		if svc.state == StateUnhealthy {
			if status, ok := s.monitor.Status(id); ok && status.State == health.StateHealthy {
				svc.state = StateRunning
				svc.healthStatus = status
			}
		}
		svc.mu.Unlock()
	}
}
