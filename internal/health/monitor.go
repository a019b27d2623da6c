package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/tasks"
	"github.com/dawsonlp/localport/pkg/logging"
)

// Transition is delivered to the supervisor when a service's health state
// crosses a threshold. Epoch identifies the child generation the probes
// were observing, so the supervisor can drop stale callbacks.
type Transition struct {
	ID     identity.ServiceID
	Epoch  int64
	From   State
	To     State
	Status Status
}

// NotifyFunc receives threshold crossings. It is called from monitor
// goroutines and must not block for long.
type NotifyFunc func(Transition)

// Monitor runs one cooperative probe loop per registered service.
type Monitor struct {
	registry *tasks.Registry
	notify   NotifyFunc
	log      interface {
		Debugf(template string, args ...interface{})
		Warnf(template string, args ...interface{})
	}

	mu      sync.Mutex
	entries map[identity.ServiceID]*entry
}

type entry struct {
	id       identity.ServiceID
	taskName string
	epoch    int64
	pidAlive func() bool
	specCh   chan specUpdate

	mu        sync.Mutex
	spec      config.HealthCheckSpec
	probe     Probe
	state     State
	status    Status
	failures  int
	successes int
}

type specUpdate struct {
	spec  config.HealthCheckSpec
	probe Probe
}

// NewMonitor creates a monitor that spawns its loops in registry and
// reports threshold crossings to notify.
func NewMonitor(registry *tasks.Registry, notify NotifyFunc) *Monitor {
	return &Monitor{
		registry: registry,
		notify:   notify,
		log:      logging.For("health"),
		entries:  make(map[identity.ServiceID]*entry),
	}
}

// Register starts monitoring a service epoch. pidAlive reports whether the
// child is still running; a dead child is an immediate unhealthy verdict
// regardless of thresholds. Registering an id again replaces the previous
// loop.
func (m *Monitor) Register(id identity.ServiceID, name string, epoch int64, localPort int, spec config.HealthCheckSpec, pidAlive func() bool) error {
	probe, err := New(spec, localPort)
	if err != nil {
		return fmt.Errorf("building %s probe for %s: %w", spec.Kind, name, err)
	}

	e := &entry{
		id:       id,
		taskName: "health/" + name,
		epoch:    epoch,
		pidAlive: pidAlive,
		specCh:   make(chan specUpdate, 1),
		spec:     spec,
		probe:    probe,
		state:    StateUnknown,
		status:   Status{State: StateUnknown},
	}

	m.mu.Lock()
	if prev, ok := m.entries[id]; ok {
		m.registry.Cancel(prev.taskName)
	}
	m.entries[id] = e
	m.mu.Unlock()

	m.registry.Spawn(e.taskName, tasks.PriorityNormal, []string{"health"}, func(ctx context.Context) {
		m.loop(ctx, e)
	})
	return nil
}

// Deregister stops monitoring an id. Safe to call for unknown ids.
func (m *Monitor) Deregister(id identity.ServiceID) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if ok {
		m.registry.Cancel(e.taskName)
	}
}

// UpdateSpec applies new probe tuning to a running monitor loop without
// restarting the monitored service. The change takes effect on the next
// cycle.
func (m *Monitor) UpdateSpec(id identity.ServiceID, localPort int, spec config.HealthCheckSpec) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no monitor registered for %s", id)
	}

	probe, err := New(spec, localPort)
	if err != nil {
		return fmt.Errorf("building %s probe: %w", spec.Kind, err)
	}
	// Single-slot channel: a rapid second update supersedes the first.
	select {
	case <-e.specCh:
	default:
	}
	e.specCh <- specUpdate{spec: spec, probe: probe}
	return nil
}

// Status returns the last observed health of an id.
func (m *Monitor) Status(id identity.ServiceID) (Status, bool) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, true
}

func (m *Monitor) loop(ctx context.Context, e *entry) {
	e.mu.Lock()
	interval := e.spec.Interval.Std()
	e.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-e.specCh:
			e.mu.Lock()
			e.spec = update.spec
			e.probe = update.probe
			interval = update.spec.Interval.Std()
			e.mu.Unlock()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
			continue
		case <-timer.C:
		}

		m.check(ctx, e)

		timer.Reset(interval)
	}
}

func (m *Monitor) check(ctx context.Context, e *entry) {
	if e.pidAlive != nil && !e.pidAlive() {
		m.observe(e, fmt.Errorf("child process exited"), true)
		return
	}

	e.mu.Lock()
	probe := e.probe
	timeout := e.spec.Timeout.Std()
	e.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	err := run(probeCtx, probe)
	cancel()

	if ctx.Err() != nil {
		// Shutdown raced the probe; do not count the aborted attempt.
		return
	}
	m.observe(e, err, false)
}

// observe applies threshold semantics and emits a transition on crossing.
// immediate bypasses the failure threshold (dead child).
func (m *Monitor) observe(e *entry, err error, immediate bool) {
	e.mu.Lock()

	now := time.Now()
	prev := e.state
	detail := ""
	if err != nil {
		detail = err.Error()
		e.failures++
		e.successes = 0
	} else {
		e.successes++
		e.failures = 0
	}

	next := prev
	switch {
	case err != nil && (immediate || e.failures >= e.spec.FailureThreshold):
		next = StateUnhealthy
	case err == nil && e.successes >= e.spec.SuccessThreshold:
		next = StateHealthy
	}

	e.state = next
	e.status = Status{State: next, CheckedAt: now, Detail: detail}
	status := e.status
	epoch := e.epoch
	e.mu.Unlock()

	if err != nil {
		m.log.Debugf("probe failed for %s: %v", e.taskName, err)
	}

	if next != prev && m.notify != nil {
		m.notify(Transition{ID: e.id, Epoch: epoch, From: prev, To: next, Status: status})
	}
}
