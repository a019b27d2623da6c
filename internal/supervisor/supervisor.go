// Package supervisor owns the lifecycle of every managed forward: spawning
// through the adapters, health registration, restart policy, reconciliation
// against configuration, and teardown.
//
// The live table has a single writer discipline: all state transitions for
// one service happen under its per-service mutex, and the table itself is
// guarded separately. Health callbacks carrying a stale epoch are dropped.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dawsonlp/localport/internal/adapters"
	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/health"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/procutil"
	"github.com/dawsonlp/localport/internal/restart"
	"github.com/dawsonlp/localport/internal/servicelog"
	"github.com/dawsonlp/localport/internal/state"
	"github.com/dawsonlp/localport/internal/tasks"
	"github.com/dawsonlp/localport/pkg/logging"
	"go.uber.org/zap"
)

var (
	// ErrDraining rejects starts during shutdown.
	ErrDraining = errors.New("daemon is draining")
	// ErrPortConflict marks a local port held by a process that is not ours.
	ErrPortConflict = errors.New("local port in use by external process")
	// ErrInvariant marks an internal consistency violation. It is fatal to
	// the daemon.
	ErrInvariant = errors.New("internal invariant violation")
)

// service is the supervisor's live record for one id. Only the supervisor
// mutates it, always under mu.
type service struct {
	mu sync.Mutex

	id     identity.ServiceID
	def    config.ServiceDefinition
	state  ServiceState
	handle adapters.Handle
	epoch  int64

	startedAt    time.Time
	healthStatus health.Status
	healthySince time.Time
	attempts     int
	nextRetryAt  time.Time
	logPath      string
	lastErr      string
}

// Supervisor is the daemon's control plane for forwards.
type Supervisor struct {
	monitor  *health.Monitor
	cluster  *health.ClusterMonitor
	restarts   *restart.Manager
	store      *state.Store
	logs       *servicelog.Manager
	registry   *tasks.Registry
	adapterFor func(config.Technology) (adapters.Adapter, error)
	version    string
	grace      time.Duration
	log        *zap.SugaredLogger

	draining atomic.Bool

	mu       sync.Mutex
	services map[identity.ServiceID]*service
	orphans  map[identity.ServiceID]state.Entry
}

// Options collects the supervisor's collaborators.
type Options struct {
	Restarts      *restart.Manager
	Store         *state.Store
	Logs          *servicelog.Manager
	Registry      *tasks.Registry
	DaemonVersion string
	GracePeriod   time.Duration

	// AdapterFactory overrides adapter construction in tests.
	AdapterFactory func(config.Technology) (adapters.Adapter, error)
}

// New wires a supervisor. The health monitor is created here so its
// callback lands on this supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		restarts:   opts.Restarts,
		store:      opts.Store,
		logs:       opts.Logs,
		registry:   opts.Registry,
		adapterFor: opts.AdapterFactory,
		version:    opts.DaemonVersion,
		grace:      opts.GracePeriod,
		log:        logging.For("supervisor"),
		services:   make(map[identity.ServiceID]*service),
		orphans:    make(map[identity.ServiceID]state.Entry),
	}
	if s.grace <= 0 {
		s.grace = adapters.DefaultGracePeriod
	}
	if s.adapterFor == nil {
		s.adapterFor = adapters.ForTechnology
	}
	s.monitor = health.NewMonitor(opts.Registry, s.onHealthChange)
	return s
}

// Monitor exposes the health monitor for spec updates during reconcile.
func (s *Supervisor) Monitor() *health.Monitor { return s.monitor }

// AttachClusterMonitor installs the optional cluster-health monitor.
func (s *Supervisor) AttachClusterMonitor(cm *health.ClusterMonitor) {
	s.cluster = cm
}

// SetDraining flips the drain flag; once set, Start refuses new work.
func (s *Supervisor) SetDraining(v bool) {
	s.draining.Store(v)
}

// Start spawns the given service definitions. One failure never prevents
// the others from starting.
func (s *Supervisor) Start(defs []config.ServiceDefinition) []Result {
	results := make([]Result, 0, len(defs))
	for _, def := range defs {
		results = append(results, s.startOne(def))
	}
	return results
}

func (s *Supervisor) startOne(def config.ServiceDefinition) Result {
	id := identity.ForService(def)

	if s.draining.Load() {
		return failResult(def.Name, id, ErrDraining)
	}

	s.mu.Lock()
	svc, exists := s.services[id]
	if !exists {
		svc = &service{id: id, def: def, state: StateStopped}
		s.services[id] = svc
	}
	s.mu.Unlock()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.state.active() {
		if procutil.PidAlive(svc.handle.PID) {
			return okResult(def.Name, id, "already running")
		}
		// Recorded as running but the child is gone; fall through and
		// respawn under a fresh epoch.
		s.log.Warnw("recorded child is dead, respawning", "service", def.Name, "pid", svc.handle.PID)
	}

	svc.def = def
	if err := s.spawnLocked(svc); err != nil {
		return failResult(def.Name, id, err)
	}
	return okResult(def.Name, id, fmt.Sprintf("started pid %d", svc.handle.PID))
}

// spawnLocked performs one spawn attempt for svc, which must be held.
// On success the service is running, monitored, and persisted.
func (s *Supervisor) spawnLocked(svc *service) error {
	def := svc.def

	// Never start on top of a foreign listener. Our own recorded child on
	// this port is fine (restart path kills it first).
	if err := s.checkPortConflict(svc); err != nil {
		svc.state = StateFailed
		svc.lastErr = err.Error()
		return err
	}

	adapter, err := s.adapterFor(def.Technology)
	if err != nil {
		svc.state = StateFailed
		svc.lastErr = err.Error()
		return err
	}

	svc.state = StateStarting
	svc.epoch++
	epoch := svc.epoch

	hdr := servicelog.Header{
		ServiceID:     svc.id.String(),
		ServiceName:   def.Name,
		Technology:    string(def.Technology),
		LocalPort:     def.LocalPort,
		RemotePort:    def.RemotePort,
		Connection:    connectionSummary(def),
		DaemonVersion: s.version,
	}
	logFile, logPath, err := s.logs.OpenEpoch(def.Name, identity.Short(svc.id), hdr)
	if err != nil {
		svc.state = StateFailed
		svc.lastErr = err.Error()
		return err
	}
	svc.logPath = logPath

	handle, err := adapter.Spawn(def, logFile)
	if err != nil {
		logFile.Close()
		return s.spawnFailedLocked(svc, err)
	}

	// Record the child PID in the epoch header, then drop our descriptor
	// so the child fully detaches.
	fmt.Fprintf(logFile, "# pid: %d\n", handle.PID)
	logFile.Close()

	svc.handle = handle
	svc.startedAt = time.Now()
	svc.state = StateRunning
	svc.healthStatus = health.Status{State: health.StateUnknown}
	svc.lastErr = ""
	svc.nextRetryAt = time.Time{}

	pid := handle.PID
	pidAlive := func() bool { return procutil.PidAlive(pid) }
	if err := s.monitor.Register(svc.id, def.Name, epoch, def.LocalPort, *def.HealthCheck, pidAlive); err != nil {
		s.log.Warnw("health monitor registration failed", "service", def.Name, "error", err)
	}
	s.restarts.SetPolicy(svc.id, *def.RestartPolicy)
	if s.cluster != nil && def.Technology == config.TechnologyKubernetes {
		s.cluster.Track(def.Connection.Context)
	}

	if err := s.store.Put(state.Entry{
		ServiceID:       svc.id.String(),
		Name:            def.Name,
		PID:             handle.PID,
		Technology:      string(def.Technology),
		LocalPort:       def.LocalPort,
		StartedAt:       svc.startedAt,
		ArgvFingerprint: handle.ArgvFingerprint,
		LogPath:         logPath,
	}); err != nil {
		s.log.Errorw("persisting state failed", "service", def.Name, "error", err)
	}

	s.log.Infow("service started",
		"service", def.Name,
		"pid", handle.PID,
		"local_port", def.LocalPort,
		"remote_port", def.RemotePort,
	)
	return nil
}

// spawnFailedLocked classifies a spawn error: configuration and missing
// tool errors are terminal, transient errors consume one restart attempt.
func (s *Supervisor) spawnFailedLocked(svc *service, spawnErr error) error {
	svc.lastErr = spawnErr.Error()

	if errors.Is(spawnErr, adapters.ErrToolMissing) || errors.Is(spawnErr, config.ErrInvalidConfig) {
		svc.state = StateFailed
		s.log.Errorw("service failed permanently", "service", svc.def.Name, "error", spawnErr)
		return spawnErr
	}

	// The policy is normally registered after a successful spawn; register
	// it here too so a first-spawn failure is counted against it.
	s.restarts.SetPolicy(svc.id, *svc.def.RestartPolicy)
	decision := s.restarts.Next(svc.id)
	if !decision.Restart {
		svc.state = StateFailed
		s.log.Errorw("service failed, restart attempts exhausted",
			"service", svc.def.Name, "attempts", decision.Attempt, "error", spawnErr)
		return spawnErr
	}

	svc.state = StateRestarting
	svc.attempts = decision.Attempt
	svc.nextRetryAt = time.Now().Add(decision.Delay)
	s.scheduleRespawn(svc, decision.Delay)
	s.log.Warnw("spawn failed, retrying",
		"service", svc.def.Name, "attempt", decision.Attempt, "delay", decision.Delay, "error", spawnErr)
	return fmt.Errorf("spawn failed (retry %d scheduled in %s): %w", decision.Attempt, decision.Delay, spawnErr)
}

func (s *Supervisor) checkPortConflict(svc *service) error {
	holder, err := procutil.ListeningPID(svc.def.LocalPort)
	if err != nil {
		// Inability to inspect sockets must not block startup; the spawn
		// itself will surface a bind failure.
		s.log.Debugf("port inspection failed for %d: %v", svc.def.LocalPort, err)
		return nil
	}
	if holder == nil {
		return nil
	}
	if holder.PID == svc.handle.PID && svc.handle.PID != 0 {
		return nil
	}
	if entry, ok := s.store.Get(svc.id.String()); ok && entry.PID == holder.PID {
		return nil
	}
	return fmt.Errorf("%w: port %d held by pid %d (%s)",
		ErrPortConflict, svc.def.LocalPort, holder.PID, holder.Command)
}

// Stop terminates the given ids. Stopping a stopped or unknown service
// succeeds without side effects.
func (s *Supervisor) Stop(ids []identity.ServiceID) []Result {
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.stopOne(id, true))
	}
	return results
}

// StopAll terminates every active service.
func (s *Supervisor) StopAll() []Result {
	var results []Result
	for _, id := range s.liveIDs() {
		results = append(results, s.stopOne(id, true))
	}
	return results
}

func (s *Supervisor) liveIDs() []identity.ServiceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]identity.ServiceID, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	return ids
}

// stopOne drives one service to stopped. When remove is true the record
// is also dropped from the live table.
func (s *Supervisor) stopOne(id identity.ServiceID, remove bool) Result {
	s.mu.Lock()
	svc, ok := s.services[id]
	s.mu.Unlock()
	if !ok {
		return okResult("", id, "not running")
	}

	svc.mu.Lock()
	name := svc.def.Name

	if !svc.state.active() {
		svc.mu.Unlock()
		if remove {
			s.forget(id)
		}
		return okResult(name, id, "already stopped")
	}

	svc.state = StateStopping
	// Invalidate in-flight health callbacks for the dying epoch.
	svc.epoch++
	handle := svc.handle
	svc.mu.Unlock()

	s.monitor.Deregister(id)
	s.terminate(name, handle)

	svc.mu.Lock()
	svc.state = StateStopped
	svc.handle = adapters.Handle{}
	svc.mu.Unlock()

	if err := s.store.Remove(id.String()); err != nil {
		s.log.Errorw("removing persisted entry failed", "service", name, "error", err)
	}
	if remove {
		s.forget(id)
	}

	s.log.Infow("service stopped", "service", name, "pid", handle.PID)
	return okResult(name, id, "stopped")
}

// terminate delivers the graceful signal and escalates to SIGKILL after
// the grace window.
func (s *Supervisor) terminate(name string, handle adapters.Handle) {
	if handle.PID == 0 {
		return
	}
	if err := adapters.GracefulStop(handle); err != nil {
		s.log.Debugf("graceful stop of %s (pid %d): %v", name, handle.PID, err)
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		if !procutil.PidAlive(handle.PID) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if procutil.PidAlive(handle.PID) {
		s.log.Warnw("child survived grace period, killing", "service", name, "pid", handle.PID)
		_ = adapters.ForceStop(handle)
	}
}

// forget removes every trace of a service from the control plane.
func (s *Supervisor) forget(id identity.ServiceID) {
	s.mu.Lock()
	svc, ok := s.services[id]
	if ok {
		delete(s.services, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.monitor.Deregister(id)
	s.restarts.Remove(id)
	s.registry.Cancel("restart/" + svc.def.Name)
	if s.cluster != nil && svc.def.Technology == config.TechnologyKubernetes {
		s.cluster.Untrack(svc.def.Connection.Context)
	}
}

// Status snapshots all services, or only the requested ids.
func (s *Supervisor) Status(ids []identity.ServiceID) []Snapshot {
	var targets []*service
	s.mu.Lock()
	if len(ids) == 0 {
		targets = make([]*service, 0, len(s.services))
		for _, svc := range s.services {
			targets = append(targets, svc)
		}
	} else {
		for _, id := range ids {
			if svc, ok := s.services[id]; ok {
				targets = append(targets, svc)
			}
		}
	}
	s.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(targets))
	for _, svc := range targets {
		snapshots = append(snapshots, s.snapshot(svc))
	}
	return snapshots
}

func (s *Supervisor) snapshot(svc *service) Snapshot {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	snap := Snapshot{
		ID:              svc.id,
		Name:            svc.def.Name,
		Technology:      svc.def.Technology,
		LocalPort:       svc.def.LocalPort,
		RemotePort:      svc.def.RemotePort,
		Tags:            svc.def.Tags,
		State:           svc.state,
		Health:          svc.healthStatus.State,
		HealthDetail:    svc.healthStatus.Detail,
		RestartAttempts: svc.attempts,
		NextRetryAt:     svc.nextRetryAt,
		LogPath:         svc.logPath,
		Error:           svc.lastErr,
	}
	if svc.state.active() {
		snap.PID = svc.handle.PID
		snap.StartedAt = svc.startedAt
		if !svc.startedAt.IsZero() {
			snap.UptimeSeconds = int64(time.Since(svc.startedAt).Seconds())
		}
	}
	return snap
}

// ActiveCount reports how many services currently hold a child.
func (s *Supervisor) ActiveCount() int {
	count := 0
	for _, snap := range s.Status(nil) {
		if snap.State.active() {
			count++
		}
	}
	return count
}

// ManagedCount reports the size of the live table.
func (s *Supervisor) ManagedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.services)
}

// LogPath returns the service log path for an id.
func (s *Supervisor) LogPath(id identity.ServiceID) (string, bool) {
	s.mu.Lock()
	svc, ok := s.services[id]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.logPath, svc.logPath != ""
}

// Lookup resolves a service name to its live id.
func (s *Supervisor) Lookup(name string) (identity.ServiceID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, svc := range s.services {
		if svc.def.Name == name {
			return id, true
		}
	}
	return identity.ServiceID{}, false
}

// ForceKillAll kills every surviving child without grace. Phase 4 of
// shutdown calls this after the graceful pass.
func (s *Supervisor) ForceKillAll() {
	for _, id := range s.liveIDs() {
		s.mu.Lock()
		svc, ok := s.services[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		svc.mu.Lock()
		handle := svc.handle
		name := svc.def.Name
		if svc.state.active() {
			svc.state = StateStopped
		}
		svc.handle = adapters.Handle{}
		svc.mu.Unlock()

		if handle.PID != 0 && procutil.PidAlive(handle.PID) {
			s.log.Warnw("force-killing child", "service", name, "pid", handle.PID)
			_ = adapters.ForceStop(handle)
		}
		_ = s.store.Remove(id.String())
	}
}

// CheckInvariants verifies table consistency. A violation is fatal; the
// daemon dumps state and exits non-zero.
func (s *Supervisor) CheckInvariants() error {
	seenPorts := make(map[int]string)
	for _, snap := range s.Status(nil) {
		if !snap.State.active() {
			continue
		}
		if prev, dup := seenPorts[snap.LocalPort]; dup {
			return fmt.Errorf("%w: services %q and %q both active on port %d",
				ErrInvariant, prev, snap.Name, snap.LocalPort)
		}
		seenPorts[snap.LocalPort] = snap.Name
	}
	return nil
}

// Maintain runs one maintenance pass: reap dead children into the restart
// path and reset attempt counters after sustained health. Registered as a
// periodic cooperative task by the daemon.
func (s *Supervisor) Maintain() {
	for _, id := range s.liveIDs() {
		s.mu.Lock()
		svc, ok := s.services[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		svc.mu.Lock()
		if (svc.state == StateRunning || svc.state == StateUnhealthy) &&
			svc.handle.PID != 0 && !procutil.PidAlive(svc.handle.PID) {
			s.handleUnhealthyLocked(svc, "child process exited")
		}
		healthySince := svc.healthySince
		healthy := svc.state == StateRunning && svc.healthStatus.State == health.StateHealthy
		svc.mu.Unlock()

		if healthy && !healthySince.IsZero() {
			s.restarts.MaybeReset(id, healthySince)
		}
	}
}

func connectionSummary(def config.ServiceDefinition) string {
	switch def.Technology {
	case config.TechnologyKubernetes:
		target := def.Connection.ResourceKind + "/" + def.Connection.ResourceName
		if ns := def.Connection.Namespace; ns != "" {
			target += " -n " + ns
		}
		if ctx := def.Connection.Context; ctx != "" {
			target += " @" + ctx
		}
		return target
	case config.TechnologySSH:
		dest := def.Connection.Host
		if def.Connection.User != "" {
			dest = def.Connection.User + "@" + dest
		}
		return fmt.Sprintf("%s:%d", dest, def.Connection.Port)
	default:
		return string(def.Technology)
	}
}

// DumpState writes a full table dump to the daemon log, used when an
// invariant violation forces the daemon down.
func (s *Supervisor) DumpState() {
	for _, snap := range s.Status(nil) {
		s.log.Errorw("state dump",
			"service", snap.Name,
			"id", snap.ID.String(),
			"state", string(snap.State),
			"health", string(snap.Health),
			"pid", snap.PID,
			"local_port", snap.LocalPort,
		)
	}
	fmt.Fprintln(os.Stderr, "state dumped to daemon log")
}
