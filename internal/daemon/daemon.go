// Package daemon wires the supervisor, monitors, task registry, signal
// bridge, and control surface into the long-running localport process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dawsonlp/localport/internal/adapters"
	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/health"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/restart"
	"github.com/dawsonlp/localport/internal/servicelog"
	"github.com/dawsonlp/localport/internal/state"
	"github.com/dawsonlp/localport/internal/supervisor"
	"github.com/dawsonlp/localport/internal/tasks"
	"github.com/dawsonlp/localport/pkg/logging"
	"go.uber.org/zap"
)

const (
	sweepInterval       = 30 * time.Second
	maintenanceInterval = 5 * time.Minute
)

// Daemon is the process root.
type Daemon struct {
	cfgPath string
	version string
	grace   time.Duration
	budgets PhaseBudgets
	log     *zap.SugaredLogger

	mu        sync.Mutex
	cfg       config.Config
	stateStr  string
	startedAt time.Time

	sup      *supervisor.Supervisor
	registry *tasks.Registry
	store    *state.Store
	logs     *servicelog.Manager
	server   *controlServer
	cluster  *health.ClusterMonitor

	cancelTasks context.CancelFunc
	shutdownCh  chan struct{}
	fatalCh     chan error
}

// Options configures daemon construction.
type Options struct {
	ConfigPath  string
	Version     string
	GracePeriod time.Duration
	Budgets     PhaseBudgets
}

// New creates an unstarted daemon.
func New(opts Options) *Daemon {
	budgets := opts.Budgets
	if budgets == (PhaseBudgets{}) {
		budgets = DefaultPhaseBudgets
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = adapters.DefaultGracePeriod
	}
	return &Daemon{
		cfgPath:    opts.ConfigPath,
		version:    opts.Version,
		grace:      grace,
		budgets:    budgets,
		log:        logging.For("daemon"),
		stateStr:   "starting",
		shutdownCh: make(chan struct{}, 1),
		fatalCh:    make(chan error, 1),
	}
}

// Run executes the daemon until shutdown and returns its exit code.
func (d *Daemon) Run() int {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		d.log.Errorw("configuration error", "path", d.cfgPath, "error", err)
		return ExitConfig
	}
	d.cfg = cfg

	if code := d.setup(); code != ExitOK {
		return code
	}
	defer d.cancelTasks()

	d.startedAt = time.Now()
	d.setState("running")
	d.log.Infow("daemon started",
		"version", d.version,
		"config", d.cfgPath,
		"services", len(cfg.Services),
	)

	return d.loop()
}

func (d *Daemon) setup() int {
	statePath, err := config.StatePath()
	if err != nil {
		d.log.Errorw("resolving state path", "error", err)
		return ExitIO
	}
	d.store = state.NewStore(statePath)
	if err := d.store.Load(); err != nil {
		d.log.Errorw("loading persisted state", "error", err)
		return ExitIO
	}

	logDir, err := config.ServiceLogDir()
	if err != nil {
		d.log.Errorw("resolving service log directory", "error", err)
		return ExitIO
	}
	d.logs = servicelog.NewManager(logDir)

	rootCtx, cancel := context.WithCancel(context.Background())
	d.cancelTasks = cancel
	d.registry = tasks.NewRegistry(rootCtx)

	d.sup = supervisor.New(supervisor.Options{
		Restarts:      restart.NewManager(),
		Store:         d.store,
		Logs:          d.logs,
		Registry:      d.registry,
		DaemonVersion: d.version,
		GracePeriod:   d.grace,
	})

	if ch := d.cfg.Defaults.ClusterHealth; ch != nil && ch.IsEnabled() {
		d.cluster = health.NewClusterMonitor(*ch, d.registry, d.sup.OnClusterChange)
		d.sup.AttachClusterMonitor(d.cluster)
	}

	// Adopt surviving children from a previous daemon, then bring up the
	// rest of the configured set.
	d.sup.ReconcileStartup(d.cfg.Services)
	for _, res := range d.sup.Start(enabledServices(d.cfg)) {
		if !res.OK {
			d.log.Warnw("service failed to start", "service", res.Name, "detail", res.Detail)
		}
	}

	d.registry.Spawn("logsweeper", tasks.PriorityLow, []string{"maintenance"}, d.sweepLoop)
	d.registry.Spawn("maintenance", tasks.PriorityLow, []string{"maintenance"}, d.maintenanceLoop)

	socketPath, err := config.SocketPath()
	if err != nil {
		d.log.Errorw("resolving socket path", "error", err)
		return ExitIO
	}
	d.server = newControlServer(d, socketPath)
	if err := d.server.start(); err != nil {
		d.log.Errorw("starting control server", "error", err)
		return ExitIO
	}
	return ExitOK
}

// loop is the daemon's event loop: it reacts to bridged signals, control
// requests, and fatal errors until a shutdown completes.
func (d *Daemon) loop() int {
	bridge := tasks.NewBridge()
	defer bridge.Close()

	for {
		select {
		case kind := <-bridge.Events():
			switch kind {
			case tasks.SignalReload:
				if _, err := d.reload(); err != nil {
					d.log.Errorw("reload failed, keeping previous configuration", "error", err)
				}
			case tasks.SignalShutdown:
				return d.shutdown(bridge)
			}

		case <-d.shutdownCh:
			return d.shutdown(bridge)

		case err := <-d.fatalCh:
			d.log.Errorw("fatal internal error", "error", err)
			d.sup.DumpState()
			d.shutdown(bridge)
			return ExitInternal
		}
	}
}

// shutdown runs the coordinator while watching for further terminate
// signals, which escalate to emergency cleanup.
func (d *Daemon) shutdown(bridge *tasks.Bridge) int {
	d.setState("stopping")
	coord := newCoordinator(d, d.budgets)

	done := make(chan bool, 1)
	go func() { done <- coord.run() }()

	for {
		select {
		case kind := <-bridge.Events():
			if kind == tasks.SignalShutdown {
				d.log.Warnw("second terminate signal, escalating to emergency shutdown")
				coord.escalate()
			}
		case timedOut := <-done:
			if timedOut {
				return ExitTimeout
			}
			return ExitOK
		}
	}
}

// requestShutdown is called from the control surface.
func (d *Daemon) requestShutdown() {
	select {
	case d.shutdownCh <- struct{}{}:
	default:
	}
}

func (d *Daemon) setState(s string) {
	d.mu.Lock()
	d.stateStr = s
	d.mu.Unlock()
}

// reload re-reads the config file and reconciles the live set against it.
func (d *Daemon) reload() (supervisor.ReconcileSummary, error) {
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return supervisor.ReconcileSummary{}, err
	}

	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	summary := d.sup.Reconcile(cfg.Services)
	d.log.Infow("configuration reloaded",
		"started", len(summary.Started),
		"stopped", len(summary.Stopped),
		"updated", len(summary.Updated),
	)
	return summary, nil
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.logs.Sweep(); err != nil {
				d.log.Warnw("log sweep failed", "error", err)
			}
		}
	}
}

func (d *Daemon) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sup.Maintain()
			if err := d.sup.CheckInvariants(); err != nil {
				select {
				case d.fatalCh <- err:
				default:
				}
				return
			}
		}
	}
}

func (d *Daemon) statusSnapshot() StatusResponse {
	d.mu.Lock()
	stateStr := d.stateStr
	startedAt := d.startedAt
	d.mu.Unlock()

	info := DaemonInfo{
		PID:              os.Getpid(),
		Version:          d.version,
		State:            stateStr,
		StartedAt:        startedAt,
		ManagedServices:  d.sup.ManagedCount(),
		ActiveForwards:   d.sup.ActiveCount(),
		HealthMonitoring: true,
	}
	if !startedAt.IsZero() {
		info.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return StatusResponse{
		Daemon:   info,
		Services: d.sup.Status(nil),
	}
}

// startSelected resolves a selector against the configuration and starts
// the matching definitions.
func (d *Daemon) startSelected(sel Selector) ([]supervisor.Result, error) {
	defs, err := d.resolveDefinitions(sel)
	if err != nil {
		return nil, err
	}
	return d.sup.Start(defs), nil
}

// stopSelected resolves a selector against the live table and stops the
// matching ids.
func (d *Daemon) stopSelected(sel Selector) ([]supervisor.Result, error) {
	var ids []identity.ServiceID

	switch {
	case sel.All:
		return d.sup.StopAll(), nil
	case len(sel.Tags) > 0:
		for _, snap := range d.sup.Status(nil) {
			for _, tag := range sel.Tags {
				if containsString(snap.Tags, tag) {
					ids = append(ids, snap.ID)
					break
				}
			}
		}
	case len(sel.Services) > 0:
		for _, name := range sel.Services {
			id, ok := d.sup.Lookup(name)
			if !ok {
				// Unknown to the live table: derive from config so a stop
				// of a never-started service stays a clean no-op.
				def, found := d.findDefinition(name)
				if !found {
					return nil, fmt.Errorf("unknown service %q", name)
				}
				id = identity.ForService(def)
			}
			ids = append(ids, id)
		}
	default:
		return nil, errors.New("selector must name services, tags, or all")
	}

	return d.sup.Stop(ids), nil
}

func (d *Daemon) resolveDefinitions(sel Selector) ([]config.ServiceDefinition, error) {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	switch {
	case sel.All:
		return enabledServices(cfg), nil
	case len(sel.Tags) > 0:
		var defs []config.ServiceDefinition
		for _, def := range cfg.Services {
			for _, tag := range sel.Tags {
				if def.HasTag(tag) {
					defs = append(defs, def)
					break
				}
			}
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("no services match tags %v", sel.Tags)
		}
		return defs, nil
	case len(sel.Services) > 0:
		var defs []config.ServiceDefinition
		for _, name := range sel.Services {
			def, found := d.findDefinition(name)
			if !found {
				return nil, fmt.Errorf("unknown service %q", name)
			}
			defs = append(defs, def)
		}
		return defs, nil
	default:
		return nil, errors.New("selector must name services, tags, or all")
	}
}

func (d *Daemon) findDefinition(name string) (config.ServiceDefinition, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, def := range d.cfg.Services {
		if def.Name == name {
			return def, true
		}
	}
	return config.ServiceDefinition{}, false
}

func enabledServices(cfg config.Config) []config.ServiceDefinition {
	var defs []config.ServiceDefinition
	for _, def := range cfg.Services {
		if def.IsEnabled() {
			defs = append(defs, def)
		}
	}
	return defs
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
