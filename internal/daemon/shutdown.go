package daemon

import (
	"context"
	"time"

	"github.com/dawsonlp/localport/pkg/logging"
	"go.uber.org/zap"
)

// PhaseBudgets are the per-phase deadlines of the shutdown coordinator.
// Their sum bounds total shutdown time.
type PhaseBudgets struct {
	Quiesce time.Duration
	Drain   time.Duration
	Cancel  time.Duration
	Force   time.Duration
}

// DefaultPhaseBudgets sums to 30 seconds.
var DefaultPhaseBudgets = PhaseBudgets{
	Quiesce: 2 * time.Second,
	Drain:   8 * time.Second,
	Cancel:  15 * time.Second,
	Force:   5 * time.Second,
}

// coordinator drives the four-phase shutdown. A second terminate signal or
// two exceeded phase deadlines escalate straight to the force phase.
type coordinator struct {
	daemon    *Daemon
	budgets   PhaseBudgets
	emergency chan struct{}
	log       *zap.SugaredLogger

	exceeded int
}

func newCoordinator(d *Daemon, budgets PhaseBudgets) *coordinator {
	return &coordinator{
		daemon:    d,
		budgets:   budgets,
		emergency: make(chan struct{}),
		log:       logging.For("shutdown"),
	}
}

// escalate forces a jump to the final phase. Safe to call once.
func (c *coordinator) escalate() {
	select {
	case <-c.emergency:
	default:
		close(c.emergency)
	}
}

func (c *coordinator) emergencyRequested() bool {
	select {
	case <-c.emergency:
		return true
	default:
		return false
	}
}

// run executes the shutdown sequence and reports whether any phase
// overran its deadline.
func (c *coordinator) run() bool {
	start := time.Now()
	c.log.Infow("shutdown started")

	c.phase("quiesce", c.budgets.Quiesce, c.quiesce)
	if !c.emergencyRequested() {
		c.phase("drain", c.budgets.Drain, c.drain)
	}
	if !c.emergencyRequested() {
		c.phase("cancel", c.budgets.Cancel, c.cancel)
	}

	// The force phase always runs and never blocks past its budget.
	c.phase("force", c.budgets.Force, c.force)

	timedOut := c.exceeded > 0
	c.log.Infow("shutdown complete",
		"elapsed", time.Since(start),
		"deadlines_exceeded", c.exceeded,
	)
	return timedOut
}

// phase runs fn with a deadline. An overrun abandons the phase goroutine
// and counts toward emergency escalation.
func (c *coordinator) phase(name string, budget time.Duration, fn func(deadline time.Time)) {
	started := time.Now()
	deadline := started.Add(budget)
	done := make(chan struct{})

	go func() {
		defer close(done)
		fn(deadline)
	}()

	select {
	case <-done:
		c.log.Debugf("phase %s finished in %s", name, time.Since(started))
	case <-time.After(budget):
		c.exceeded++
		c.log.Warnw("phase deadline exceeded", "phase", name, "budget", budget)
		if c.exceeded >= 2 {
			c.escalate()
		}
	case <-c.emergency:
		c.log.Warnw("emergency shutdown requested during phase", "phase", name)
	}
}

// quiesce refuses new work.
func (c *coordinator) quiesce(time.Time) {
	c.daemon.sup.SetDraining(true)
	c.daemon.server.setDraining(true)
	c.daemon.setState("draining")
}

// drain lets in-flight probes and pending restarts finish naturally.
func (c *coordinator) drain(deadline time.Time) {
	for time.Now().Before(deadline) {
		busy := false
		for _, info := range c.daemon.registry.List() {
			for _, tag := range info.Tags {
				if tag == "restart" {
					busy = true
				}
			}
		}
		if !busy {
			return
		}
		select {
		case <-c.emergency:
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// cancel tears down cooperative tasks in priority order, then stops every
// child gracefully.
func (c *coordinator) cancel(deadline time.Time) {
	// Leave room inside the phase for the graceful child stop that follows.
	taskDeadline := deadline.Add(-c.daemon.grace)
	if taskDeadline.Before(time.Now()) {
		taskDeadline = deadline
	}
	leaked := c.daemon.registry.CancelAll(taskDeadline)
	if len(leaked) > 0 {
		c.log.Warnw("tasks leaked past cancellation", "tasks", leaked)
	}
	c.daemon.sup.StopAll()
}

// force kills survivors, persists final state, and flushes logs.
func (c *coordinator) force(time.Time) {
	c.daemon.sup.ForceKillAll()

	ctx, cancelCtx := context.WithTimeout(context.Background(), time.Second)
	c.daemon.server.stop(ctx)
	cancelCtx()

	logging.Sync()
}
