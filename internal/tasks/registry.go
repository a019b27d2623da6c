// Package tasks tracks the daemon's long-lived cooperative goroutines and
// bridges OS signals into the control loop.
//
// Every periodic loop (health monitors, the log sweeper, the maintenance
// sweep) registers here with a name, a priority, and tags. Shutdown cancels
// tasks in descending priority order and reports any task that fails to
// exit before its deadline as a leak.
package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dawsonlp/localport/pkg/logging"
)

// Priority bands for registered tasks. Higher priorities are cancelled
// first during shutdown.
const (
	PriorityLow    = 10
	PriorityNormal = 20
	PriorityHigh   = 30
)

// Info is a read-only snapshot of one registered task.
type Info struct {
	Name     string
	Priority int
	Tags     []string
	Started  time.Time
}

type task struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the set of live cooperative tasks.
type Registry struct {
	base context.Context

	mu    sync.Mutex
	tasks map[string]*task
}

// NewRegistry creates a registry whose tasks descend from base.
func NewRegistry(base context.Context) *Registry {
	return &Registry{
		base:  base,
		tasks: make(map[string]*task),
	}
}

// Spawn registers and starts a cooperative task. The function must return
// promptly once its context is cancelled. A task name replaces any earlier
// task with the same name after cancelling it.
func (r *Registry) Spawn(name string, priority int, tags []string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(r.base)
	t := &task{
		info: Info{
			Name:     name,
			Priority: priority,
			Tags:     append([]string(nil), tags...),
			Started:  time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if prev, ok := r.tasks[name]; ok {
		prev.cancel()
	}
	r.tasks[name] = t
	r.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			r.mu.Lock()
			if r.tasks[name] == t {
				delete(r.tasks, name)
			}
			r.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// List returns a snapshot of all live tasks.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]Info, 0, len(r.tasks))
	for _, t := range r.tasks {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Cancel cancels the named task if it exists, without waiting.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// CancelByTag cancels every task carrying the given tag, without waiting.
func (r *Registry) CancelByTag(tag string) {
	for _, t := range r.snapshot() {
		for _, have := range t.info.Tags {
			if have == tag {
				t.cancel()
				break
			}
		}
	}
}

// CancelAll cancels every task in descending priority order and waits for
// each to exit until the deadline. It returns the names of tasks that were
// still running when the deadline expired.
func (r *Registry) CancelAll(deadline time.Time) []string {
	all := r.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].info.Priority > all[j].info.Priority })

	for _, t := range all {
		t.cancel()
	}

	var leaked []string
	for _, t := range all {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !isDone(t.done) {
				leaked = append(leaked, t.info.Name)
			}
			continue
		}
		select {
		case <-t.done:
		case <-time.After(remaining):
			leaked = append(leaked, t.info.Name)
		}
	}

	if len(leaked) > 0 {
		logging.For("tasks").Warnf("abandoned %d task(s) at deadline: %v", len(leaked), leaked)
	}
	return leaked
}

func (r *Registry) snapshot() []*task {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		all = append(all, t)
	}
	return all
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
