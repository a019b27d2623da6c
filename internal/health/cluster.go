package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/kube"
	"github.com/dawsonlp/localport/internal/tasks"
	"github.com/dawsonlp/localport/pkg/logging"
)

// ClusterNotifyFunc is told when a tracked cluster context changes health.
type ClusterNotifyFunc func(contextName string, healthy bool, detail string)

// ClusterMonitor watches Kubernetes clusters out-of-band. A forward whose
// local socket still accepts connections can be dead on the cluster side;
// this monitor catches that by querying the API server directly. One loop
// runs per distinct kubeconfig context with kubernetes services bound to it.
type ClusterMonitor struct {
	spec     config.ClusterHealthSpec
	registry *tasks.Registry
	notify   ClusterNotifyFunc
	log      interface {
		Infof(template string, args ...interface{})
		Warnf(template string, args ...interface{})
	}

	mu       sync.Mutex
	refcount map[string]int
	healthy  map[string]bool
}

// NewClusterMonitor creates a cluster monitor with resolved spec defaults.
func NewClusterMonitor(spec config.ClusterHealthSpec, registry *tasks.Registry, notify ClusterNotifyFunc) *ClusterMonitor {
	if spec.Interval == 0 {
		spec.Interval = config.Duration(config.DefaultClusterInterval)
	}
	if spec.Timeout == 0 {
		spec.Timeout = config.Duration(config.DefaultClusterTimeout)
	}
	return &ClusterMonitor{
		spec:     spec,
		registry: registry,
		notify:   notify,
		log:      logging.For("cluster"),
		refcount: make(map[string]int),
		healthy:  make(map[string]bool),
	}
}

// Track starts (or keeps) monitoring a context. Each kubernetes service
// bound to the context holds one reference.
func (c *ClusterMonitor) Track(contextName string) {
	c.mu.Lock()
	c.refcount[contextName]++
	first := c.refcount[contextName] == 1
	c.mu.Unlock()

	if !first {
		return
	}
	c.registry.Spawn(taskNameFor(contextName), tasks.PriorityNormal, []string{"cluster"}, func(ctx context.Context) {
		c.loop(ctx, contextName)
	})
}

// Untrack drops one reference; the loop stops when none remain.
func (c *ClusterMonitor) Untrack(contextName string) {
	c.mu.Lock()
	if c.refcount[contextName] > 0 {
		c.refcount[contextName]--
	}
	last := c.refcount[contextName] == 0
	if last {
		delete(c.refcount, contextName)
		delete(c.healthy, contextName)
	}
	c.mu.Unlock()

	if last {
		c.registry.Cancel(taskNameFor(contextName))
	}
}

// Healthy reports the last observed verdict for a context. Untracked
// contexts report healthy so local probes alone decide.
func (c *ClusterMonitor) Healthy(contextName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	healthy, ok := c.healthy[contextName]
	return !ok || healthy
}

func taskNameFor(contextName string) string {
	if contextName == "" {
		contextName = "current"
	}
	return "cluster/" + contextName
}

func (c *ClusterMonitor) loop(ctx context.Context, contextName string) {
	interval := c.spec.Interval.Std()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, c.spec.Timeout.Std())
		healthy, detail := c.checkOnce(checkCtx, contextName)
		cancel()

		if ctx.Err() != nil {
			return
		}
		c.record(contextName, healthy, detail)

		timer.Reset(interval)
	}
}

func (c *ClusterMonitor) checkOnce(ctx context.Context, contextName string) (bool, string) {
	clientset, err := kube.GetClientsetForContext(contextName)
	if err != nil {
		return false, err.Error()
	}

	version, err := kube.CheckAPIHealth(ctx, clientset)
	if err != nil {
		return false, fmt.Sprintf("api unreachable: %v", err)
	}

	if c.spec.NodeStatus {
		nodes, err := kube.GetNodeStatus(ctx, clientset)
		if err != nil {
			return false, fmt.Sprintf("node status: %v", err)
		}
		if nodes.TotalNodes == 0 {
			return false, "no nodes found in cluster"
		}
		if nodes.ReadyNodes < nodes.TotalNodes {
			return false, fmt.Sprintf("cluster degraded: %d/%d nodes ready", nodes.ReadyNodes, nodes.TotalNodes)
		}
	}
	if c.spec.PodStatus {
		pods, err := kube.GetPodStatus(ctx, clientset, "")
		if err != nil {
			return false, fmt.Sprintf("pod status: %v", err)
		}
		if pods.Failed > 0 && pods.Running == 0 {
			return false, fmt.Sprintf("all pods failing: %d failed, %d running", pods.Failed, pods.Running)
		}
	}
	return true, "api " + version
}

func (c *ClusterMonitor) record(contextName string, healthy bool, detail string) {
	c.mu.Lock()
	prev, seen := c.healthy[contextName]
	c.healthy[contextName] = healthy
	c.mu.Unlock()

	if seen && prev == healthy {
		return
	}
	if healthy {
		c.log.Infof("cluster context %q healthy (%s)", contextName, detail)
	} else {
		c.log.Warnf("cluster context %q unhealthy: %s", contextName, detail)
	}
	if c.notify != nil {
		c.notify(contextName, healthy, detail)
	}
}
