package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/identity"
	"github.com/dawsonlp/localport/internal/tasks"
)

func testSpec(interval time.Duration, failures, successes int) config.HealthCheckSpec {
	return config.HealthCheckSpec{
		Kind:             config.ProbeTCP,
		Interval:         config.Duration(interval),
		Timeout:          config.Duration(500 * time.Millisecond),
		FailureThreshold: failures,
		SuccessThreshold: successes,
	}
}

func testMonitor(t *testing.T) (*Monitor, chan Transition) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	registry := tasks.NewRegistry(ctx)

	transitions := make(chan Transition, 16)
	m := NewMonitor(registry, func(tr Transition) { transitions <- tr })
	return m, transitions
}

func waitTransition(t *testing.T, ch chan Transition, timeout time.Duration) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(timeout):
		t.Fatal("timed out waiting for health transition")
		return Transition{}
	}
}

func TestMonitorReportsHealthy(t *testing.T) {
	_, port := listen(t)
	m, transitions := testMonitor(t)

	id := identity.ServiceID{1}
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 3, 1), nil))

	tr := waitTransition(t, transitions, 3*time.Second)
	assert.Equal(t, StateUnknown, tr.From)
	assert.Equal(t, StateHealthy, tr.To)
	assert.Equal(t, int64(1), tr.Epoch)

	status, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, StateHealthy, status.State)
}

func TestMonitorFailureThreshold(t *testing.T) {
	l, port := listen(t)
	l.Close()
	m, transitions := testMonitor(t)

	id := identity.ServiceID{2}
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 3, 1), nil))

	tr := waitTransition(t, transitions, 3*time.Second)
	assert.Equal(t, StateUnhealthy, tr.To)
	assert.NotEmpty(t, tr.Status.Detail)
}

func TestMonitorSingleFailureThreshold(t *testing.T) {
	l, port := listen(t)
	l.Close()
	m, transitions := testMonitor(t)

	id := identity.ServiceID{3}
	start := time.Now()
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 1, 1), nil))

	tr := waitTransition(t, transitions, 2*time.Second)
	assert.Equal(t, StateUnhealthy, tr.To)
	// One failed probe is enough; no need to accumulate three cycles.
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitorRecovery(t *testing.T) {
	l, port := listen(t)
	addr := l.Addr().String()
	l.Close()
	m, transitions := testMonitor(t)

	id := identity.ServiceID{4}
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 1, 2), nil))

	tr := waitTransition(t, transitions, 2*time.Second)
	require.Equal(t, StateUnhealthy, tr.To)

	// Bring the endpoint back; two consecutive successes flip it healthy.
	l2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer l2.Close()

	tr = waitTransition(t, transitions, 3*time.Second)
	assert.Equal(t, StateUnhealthy, tr.From)
	assert.Equal(t, StateHealthy, tr.To)
}

func TestMonitorDeadChildIsImmediatelyUnhealthy(t *testing.T) {
	_, port := listen(t)
	m, transitions := testMonitor(t)

	// The local socket is fine, but the child is gone: the threshold is
	// bypassed entirely.
	id := identity.ServiceID{5}
	require.NoError(t, m.Register(id, "db", 1, port,
		testSpec(20*time.Millisecond, 5, 1),
		func() bool { return false },
	))

	tr := waitTransition(t, transitions, 2*time.Second)
	assert.Equal(t, StateUnhealthy, tr.To)
	assert.Contains(t, tr.Status.Detail, "exited")
}

func TestMonitorDeregisterStopsLoop(t *testing.T) {
	_, port := listen(t)
	m, transitions := testMonitor(t)

	id := identity.ServiceID{6}
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 3, 1), nil))
	waitTransition(t, transitions, 2*time.Second)

	m.Deregister(id)
	_, ok := m.Status(id)
	assert.False(t, ok)

	// No further transitions arrive after deregistration.
	drained := false
	for !drained {
		select {
		case <-transitions:
		default:
			drained = true
		}
	}
	select {
	case tr := <-transitions:
		t.Fatalf("unexpected transition after deregister: %+v", tr)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMonitorUpdateSpec(t *testing.T) {
	_, port := listen(t)
	m, transitions := testMonitor(t)

	id := identity.ServiceID{7}
	require.NoError(t, m.Register(id, "db", 1, port, testSpec(20*time.Millisecond, 3, 1), nil))
	waitTransition(t, transitions, 2*time.Second)

	// Stretch the interval far out; the loop keeps running with the new
	// cadence instead of restarting the service.
	require.NoError(t, m.UpdateSpec(id, port, testSpec(time.Hour, 3, 1)))

	_, ok := m.Status(id)
	assert.True(t, ok)
}

func TestMonitorUpdateSpecUnknownID(t *testing.T) {
	m, _ := testMonitor(t)
	err := m.UpdateSpec(identity.ServiceID{9}, 1234, testSpec(time.Second, 1, 1))
	assert.Error(t, err)
}
