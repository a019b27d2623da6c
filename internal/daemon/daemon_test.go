package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsonlp/localport/internal/config"
)

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))

	cfgPath := filepath.Join(dir, "localport.yaml")
	content := `
version: "1.0"
services: []
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))
	return cfgPath
}

func TestDefaultPhaseBudgetsSumWithinBound(t *testing.T) {
	total := DefaultPhaseBudgets.Quiesce +
		DefaultPhaseBudgets.Drain +
		DefaultPhaseBudgets.Cancel +
		DefaultPhaseBudgets.Force
	assert.LessOrEqual(t, total, 30*time.Second)
}

func TestResolveDefinitions(t *testing.T) {
	disabled := false
	d := New(Options{ConfigPath: "unused", Version: "test"})
	d.cfg = config.Resolve(config.Config{
		Services: []config.ServiceDefinition{
			{
				Name: "db", Technology: config.TechnologyKubernetes,
				LocalPort: 5432, RemotePort: 5432,
				Connection: config.Connection{ResourceName: "postgres"},
				Tags:       []string{"database"},
			},
			{
				Name: "cache", Technology: config.TechnologyKubernetes,
				LocalPort: 6379, RemotePort: 6379,
				Connection: config.Connection{ResourceName: "redis"},
				Tags:       []string{"database", "cache"},
			},
			{
				Name: "web", Technology: config.TechnologySSH,
				LocalPort: 8080, RemotePort: 80,
				Connection: config.Connection{Host: "web.example.com"},
				Enabled:    &disabled,
			},
		},
	})

	t.Run("all selects enabled only", func(t *testing.T) {
		defs, err := d.resolveDefinitions(Selector{All: true})
		require.NoError(t, err)
		require.Len(t, defs, 2)
	})

	t.Run("by name includes disabled", func(t *testing.T) {
		defs, err := d.resolveDefinitions(Selector{Services: []string{"web"}})
		require.NoError(t, err)
		require.Len(t, defs, 1)
		assert.Equal(t, "web", defs[0].Name)
	})

	t.Run("by tag", func(t *testing.T) {
		defs, err := d.resolveDefinitions(Selector{Tags: []string{"database"}})
		require.NoError(t, err)
		assert.Len(t, defs, 2)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := d.resolveDefinitions(Selector{Services: []string{"nope"}})
		assert.Error(t, err)
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := d.resolveDefinitions(Selector{Tags: []string{"nope"}})
		assert.Error(t, err)
	})

	t.Run("empty selector", func(t *testing.T) {
		_, err := d.resolveDefinitions(Selector{})
		assert.Error(t, err)
	})
}

func TestConfigErrorExitCode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(dir, "run"))

	cfgPath := filepath.Join(dir, "localport.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("services:\n  - name: x\n    technology: bogus\n    local_port: 1\n    remote_port: 1\n"), 0o644))

	d := New(Options{ConfigPath: cfgPath, Version: "test"})
	assert.Equal(t, ExitConfig, d.Run())
}

func TestControlSurfaceEndToEnd(t *testing.T) {
	cfgPath := testConfig(t)

	d := New(Options{ConfigPath: cfgPath, Version: "test"})
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	d.cfg = cfg

	require.Equal(t, ExitOK, d.setup())
	d.startedAt = time.Now()
	d.setState("running")
	t.Cleanup(d.cancelTasks)

	socketPath, err := config.SocketPath()
	require.NoError(t, err)
	client := NewClient(socketPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Status over the socket.
	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.Daemon.PID)
	assert.Equal(t, "running", status.Daemon.State)
	assert.Empty(t, status.Services)

	// No orphans in a fresh environment.
	orphans, err := client.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans.Orphans)

	// Reload with an unchanged (empty) config is a no-op.
	reload, err := client.Reload(ctx)
	require.NoError(t, err)
	assert.Empty(t, reload.Summary.Started)
	assert.Empty(t, reload.Summary.Stopped)

	// Unknown service names are structured errors, not transport faults.
	_, err = client.Start(ctx, Selector{Services: []string{"ghost"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	// Logs for an unknown service 404s cleanly.
	_, err = client.Logs(ctx, "ghost")
	assert.Error(t, err)

	// Shutdown request lands on the daemon's channel.
	require.NoError(t, client.Shutdown(ctx))
	select {
	case <-d.shutdownCh:
	case <-time.After(time.Second):
		t.Fatal("shutdown request did not reach the daemon")
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutCancel()
	d.server.stop(shutCtx)
}

func TestCoordinatorCompletesWithinBudgets(t *testing.T) {
	cfgPath := testConfig(t)

	d := New(Options{ConfigPath: cfgPath, Version: "test"})
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	d.cfg = cfg
	require.Equal(t, ExitOK, d.setup())
	t.Cleanup(d.cancelTasks)

	coord := newCoordinator(d, PhaseBudgets{
		Quiesce: time.Second,
		Drain:   time.Second,
		Cancel:  2 * time.Second,
		Force:   time.Second,
	})

	start := time.Now()
	timedOut := coord.run()
	elapsed := time.Since(start)

	assert.False(t, timedOut)
	assert.Less(t, elapsed, 5*time.Second, "empty workload shuts down fast")
	assert.Eventually(t, func() bool { return len(d.registry.List()) == 0 },
		time.Second, 20*time.Millisecond, "no cooperative task outlives shutdown")
}

func TestCoordinatorEmergencySkipsToForce(t *testing.T) {
	cfgPath := testConfig(t)

	d := New(Options{ConfigPath: cfgPath, Version: "test"})
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	d.cfg = cfg
	require.Equal(t, ExitOK, d.setup())
	t.Cleanup(d.cancelTasks)

	coord := newCoordinator(d, DefaultPhaseBudgets)
	coord.escalate()

	start := time.Now()
	coord.run()
	assert.Less(t, time.Since(start), DefaultPhaseBudgets.Force+2*time.Second,
		"emergency path skips the drain and cancel budgets")
}
