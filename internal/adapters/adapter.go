// Package adapters spawns and signals the external forwarder processes.
//
// Children are started in their own session with stdin from /dev/null and
// stdout/stderr bound to the service log file, so they keep running if the
// daemon dies unexpectedly but remain killable through their process group
// on the orderly shutdown path. The parent keeps no pipes to the child;
// only the PID and an argv fingerprint are retained.
package adapters

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/procutil"
)

// ErrToolMissing marks a forwarder binary that is not on PATH. Spawn
// failures of this kind are configuration errors and are never retried.
var ErrToolMissing = errors.New("forwarder binary not found")

// For mocking in tests
var lookPath = exec.LookPath

// DefaultGracePeriod is how long graceful termination may take before the
// supervisor escalates to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Handle identifies a spawned child.
type Handle struct {
	PID             int32
	ArgvFingerprint string
}

// Adapter builds and spawns forwarder processes for one technology.
type Adapter interface {
	Technology() config.Technology

	// BuildArgv constructs the complete command line, argv[0] included.
	// Secrets never appear in the result.
	BuildArgv(svc config.ServiceDefinition) ([]string, error)

	// Spawn starts the forwarder with stdio bound to logFile. The caller
	// closes logFile after Spawn returns.
	Spawn(svc config.ServiceDefinition, logFile *os.File) (Handle, error)
}

// ForTechnology returns the adapter for a technology tag.
func ForTechnology(t config.Technology) (Adapter, error) {
	switch t {
	case config.TechnologyKubernetes:
		return NewKubectlAdapter(), nil
	case config.TechnologySSH:
		return NewSSHAdapter(), nil
	default:
		return nil, fmt.Errorf("no adapter for technology %q", t)
	}
}

// GracefulStop signals the child's process group to terminate.
func GracefulStop(h Handle) error {
	return procutil.TerminateGroup(h.PID)
}

// ForceStop kills the child's process group outright.
func ForceStop(h Handle) error {
	return procutil.KillGroup(h.PID)
}

// spawnDetached runs argv as a session leader with stdio redirected to the
// service log. A reaper goroutine collects the exit status so finished
// children do not linger as zombies.
func spawnDetached(argv []string, extraEnv []string, logFile *os.File) (Handle, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return Handle{}, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = devnull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	go func() { _ = cmd.Wait() }()

	return Handle{
		PID:             int32(cmd.Process.Pid),
		ArgvFingerprint: procutil.Fingerprint(argv),
	}, nil
}
