package adapters

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/dawsonlp/localport/internal/config"
)

// SSHAdapter spawns `ssh -N -L` tunnel children.
type SSHAdapter struct {
	lookupOnce sync.Once
	binary     string
	lookupErr  error
}

// NewSSHAdapter creates the ssh adapter.
func NewSSHAdapter() *SSHAdapter {
	return &SSHAdapter{}
}

// Technology implements Adapter.
func (a *SSHAdapter) Technology() config.Technology {
	return config.TechnologySSH
}

func (a *SSHAdapter) binaryPath() (string, error) {
	a.lookupOnce.Do(func() {
		a.binary, a.lookupErr = lookPath("ssh")
	})
	if a.lookupErr != nil {
		return "", fmt.Errorf("%w: ssh: %v", ErrToolMissing, a.lookupErr)
	}
	return a.binary, nil
}

// BuildArgv implements Adapter. ExitOnForwardFailure makes the tunnel die
// when the remote bind fails, which the health monitor then observes as a
// dead child. The password, if any, travels via environment only.
func (a *SSHAdapter) BuildArgv(svc config.ServiceDefinition) ([]string, error) {
	binary, err := a.binaryPath()
	if err != nil {
		return nil, err
	}

	argv := []string{
		binary,
		"-N",
		"-L", fmt.Sprintf("%d:localhost:%d", svc.LocalPort, svc.RemotePort),
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=yes",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=30",
	}
	if svc.Connection.PasswordEnv == "" {
		// Key-based auth must never fall back to an interactive prompt.
		argv = append(argv, "-o", "BatchMode=yes")
	}
	if svc.Connection.Port != 0 && svc.Connection.Port != 22 {
		argv = append(argv, "-p", fmt.Sprintf("%d", svc.Connection.Port))
	}
	if svc.Connection.KeyFile != "" {
		argv = append(argv, "-i", svc.Connection.KeyFile)
	}

	dest := svc.Connection.Host
	if svc.Connection.User != "" {
		dest = svc.Connection.User + "@" + dest
	}
	argv = append(argv, dest)
	return argv, nil
}

// Spawn implements Adapter.
func (a *SSHAdapter) Spawn(svc config.ServiceDefinition, logFile *os.File) (Handle, error) {
	argv, err := a.BuildArgv(svc)
	if err != nil {
		return Handle{}, err
	}

	var extraEnv []string
	if envName := svc.Connection.PasswordEnv; envName != "" {
		password, ok := os.LookupEnv(envName)
		if !ok {
			return Handle{}, fmt.Errorf("password environment variable %s is not set", envName)
		}
		askpass, err := exec.LookPath("ssh-askpass")
		if err != nil {
			return Handle{}, fmt.Errorf("%w: ssh-askpass (required for password auth)", ErrToolMissing)
		}
		extraEnv = []string{
			"SSH_ASKPASS=" + askpass,
			"SSH_ASKPASS_REQUIRE=force",
			"LOCALPORT_SSH_PASSWORD=" + password,
		}
	}
	return spawnDetached(argv, extraEnv, logFile)
}
