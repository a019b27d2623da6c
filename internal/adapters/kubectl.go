package adapters

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dawsonlp/localport/internal/config"
)

// KubectlAdapter spawns `kubectl port-forward` children.
type KubectlAdapter struct {
	lookupOnce sync.Once
	binary     string
	lookupErr  error
}

// NewKubectlAdapter creates the kubernetes adapter.
func NewKubectlAdapter() *KubectlAdapter {
	return &KubectlAdapter{}
}

// Technology implements Adapter.
func (a *KubectlAdapter) Technology() config.Technology {
	return config.TechnologyKubernetes
}

func (a *KubectlAdapter) binaryPath() (string, error) {
	a.lookupOnce.Do(func() {
		a.binary, a.lookupErr = lookPath("kubectl")
	})
	if a.lookupErr != nil {
		return "", fmt.Errorf("%w: kubectl: %v", ErrToolMissing, a.lookupErr)
	}
	return a.binary, nil
}

// BuildArgv implements Adapter.
func (a *KubectlAdapter) BuildArgv(svc config.ServiceDefinition) ([]string, error) {
	binary, err := a.binaryPath()
	if err != nil {
		return nil, err
	}

	argv := []string{binary, "port-forward"}
	if svc.Connection.Context != "" {
		argv = append(argv, "--context", svc.Connection.Context)
	}
	if svc.Connection.Namespace != "" {
		argv = append(argv, "--namespace", svc.Connection.Namespace)
	}

	target := svc.Connection.ResourceName
	kind := svc.Connection.ResourceKind
	if kind != "" && !strings.Contains(target, "/") {
		target = kind + "/" + target
	}
	argv = append(argv, target, fmt.Sprintf("%d:%d", svc.LocalPort, svc.RemotePort))
	return argv, nil
}

// Spawn implements Adapter.
func (a *KubectlAdapter) Spawn(svc config.ServiceDefinition, logFile *os.File) (Handle, error) {
	argv, err := a.BuildArgv(svc)
	if err != nil {
		return Handle{}, err
	}
	return spawnDetached(argv, nil, logFile)
}
