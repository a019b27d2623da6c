package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsonlp/localport/internal/config"
)

func k8sService() config.ServiceDefinition {
	return config.ServiceDefinition{
		Name:       "db",
		Technology: config.TechnologyKubernetes,
		LocalPort:  5432,
		RemotePort: 5432,
		Connection: config.Connection{
			ResourceKind: "service",
			ResourceName: "postgres",
			Namespace:    "default",
			Context:      "minikube",
		},
	}
}

func TestIDIsDeterministic(t *testing.T) {
	a := ForService(k8sService())
	b := ForService(k8sService())
	assert.Equal(t, a, b)
}

func TestNonIdentifyingFieldsDoNotChangeID(t *testing.T) {
	base := ForService(k8sService())

	svc := k8sService()
	svc.Tags = []string{"database", "critical"}
	svc.Description = "primary postgres"
	enabled := false
	svc.Enabled = &enabled
	svc.HealthCheck = &config.HealthCheckSpec{Kind: config.ProbeTCP, FailureThreshold: 9}
	svc.RestartPolicy = &config.RestartPolicy{MaxAttempts: 99}

	assert.Equal(t, base, ForService(svc))
}

func TestIdentifyingFieldsChangeID(t *testing.T) {
	base := ForService(k8sService())

	mutations := map[string]func(*config.ServiceDefinition){
		"name":          func(s *config.ServiceDefinition) { s.Name = "db2" },
		"local port":    func(s *config.ServiceDefinition) { s.LocalPort = 5433 },
		"remote port":   func(s *config.ServiceDefinition) { s.RemotePort = 5433 },
		"namespace":     func(s *config.ServiceDefinition) { s.Connection.Namespace = "prod" },
		"resource name": func(s *config.ServiceDefinition) { s.Connection.ResourceName = "postgres-replica" },
		"resource kind": func(s *config.ServiceDefinition) { s.Connection.ResourceKind = "pod" },
		"context":       func(s *config.ServiceDefinition) { s.Connection.Context = "prod-cluster" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			svc := k8sService()
			mutate(&svc)
			assert.NotEqual(t, base, ForService(svc), "changing %s must change the id", name)
		})
	}
}

func TestSSHIdentity(t *testing.T) {
	svc := config.ServiceDefinition{
		Name:       "web",
		Technology: config.TechnologySSH,
		LocalPort:  8080,
		RemotePort: 80,
		Connection: config.Connection{Host: "web.example.com", Port: 22, User: "deploy"},
	}
	base := ForService(svc)

	svc2 := svc
	svc2.Connection.KeyFile = "/home/deploy/.ssh/id_ed25519"
	assert.Equal(t, base, ForService(svc2), "key file is not identifying")

	svc3 := svc
	svc3.Connection.User = "admin"
	assert.NotEqual(t, base, ForService(svc3), "user is identifying")

	svc4 := svc
	svc4.Connection.Host = "other.example.com"
	assert.NotEqual(t, base, ForService(svc4))
}

func TestParseRoundTrip(t *testing.T) {
	id := ForService(k8sService())
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestShort(t *testing.T) {
	id := ForService(k8sService())
	short := Short(id)
	assert.Len(t, short, 8)
	assert.Equal(t, short, Short(id), "short form is stable")
}
