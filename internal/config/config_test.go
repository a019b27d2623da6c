package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sampleConfig = `
version: "1.0"
defaults:
  health_check:
    kind: tcp
    interval: 30s
    timeout: 5s
    failure_threshold: 3
    success_threshold: 1
  restart_policy:
    max_attempts: 5
    initial_delay: 1s
    max_delay: 60s
    backoff_multiplier: 2.0
services:
  - name: db
    technology: kubernetes
    local_port: 5432
    remote_port: 5432
    connection:
      resource_name: postgres
      namespace: default
    tags: [database]
    health_check:
      kind: postgres
      interval: 10s
      config:
        database: app
        user: app_user
        password: ${DB_PASSWORD:secret}
  - name: web
    technology: ssh
    local_port: 8080
    remote_port: 80
    connection:
      host: web.example.com
      user: deploy
    enabled: false
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Services, 2)

	db := cfg.Services[0]
	assert.Equal(t, "db", db.Name)
	assert.Equal(t, TechnologyKubernetes, db.Technology)
	assert.Equal(t, 5432, db.LocalPort)
	assert.True(t, db.IsEnabled())
	assert.True(t, db.HasTag("database"))
	assert.False(t, db.HasTag("web"))
	// Defaulted kubernetes resource kind.
	assert.Equal(t, "service", db.Connection.ResourceKind)

	// Per-service probe override merged over defaults.
	require.NotNil(t, db.HealthCheck)
	assert.Equal(t, ProbePostgres, db.HealthCheck.Kind)
	assert.Equal(t, 10*time.Second, db.HealthCheck.Interval.Std())
	assert.Equal(t, 5*time.Second, db.HealthCheck.Timeout.Std())
	assert.Equal(t, 3, db.HealthCheck.FailureThreshold)
	require.NotNil(t, db.HealthCheck.Postgres)
	assert.Equal(t, "app", db.HealthCheck.Postgres.Database)
	// DB_PASSWORD unset, so the default applies.
	assert.Equal(t, "secret", db.HealthCheck.Postgres.Password)

	web := cfg.Services[1]
	assert.False(t, web.IsEnabled())
	assert.Equal(t, 22, web.Connection.Port)
	// No override: defaults flow through.
	require.NotNil(t, web.HealthCheck)
	assert.Equal(t, ProbeTCP, web.HealthCheck.Kind)
	require.NotNil(t, web.RestartPolicy)
	assert.Equal(t, 5, web.RestartPolicy.MaxAttempts)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("LP_TEST_HOST", "db.internal")

	in := []byte("host: ${LP_TEST_HOST}\nuser: ${LP_TEST_MISSING:fallback}\nempty: ${LP_TEST_NOPE}\n")
	out := string(ExpandEnv(in))

	assert.Contains(t, out, "host: db.internal")
	assert.Contains(t, out, "user: fallback")
	assert.Contains(t, out, "empty: \n")
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{"go duration string", "interval: 1m30s", 90 * time.Second},
		{"bare seconds", "interval: 5", 5 * time.Second},
		{"fractional seconds", "interval: 0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Interval Duration `yaml:"interval"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(tt.yaml), &out))
			assert.Equal(t, tt.want, out.Interval.Std())
		})
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Config {
		cfg, err := Parse([]byte(sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Services[0].LocalPort = 0 }},
		{"port too large", func(c *Config) { c.Services[0].RemotePort = 70000 }},
		{"unknown technology", func(c *Config) { c.Services[0].Technology = "teleport" }},
		{"missing name", func(c *Config) { c.Services[0].Name = "" }},
		{"duplicate name", func(c *Config) { c.Services[1].Name = c.Services[0].Name }},
		{"ssh without host", func(c *Config) { c.Services[1].Connection.Host = "" }},
		{"k8s without resource", func(c *Config) { c.Services[0].Connection.ResourceName = "" }},
		{"negative max_attempts", func(c *Config) { c.Services[0].RestartPolicy.MaxAttempts = -1 }},
		{"max below initial", func(c *Config) {
			c.Services[0].RestartPolicy.InitialDelay = Duration(10 * time.Second)
			c.Services[0].RestartPolicy.MaxDelay = Duration(1 * time.Second)
		}},
		{"multiplier below one", func(c *Config) { c.Services[0].RestartPolicy.BackoffMultiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidatePostgresProbeRequiresCredentials(t *testing.T) {
	raw := `
services:
  - name: db
    technology: kubernetes
    local_port: 5432
    remote_port: 5432
    connection:
      resource_name: postgres
    health_check:
      kind: postgres
`
	_, err := Parse([]byte(raw))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResolveDoesNotMutateInput(t *testing.T) {
	cfg := Config{
		Services: []ServiceDefinition{{
			Name:       "db",
			Technology: TechnologyKubernetes,
			LocalPort:  5432,
			RemotePort: 5432,
			Connection: Connection{ResourceName: "postgres"},
		}},
	}
	resolved := Resolve(cfg)

	assert.Nil(t, cfg.Services[0].HealthCheck)
	require.NotNil(t, resolved.Services[0].HealthCheck)
	assert.Equal(t, DefaultProbeInterval, resolved.Services[0].HealthCheck.Interval.Std())
}

func TestMergeHealthCheckKindChangeDropsOldConfig(t *testing.T) {
	base := HealthCheckSpec{
		Kind:     ProbeHTTP,
		HTTP:     &HTTPProbeConfig{URL: "http://localhost/health"},
		Interval: Duration(time.Second),
	}
	merged := mergeHealthCheck(base, &HealthCheckSpec{Kind: ProbeTCP})
	assert.Equal(t, ProbeTCP, merged.Kind)
	assert.Nil(t, merged.HTTP)
	assert.Equal(t, time.Second, merged.Interval.Std())
}
