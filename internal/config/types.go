package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Technology identifies the forwarder used for a service.
type Technology string

const (
	TechnologyKubernetes Technology = "kubernetes"
	TechnologySSH        Technology = "ssh"
)

// Probe kinds accepted in health_check.kind.
const (
	ProbeTCP      = "tcp"
	ProbeHTTP     = "http"
	ProbeKafka    = "kafka"
	ProbePostgres = "postgres"
)

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("5s", "1m30s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if tag := value.ShortTag(); tag != "!!int" && tag != "!!float" && value.Decode(&s) == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value at line %d", value.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration document.
type Config struct {
	Version  string              `yaml:"version"`
	Defaults Defaults            `yaml:"defaults"`
	Services []ServiceDefinition `yaml:"services"`
}

// Defaults holds settings applied to every service unless overridden.
type Defaults struct {
	HealthCheck   *HealthCheckSpec   `yaml:"health_check,omitempty"`
	RestartPolicy *RestartPolicy     `yaml:"restart_policy,omitempty"`
	ClusterHealth *ClusterHealthSpec `yaml:"cluster_health,omitempty"`
}

// ServiceDefinition declaratively describes one forward. Definitions are
// immutable within a configuration epoch; reloads produce fresh ones.
type ServiceDefinition struct {
	Name          string           `yaml:"name"`
	Technology    Technology       `yaml:"technology"`
	LocalPort     int              `yaml:"local_port"`
	RemotePort    int              `yaml:"remote_port"`
	Connection    Connection       `yaml:"connection"`
	Enabled       *bool            `yaml:"enabled,omitempty"`
	Tags          []string         `yaml:"tags,omitempty"`
	Description   string           `yaml:"description,omitempty"`
	HealthCheck   *HealthCheckSpec `yaml:"health_check,omitempty"`
	RestartPolicy *RestartPolicy   `yaml:"restart_policy,omitempty"`
}

// IsEnabled reports whether the service should be managed. Services are
// enabled unless the config says otherwise.
func (s ServiceDefinition) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// HasTag reports whether the service carries the given tag.
func (s ServiceDefinition) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Connection holds the technology-specific connection record. Only the
// fields relevant to the service's technology are consulted.
type Connection struct {
	// Kubernetes fields.
	ResourceKind string `yaml:"resource_kind,omitempty"` // service, pod, deployment
	ResourceName string `yaml:"resource_name,omitempty"`
	Namespace    string `yaml:"namespace,omitempty"`
	Context      string `yaml:"context,omitempty"`

	// SSH fields.
	Host        string `yaml:"host,omitempty"`
	User        string `yaml:"user,omitempty"`
	Port        int    `yaml:"port,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// HealthCheckSpec configures the periodic probe for one service.
type HealthCheckSpec struct {
	Kind             string
	Interval         Duration
	Timeout          Duration
	FailureThreshold int
	SuccessThreshold int
	HTTP             *HTTPProbeConfig
	Kafka            *KafkaProbeConfig
	Postgres         *PostgresProbeConfig
}

// probeSpecYAML is the wire form of a health_check block.
type probeSpecYAML struct {
	Kind             string               `yaml:"kind"`
	Interval         Duration             `yaml:"interval"`
	Timeout          Duration             `yaml:"timeout"`
	FailureThreshold int                  `yaml:"failure_threshold"`
	SuccessThreshold int                  `yaml:"success_threshold"`
	Config           *probeKindConfigYAML `yaml:"config"`
}

type probeKindConfigYAML struct {
	// http
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	ExpectedStatus []int             `yaml:"expected_status"`
	Headers        map[string]string `yaml:"headers"`
	// kafka
	BootstrapServers string `yaml:"bootstrap_servers"`
	// postgres
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// UnmarshalYAML flattens the kind-specific `config` block into typed
// sub-structs so downstream code never inspects raw maps.
func (h *HealthCheckSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw probeSpecYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}
	h.Kind = raw.Kind
	h.Interval = raw.Interval
	h.Timeout = raw.Timeout
	h.FailureThreshold = raw.FailureThreshold
	h.SuccessThreshold = raw.SuccessThreshold
	if raw.Config == nil {
		return nil
	}
	switch raw.Kind {
	case ProbeHTTP:
		h.HTTP = &HTTPProbeConfig{
			URL:            raw.Config.URL,
			Method:         raw.Config.Method,
			ExpectedStatus: raw.Config.ExpectedStatus,
			Headers:        raw.Config.Headers,
		}
	case ProbeKafka:
		h.Kafka = &KafkaProbeConfig{BootstrapServers: raw.Config.BootstrapServers}
	case ProbePostgres:
		h.Postgres = &PostgresProbeConfig{
			Database: raw.Config.Database,
			User:     raw.Config.User,
			Password: raw.Config.Password,
			Host:     raw.Config.Host,
			Port:     raw.Config.Port,
		}
	}
	return nil
}

// MarshalYAML restores the wire form with the kind-specific config block.
func (h HealthCheckSpec) MarshalYAML() (interface{}, error) {
	raw := probeSpecYAML{
		Kind:             h.Kind,
		Interval:         h.Interval,
		Timeout:          h.Timeout,
		FailureThreshold: h.FailureThreshold,
		SuccessThreshold: h.SuccessThreshold,
	}
	switch {
	case h.HTTP != nil:
		raw.Config = &probeKindConfigYAML{
			URL:            h.HTTP.URL,
			Method:         h.HTTP.Method,
			ExpectedStatus: h.HTTP.ExpectedStatus,
			Headers:        h.HTTP.Headers,
		}
	case h.Kafka != nil:
		raw.Config = &probeKindConfigYAML{BootstrapServers: h.Kafka.BootstrapServers}
	case h.Postgres != nil:
		raw.Config = &probeKindConfigYAML{
			Database: h.Postgres.Database,
			User:     h.Postgres.User,
			Password: h.Postgres.Password,
			Host:     h.Postgres.Host,
			Port:     h.Postgres.Port,
		}
	}
	return raw, nil
}

// HTTPProbeConfig configures the http probe.
type HTTPProbeConfig struct {
	URL            string
	Method         string
	ExpectedStatus []int
	Headers        map[string]string
}

// KafkaProbeConfig configures the kafka probe.
type KafkaProbeConfig struct {
	BootstrapServers string
}

// PostgresProbeConfig configures the postgres probe.
type PostgresProbeConfig struct {
	Database string
	User     string
	Password string
	Host     string
	Port     int
}

// RestartPolicy bounds automatic restarts for a service. MaxAttempts of
// zero means unbounded.
type RestartPolicy struct {
	Enabled           *bool    `yaml:"enabled,omitempty"`
	MaxAttempts       int      `yaml:"max_attempts,omitempty"`
	InitialDelay      Duration `yaml:"initial_delay,omitempty"`
	MaxDelay          Duration `yaml:"max_delay,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty"`
}

// IsEnabled reports whether automatic restarts are on. Defaults to true.
func (p RestartPolicy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ClusterHealthSpec configures the out-of-band Kubernetes cluster monitor.
type ClusterHealthSpec struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	Interval        Duration `yaml:"interval,omitempty"`
	Timeout         Duration `yaml:"timeout,omitempty"`
	PodStatus       bool     `yaml:"pod_status,omitempty"`
	NodeStatus      bool     `yaml:"node_status,omitempty"`
	EventsOnFailure bool     `yaml:"events_on_failure,omitempty"`
}

// IsEnabled reports whether cluster monitoring is on when the block is
// present. Defaults to true.
func (c ClusterHealthSpec) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
