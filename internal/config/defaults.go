package config

import "time"

// Default probe and restart tuning, applied when neither the defaults block
// nor the service overrides a field.
const (
	DefaultProbeInterval     = 30 * time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultFailureThreshold  = 3
	DefaultSuccessThreshold  = 1
	DefaultMaxAttempts       = 5
	DefaultInitialDelay      = 1 * time.Second
	DefaultMaxDelay          = 60 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultClusterInterval   = 60 * time.Second
	DefaultClusterTimeout    = 10 * time.Second
)

// DefaultHealthCheck returns the built-in probe spec: a tcp connect check.
func DefaultHealthCheck() HealthCheckSpec {
	return HealthCheckSpec{
		Kind:             ProbeTCP,
		Interval:         Duration(DefaultProbeInterval),
		Timeout:          Duration(DefaultProbeTimeout),
		FailureThreshold: DefaultFailureThreshold,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// DefaultRestartPolicy returns the built-in restart policy.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      Duration(DefaultInitialDelay),
		MaxDelay:          Duration(DefaultMaxDelay),
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// mergeHealthCheck layers overlay over base, field by field.
func mergeHealthCheck(base HealthCheckSpec, overlay *HealthCheckSpec) HealthCheckSpec {
	if overlay == nil {
		return base
	}
	merged := base
	if overlay.Kind != "" {
		merged.Kind = overlay.Kind
		// Kind-specific config never survives a kind change.
		merged.HTTP, merged.Kafka, merged.Postgres = nil, nil, nil
	}
	if overlay.Interval != 0 {
		merged.Interval = overlay.Interval
	}
	if overlay.Timeout != 0 {
		merged.Timeout = overlay.Timeout
	}
	if overlay.FailureThreshold != 0 {
		merged.FailureThreshold = overlay.FailureThreshold
	}
	if overlay.SuccessThreshold != 0 {
		merged.SuccessThreshold = overlay.SuccessThreshold
	}
	if overlay.HTTP != nil {
		merged.HTTP = overlay.HTTP
	}
	if overlay.Kafka != nil {
		merged.Kafka = overlay.Kafka
	}
	if overlay.Postgres != nil {
		merged.Postgres = overlay.Postgres
	}
	return merged
}

// mergeRestartPolicy layers overlay over base, field by field.
func mergeRestartPolicy(base RestartPolicy, overlay *RestartPolicy) RestartPolicy {
	if overlay == nil {
		return base
	}
	merged := base
	if overlay.Enabled != nil {
		merged.Enabled = overlay.Enabled
	}
	if overlay.MaxAttempts != 0 {
		merged.MaxAttempts = overlay.MaxAttempts
	}
	if overlay.InitialDelay != 0 {
		merged.InitialDelay = overlay.InitialDelay
	}
	if overlay.MaxDelay != 0 {
		merged.MaxDelay = overlay.MaxDelay
	}
	if overlay.BackoffMultiplier != 0 {
		merged.BackoffMultiplier = overlay.BackoffMultiplier
	}
	return merged
}

// Resolve applies defaults to every service definition so the supervisor
// always works with complete specs. The input config is not modified.
func Resolve(cfg Config) Config {
	resolved := cfg

	baseProbe := mergeHealthCheck(DefaultHealthCheck(), cfg.Defaults.HealthCheck)
	basePolicy := mergeRestartPolicy(DefaultRestartPolicy(), cfg.Defaults.RestartPolicy)

	if cfg.Defaults.ClusterHealth != nil {
		ch := *cfg.Defaults.ClusterHealth
		if ch.Interval == 0 {
			ch.Interval = Duration(DefaultClusterInterval)
		}
		if ch.Timeout == 0 {
			ch.Timeout = Duration(DefaultClusterTimeout)
		}
		resolved.Defaults.ClusterHealth = &ch
	}

	resolved.Services = make([]ServiceDefinition, len(cfg.Services))
	for i, svc := range cfg.Services {
		probe := mergeHealthCheck(baseProbe, svc.HealthCheck)
		policy := mergeRestartPolicy(basePolicy, svc.RestartPolicy)
		svc.HealthCheck = &probe
		svc.RestartPolicy = &policy
		if svc.Technology == TechnologyKubernetes && svc.Connection.ResourceKind == "" {
			svc.Connection.ResourceKind = "service"
		}
		if svc.Technology == TechnologySSH && svc.Connection.Port == 0 {
			svc.Connection.Port = 22
		}
		resolved.Services[i] = svc
	}
	return resolved
}
