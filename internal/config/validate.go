package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure so callers can map the
// whole class to the configuration-error exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks structural constraints on an unresolved config.
func Validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return invalidf("services[%d]: name is required", i)
		}
		if seen[svc.Name] {
			return invalidf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true

		if err := validateService(svc); err != nil {
			return fmt.Errorf("service %q: %w", svc.Name, err)
		}
	}
	return nil
}

func validateService(svc ServiceDefinition) error {
	if svc.LocalPort < 1 || svc.LocalPort > 65535 {
		return invalidf("local_port %d out of range 1-65535", svc.LocalPort)
	}
	if svc.RemotePort < 1 || svc.RemotePort > 65535 {
		return invalidf("remote_port %d out of range 1-65535", svc.RemotePort)
	}

	switch svc.Technology {
	case TechnologyKubernetes:
		if svc.Connection.ResourceName == "" {
			return invalidf("connection.resource_name is required for kubernetes")
		}
	case TechnologySSH:
		if svc.Connection.Host == "" {
			return invalidf("connection.host is required for ssh")
		}
		if svc.Connection.Port < 0 || svc.Connection.Port > 65535 {
			return invalidf("connection.port %d out of range", svc.Connection.Port)
		}
	default:
		return invalidf("unknown technology %q", svc.Technology)
	}

	if hc := svc.HealthCheck; hc != nil && hc.Kind != "" {
		switch hc.Kind {
		case ProbeTCP:
		case ProbeHTTP:
			if hc.HTTP == nil || hc.HTTP.URL == "" {
				return invalidf("http health check requires config.url")
			}
		case ProbeKafka:
			// bootstrap_servers defaults to the local forward endpoint.
		case ProbePostgres:
			if hc.Postgres == nil || hc.Postgres.Database == "" || hc.Postgres.User == "" {
				return invalidf("postgres health check requires config.database and config.user")
			}
		default:
			return invalidf("unknown health check kind %q", hc.Kind)
		}
		if hc.FailureThreshold < 0 || hc.SuccessThreshold < 0 {
			return invalidf("health check thresholds must be positive")
		}
	}

	if rp := svc.RestartPolicy; rp != nil {
		if rp.MaxAttempts < 0 {
			return invalidf("restart_policy.max_attempts must be >= 0")
		}
		if rp.InitialDelay < 0 || rp.MaxDelay < 0 {
			return invalidf("restart_policy delays must be positive")
		}
		if rp.MaxDelay != 0 && rp.InitialDelay != 0 && rp.MaxDelay < rp.InitialDelay {
			return invalidf("restart_policy.max_delay must be >= initial_delay")
		}
		if rp.BackoffMultiplier != 0 && rp.BackoffMultiplier < 1.0 {
			return invalidf("restart_policy.backoff_multiplier must be >= 1.0")
		}
	}
	return nil
}
