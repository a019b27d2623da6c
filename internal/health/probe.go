// Package health implements the pluggable service probes and the
// cooperative scheduler that runs them.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/dawsonlp/localport/internal/config"
)

// State is the probe's verdict about a service.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Status carries the last verdict plus diagnostics.
type Status struct {
	State     State
	CheckedAt time.Time
	Detail    string
}

// Probe is one check implementation. Check returns nil when the service is
// healthy and an error describing the failure otherwise. Implementations
// must honor ctx cancellation in their underlying I/O.
type Probe interface {
	Kind() string
	Check(ctx context.Context) error
}

// New builds the probe described by spec for a service listening on
// localPort.
func New(spec config.HealthCheckSpec, localPort int) (Probe, error) {
	switch spec.Kind {
	case "", config.ProbeTCP:
		return &tcpProbe{port: localPort}, nil
	case config.ProbeHTTP:
		return newHTTPProbe(spec.HTTP, localPort)
	case config.ProbeKafka:
		return newKafkaProbe(spec.Kafka, localPort), nil
	case config.ProbePostgres:
		return newPostgresProbe(spec.Postgres, localPort)
	default:
		return nil, fmt.Errorf("unknown probe kind %q", spec.Kind)
	}
}

// run executes the probe in its own goroutine so that even an
// implementation that ignores its context cannot wedge the caller past
// the deadline.
func run(ctx context.Context, p Probe) error {
	result := make(chan error, 1)
	go func() { result <- p.Check(ctx) }()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s probe abandoned: %w", p.Kind(), ctx.Err())
	}
}
