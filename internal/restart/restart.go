// Package restart decides whether and when a degraded service may be
// respawned. Delays grow exponentially with jitter and are capped; attempt
// counters reset once a service has stayed healthy long enough.
package restart

import (
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/identity"
)

// healthyWindowFactor scales the initial delay into the sustained-health
// window after which the attempt counter resets.
const healthyWindowFactor = 10

// Decision is the outcome of one restart evaluation.
type Decision struct {
	Restart bool
	Delay   time.Duration
	Attempt int
}

type serviceBackoff struct {
	policy   config.RestartPolicy
	attempts int
	backoff  *backoff.ExponentialBackOff
}

// Manager tracks restart attempts per service.
type Manager struct {
	mu       sync.Mutex
	services map[identity.ServiceID]*serviceBackoff
}

// NewManager creates an empty restart manager.
func NewManager() *Manager {
	return &Manager{services: make(map[identity.ServiceID]*serviceBackoff)}
}

// SetPolicy registers or updates the policy for a service. Updating keeps
// the current attempt count so a reload cannot be used to defeat give-up.
func (m *Manager) SetPolicy(id identity.ServiceID, policy config.RestartPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.services[id]; ok {
		sb.policy = policy
		sb.backoff = newBackoffFor(policy)
		fastForward(sb.backoff, sb.attempts)
		return
	}
	m.services[id] = &serviceBackoff{policy: policy, backoff: newBackoffFor(policy)}
}

// Remove forgets a service.
func (m *Manager) Remove(id identity.ServiceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, id)
}

// Next evaluates the policy for one restart trigger, incrementing the
// attempt counter when a restart is allowed.
func (m *Manager) Next(id identity.ServiceID) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.services[id]
	if !ok || !sb.policy.IsEnabled() {
		return Decision{}
	}
	if sb.policy.MaxAttempts != 0 && sb.attempts >= sb.policy.MaxAttempts {
		return Decision{Attempt: sb.attempts}
	}
	sb.attempts++
	delay := sb.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = sb.policy.MaxDelay.Std()
	}
	return Decision{Restart: true, Delay: delay, Attempt: sb.attempts}
}

// Attempts returns the current attempt count for a service.
func (m *Manager) Attempts(id identity.ServiceID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.services[id]; ok {
		return sb.attempts
	}
	return 0
}

// MaybeReset clears the attempt counter once the service has been healthy
// for the sustained window (healthyWindowFactor times the initial delay).
// Called from the maintenance sweep.
func (m *Manager) MaybeReset(id identity.ServiceID, healthySince time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, ok := m.services[id]
	if !ok || sb.attempts == 0 {
		return
	}
	window := time.Duration(healthyWindowFactor) * sb.policy.InitialDelay.Std()
	if time.Since(healthySince) >= window {
		sb.attempts = 0
		sb.backoff.Reset()
	}
}

// Delay is the deterministic core of the schedule, without jitter:
// min(initial * multiplier^(attempt-1), max).
func Delay(policy config.RestartPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(policy.InitialDelay.Std()) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	if max := float64(policy.MaxDelay.Std()); max > 0 && d > max {
		return policy.MaxDelay.Std()
	}
	return time.Duration(d)
}

func newBackoffFor(policy config.RestartPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay.Std()
	b.MaxInterval = policy.MaxDelay.Std()
	b.Multiplier = policy.BackoffMultiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func fastForward(b *backoff.ExponentialBackOff, attempts int) {
	for i := 0; i < attempts; i++ {
		b.NextBackOff()
	}
}
