package restart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/identity"
)

func policy(maxAttempts int, initial, max time.Duration, mult float64) config.RestartPolicy {
	return config.RestartPolicy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      config.Duration(initial),
		MaxDelay:          config.Duration(max),
		BackoffMultiplier: mult,
	}
}

func TestDelayFormula(t *testing.T) {
	p := policy(0, time.Second, 60*time.Second, 2.0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second}, // capped: 64s > max
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Delay(p, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelayMultiplierOne(t *testing.T) {
	p := policy(0, 5*time.Second, 60*time.Second, 1.0)
	assert.Equal(t, 5*time.Second, Delay(p, 1))
	assert.Equal(t, 5*time.Second, Delay(p, 10))
}

func TestNextIncrementsAndJitters(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{1}
	m.SetPolicy(id, policy(0, time.Second, 60*time.Second, 2.0))

	d1 := m.Next(id)
	require.True(t, d1.Restart)
	assert.Equal(t, 1, d1.Attempt)
	// Jitter is ±10% of the deterministic delay.
	assert.InDelta(t, float64(time.Second), float64(d1.Delay), float64(150*time.Millisecond))

	d2 := m.Next(id)
	assert.Equal(t, 2, d2.Attempt)
	assert.InDelta(t, float64(2*time.Second), float64(d2.Delay), float64(300*time.Millisecond))
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{2}
	m.SetPolicy(id, policy(2, time.Second, time.Second, 2.0))

	assert.True(t, m.Next(id).Restart)
	assert.True(t, m.Next(id).Restart)

	final := m.Next(id)
	assert.False(t, final.Restart)
	assert.Equal(t, 2, final.Attempt)
	assert.Equal(t, 2, m.Attempts(id))
}

func TestZeroMaxAttemptsIsUnbounded(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{3}
	m.SetPolicy(id, policy(0, time.Millisecond, time.Millisecond, 1.0))

	for i := 1; i <= 100; i++ {
		d := m.Next(id)
		require.True(t, d.Restart, "attempt %d", i)
		assert.Equal(t, i, d.Attempt)
	}
}

func TestDisabledPolicyNeverRestarts(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{4}
	p := policy(5, time.Second, time.Minute, 2.0)
	disabled := false
	p.Enabled = &disabled
	m.SetPolicy(id, p)

	assert.False(t, m.Next(id).Restart)
}

func TestUnknownServiceNeverRestarts(t *testing.T) {
	m := NewManager()
	assert.False(t, m.Next(identity.ServiceID{5}).Restart)
}

func TestMaybeResetAfterSustainedHealth(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{6}
	m.SetPolicy(id, policy(0, 10*time.Millisecond, time.Second, 2.0))

	m.Next(id)
	m.Next(id)
	require.Equal(t, 2, m.Attempts(id))

	// Not healthy long enough yet (window is 10x initial = 100ms).
	m.MaybeReset(id, time.Now())
	assert.Equal(t, 2, m.Attempts(id))

	m.MaybeReset(id, time.Now().Add(-time.Second))
	assert.Equal(t, 0, m.Attempts(id))

	// The schedule starts over after a reset.
	d := m.Next(id)
	assert.Equal(t, 1, d.Attempt)
	assert.Less(t, d.Delay, 50*time.Millisecond)
}

func TestSetPolicyPreservesAttempts(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{7}
	m.SetPolicy(id, policy(3, time.Second, time.Minute, 2.0))
	m.Next(id)
	m.Next(id)

	// Reload tightens the policy; prior attempts still count.
	m.SetPolicy(id, policy(2, time.Second, time.Minute, 2.0))
	assert.Equal(t, 2, m.Attempts(id))
	assert.False(t, m.Next(id).Restart)
}

func TestRemove(t *testing.T) {
	m := NewManager()
	id := identity.ServiceID{8}
	m.SetPolicy(id, policy(0, time.Second, time.Minute, 2.0))
	m.Next(id)
	m.Remove(id)
	assert.Equal(t, 0, m.Attempts(id))
	assert.False(t, m.Next(id).Restart)
}
