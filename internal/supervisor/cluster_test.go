package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsonlp/localport/internal/config"
	"github.com/dawsonlp/localport/internal/procutil"
)

func TestClusterFailureMarksBoundServicesUnhealthy(t *testing.T) {
	env := newTestEnv(t)

	boundDef := resolvedService("db", freePort(t))
	boundDef.Connection.Context = "prod"
	otherDef := resolvedService("cache", freePort(t))
	otherDef.Connection.Context = "staging"

	env.sup.Start([]config.ServiceDefinition{boundDef, otherDef})

	var boundPID, otherPID int32
	for _, snap := range env.sup.Status(nil) {
		switch snap.Name {
		case "db":
			boundPID = snap.PID
		case "cache":
			otherPID = snap.PID
		}
	}
	require.NotZero(t, boundPID)
	require.NotZero(t, otherPID)

	env.sup.OnClusterChange("prod", false, "api unreachable")

	// The bound service restarts per policy; the other context's service
	// is untouched.
	assert.Eventually(t, func() bool {
		for _, snap := range env.sup.Status(nil) {
			if snap.Name == "db" {
				return snap.State == StateRunning && snap.PID != boundPID
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "bound service should cycle through restart")

	for _, snap := range env.sup.Status(nil) {
		if snap.Name == "cache" {
			assert.Equal(t, otherPID, snap.PID)
			assert.Equal(t, StateRunning, snap.State)
		}
	}
	assert.Eventually(t, func() bool { return !procutil.PidAlive(boundPID) },
		2*time.Second, 50*time.Millisecond)
}
