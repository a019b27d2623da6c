package procutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	argv := []string{"/usr/bin/kubectl", "port-forward", "service/postgres", "5432:5432"}
	assert.Equal(t, Fingerprint(argv), Fingerprint(argv))
	assert.Len(t, Fingerprint(argv), 16)
}

func TestFingerprintSensitivity(t *testing.T) {
	a := Fingerprint([]string{"kubectl", "port-forward", "service/a", "80:80"})
	b := Fingerprint([]string{"kubectl", "port-forward", "service/b", "80:80"})
	assert.NotEqual(t, a, b)

	// Joining must not allow argument-boundary collisions.
	c := Fingerprint([]string{"ab", "c"})
	d := Fingerprint([]string{"a", "bc"})
	assert.NotEqual(t, c, d)
}

func TestPidAlive(t *testing.T) {
	assert.True(t, PidAlive(int32(os.Getpid())))
	assert.False(t, PidAlive(0))
	assert.False(t, PidAlive(-1))
	// PIDs beyond the kernel's default pid_max do not exist.
	assert.False(t, PidAlive(1<<30))
}

func TestPidFingerprintOfSelf(t *testing.T) {
	fp, err := PidFingerprint(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Len(t, fp, 16)
}
