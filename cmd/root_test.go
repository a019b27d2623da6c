package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	want := map[string]bool{
		"daemon":  false,
		"start":   false,
		"stop":    false,
		"status":  false,
		"reload":  false,
		"logs":    false,
		"orphans": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "command %q should be registered", name)
	}
}

func TestVersionTemplate(t *testing.T) {
	SetVersion("1.2.3")
	assert.Equal(t, "1.2.3", rootCmd.Version)
}

func TestConfigPathFlagWins(t *testing.T) {
	orig := flagConfig
	defer func() { flagConfig = orig }()

	flagConfig = "/tmp/custom.yaml"
	path, err := configPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", path)
}
