package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "once", "verify", "compact"} {
		assert.True(t, names[want], "command %q must be registered", want)
	}
}

func TestStateDirDefaultsUnderRoot(t *testing.T) {
	origRoot, origState := flagRoot, flagState
	t.Cleanup(func() { flagRoot, flagState = origRoot, origState })

	flagRoot, flagState = "/work/repo", ""
	assert.Equal(t, filepath.Join("/work/repo", stateDirName), stateDir())

	flagState = "/elsewhere/state"
	assert.Equal(t, "/elsewhere/state", stateDir())
}
