package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range jobCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "logs", "cancel", "list"} {
		assert.True(t, names[want], "missing job subcommand %q", want)
	}
	assert.NotNil(t, jobLogsCmd.Flags().Lookup("consume"))
	assert.NotNil(t, jobRunCmd.Flags().Lookup("param"))
}

func TestRootCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "site", "device", "module", "job", "monitor", "stats"} {
		assert.True(t, names[want], "missing root subcommand %q", want)
	}
}
