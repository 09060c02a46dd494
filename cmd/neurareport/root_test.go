package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRootCmdWiresSubcommands(t *testing.T) {
	root := NewRootCmd()
	require.Equal(t, "neurareport", root.Use)
	require.True(t, root.SilenceErrors)
	require.True(t, root.SilenceUsage)
	require.True(t, root.CompletionOptions.DisableDefaultCmd)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["run"])
	require.True(t, names["job"])
	require.True(t, names["schedule"])
	require.True(t, names["serve"])
}

func TestRunCmdRequiresTemplateFlag(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"run"})
	err := root.Execute()
	require.Error(t, err)
}
