package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()
	require.NotNil(t, root.Command())
	assert.NotNil(t, root.OutputOptions())

	names := map[string]bool{}
	for _, c := range root.Command().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "run", "sweep", "stages", "version"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestRunCommand_Subcommands(t *testing.T) {
	cmd := NewRunCommand(NewRootCommand())

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "get", "pause", "resume", "cancel", "edit", "progress"} {
		assert.True(t, names[want], "missing run %s", want)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "2026-03-01", "abc123")
	defer SetVersion("dev", "unknown", "unknown")

	root := NewRootCommand()
	buf := &bytes.Buffer{}
	root.SetOutputWriter(buf)
	root.Command().SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "stagepipe version 1.2.3")
	assert.Equal(t, "1.2.3", GetVersion())

	root = NewRootCommand()
	buf.Reset()
	root.SetOutputWriter(buf)
	root.Command().SetArgs([]string{"version", "-o", "json"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), `"gitCommit": "abc123"`)
}

func TestInvalidOutputFormat(t *testing.T) {
	root := NewRootCommand()
	root.SetOutputWriter(&bytes.Buffer{})
	root.Command().SetArgs([]string{"stages", "-o", "xml"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}
