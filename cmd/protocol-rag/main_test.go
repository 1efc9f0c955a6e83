package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func findCommand(t *testing.T, root *cli.Command, path ...string) *cli.Command {
	t.Helper()
	cmd := root
	for _, name := range path {
		cmd = cmd.Command(name)
		require.NotNil(t, cmd, "command %v not found", path)
	}
	return cmd
}

func TestCommandTree(t *testing.T) {
	app := newApp()

	paths := [][]string{
		{"server", "start"},
		{"db", "migrate"},
		{"protocol", "analyze"},
		{"protocol", "create"},
		{"protocol", "process"},
		{"protocol", "status"},
		{"protocol", "list"},
		{"ask"},
	}
	for _, path := range paths {
		cmd := findCommand(t, app, path...)
		assert.NotNil(t, cmd.Action, "%v has no action", path)
	}
}

func TestPractitionerFlagReadsEnv(t *testing.T) {
	app := newApp()
	cmd := findCommand(t, app, "protocol", "list")

	var flag *cli.StringFlag
	for _, f := range cmd.Flags {
		if sf, ok := f.(*cli.StringFlag); ok && sf.Name == "practitioner" {
			flag = sf
		}
	}
	require.NotNil(t, flag)
	assert.Contains(t, flag.Sources.EnvKeys(), "PRACTITIONER_ID")
}
