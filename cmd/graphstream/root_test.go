package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func execute(t *testing.T, content string, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", path, "--log-level", "none"))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, `
peers:
  - name: bus
    connector: debug
sink:
  pg:
    connString: postgres://localhost/replica
  graph: replica
  peer: bus
  topics:
    "people.*": schema
`, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
}

func TestValidateCommandReportsErrors(t *testing.T) {
	_, err := execute(t, `
sink:
  graph: replica
  peer: missing
  topics:
    people: nope
`, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connString")
	assert.Contains(t, err.Error(), "missing")
	assert.Contains(t, err.Error(), "nope")
}

func TestInitLogger(t *testing.T) {
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })
	require.NoError(t, initLogger("debug"))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))
	assert.Error(t, initLogger("loud"))
}
