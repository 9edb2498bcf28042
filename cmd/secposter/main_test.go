package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`{
  "sources": [{"name": "wiki", "local_path": %q}],
  "storage": {"driver": "file", "path": %q},
  "logging": {"level": "error", "console": true, "file": {"enabled": false, "path": ""}}
}`, dir, filepath.Join(dir, "state.db"))
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatePointer(t *testing.T) {
	cfg := writeTestConfig(t)

	_, err := execute(t, "state", "pointer", "wiki", "-c", cfg)
	assert.ErrorContains(t, err, "no revision recorded")

	out, err := execute(t, "state", "pointer", "wiki", "--set", "abc123", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "wiki -> abc123")

	out, err = execute(t, "state", "pointer", "wiki", "-c", cfg)
	require.NoError(t, err)
	assert.Equal(t, "abc123", strings.TrimSpace(out))
}

func TestStateShowAndForget(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "state", "show", "-c", cfg)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))

	_, err = execute(t, "state", "forget", "wiki/2025/a.md", "-c", cfg)
	assert.ErrorContains(t, err, "no delivery record")

	_, err = execute(t, "state", "show", "wiki/2025/a.md", "-c", cfg)
	assert.Error(t, err)
}

func TestRunRejectsUnknownConfigKeys(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("sources: []\nunknown_key: true\n"), 0o600))
	_, err := execute(t, "run", "--dry-run", "-c", p)
	assert.Error(t, err)
}
