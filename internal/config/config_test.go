package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workfarm/internal/persist"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := persist.NewFileStore(dir)
	require.NoError(t, err)
	m, err := NewManager(store)
	require.NoError(t, err)
	return m, dir
}

func TestWorkspaceRoots(t *testing.T) {
	m, _ := newManager(t)
	assert.False(t, m.HasWorkspaceRoots())

	require.NoError(t, m.AddWorkspaceRoot("/tmp/project"))
	assert.True(t, m.HasWorkspaceRoots())
	assert.Equal(t, []string{"/tmp/project"}, m.WorkspaceRoots())

	// Duplicates are ignored.
	require.NoError(t, m.AddWorkspaceRoot("/tmp/project"))
	assert.Len(t, m.WorkspaceRoots(), 1)

	require.NoError(t, m.RemoveWorkspaceRoot("/tmp/project"))
	assert.False(t, m.HasWorkspaceRoots())

	err := m.RemoveWorkspaceRoot("/tmp/never-added")
	assert.Error(t, err)
}

func TestWorkspaceRootsPersist(t *testing.T) {
	dir := t.TempDir()
	store, err := persist.NewFileStore(dir)
	require.NoError(t, err)

	m1, err := NewManager(store)
	require.NoError(t, err)
	require.NoError(t, m1.AddWorkspaceRoot("/srv/code"))

	m2, err := NewManager(store)
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/code"}, m2.WorkspaceRoots())
}

func TestLoadRuntimeConfigDefaults(t *testing.T) {
	cfg, err := LoadRuntimeConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.WorkerCommand)
	assert.Equal(t, "claude", cfg.OracleCommand)
	assert.Equal(t, "sonnet", cfg.OracleModel)
	assert.Equal(t, 300*time.Second, cfg.OracleTimeout())
	assert.Equal(t, 30, cfg.DefaultMaxTurns)
}

func TestLoadRuntimeConfigMergesPartialFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "worker_command: my-worker\noracle_timeout_seconds: 60\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runtime.yaml"), []byte(yaml), 0644))

	cfg, err := LoadRuntimeConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "my-worker", cfg.WorkerCommand)
	assert.Equal(t, "my-worker", cfg.OracleCommand, "oracle command follows worker command when unset")
	assert.Equal(t, 60*time.Second, cfg.OracleTimeout())
	assert.Equal(t, "sonnet", cfg.OracleModel)
}

func TestLoadRuntimeConfigRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runtime.yaml"), []byte("worker_command: [broken"), 0644))

	_, err := LoadRuntimeConfig(dir)
	assert.Error(t, err)
}
