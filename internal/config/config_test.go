package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("service:\n  name: qg\n"))
	require.NoError(t, err)

	assert.Equal(t, "qg", cfg.Service.Name)
	assert.Equal(t, 1, cfg.Dispatch.Capacity)
	assert.Equal(t, 1, cfg.Dispatch.Executors)
	assert.Equal(t, 10*time.Millisecond, cfg.Dispatch.PendingTick)
	assert.True(t, cfg.Interrupt.Enabled)
	assert.Equal(t, 0.9, cfg.Interrupt.RunningCheckFreq)
	assert.Equal(t, uint(10), cfg.Interrupt.PendingCheckFreq)
	assert.Equal(t, 1000, cfg.Kernel.ProgressMarkers)
	assert.Equal(t, int64(1_000_000), cfg.Catalog.Tables["t_large"])
}

func TestParseFullConfig(t *testing.T) {
	t.Setenv("QG_TOKEN", "secret-rw")
	cfg, err := Parse([]byte(`
service:
  log_level: debug
  log_format: text
  tick_interval: 30s
  history_retention: 48h
state:
  path: /var/lib/querygate/state.db
api:
  enabled: true
  listen: 0.0.0.0:9090
  auth:
    tokens:
      - token: ${QG_TOKEN}
        scopes: ["query:rw"]
dispatch:
  capacity: 4
  executors: 2
  pending_tick: 5ms
interrupt:
  enabled: false
  running_check_freq: 0.5
  pending_check_freq: 3
kernel:
  progress_markers: 200
  fragment_cost: 2ms
  gpu_enabled: true
catalog:
  tables:
    t_tiny: 10
`))
	require.NoError(t, err)

	assert.Equal(t, "text", cfg.Service.LogFormat)
	assert.Equal(t, 48*time.Hour, cfg.Service.HistoryRetention)
	assert.Equal(t, "secret-rw", cfg.API.Auth.Tokens[0].Token)
	assert.Equal(t, 4, cfg.Dispatch.Capacity)
	assert.Equal(t, 2, cfg.Dispatch.Executors)
	assert.Equal(t, 5*time.Millisecond, cfg.Dispatch.PendingTick)
	assert.False(t, cfg.Interrupt.Enabled)
	assert.Equal(t, uint(3), cfg.Interrupt.PendingCheckFreq)
	assert.Equal(t, 2*time.Millisecond, cfg.Kernel.FragmentCost)
	assert.True(t, cfg.Kernel.GPUEnabled)
	assert.Equal(t, map[string]int64{"t_tiny": 10}, cfg.Catalog.Tables)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"zero capacity", "dispatch:\n  capacity: 0\n", "dispatch.capacity"},
		{"zero executors", "dispatch:\n  executors: 0\n", "dispatch.executors"},
		{"running freq above one", "interrupt:\n  running_check_freq: 1.5\n", "running_check_freq"},
		{"running freq zero", "interrupt:\n  running_check_freq: 0\n", "running_check_freq"},
		{"pending freq zero", "interrupt:\n  pending_check_freq: 0\n", "pending_check_freq"},
		{"bad log format", "service:\n  log_format: xml\n", "log_format"},
		{"api without auth", "api:\n  enabled: true\n", "api.auth"},
		{"unset env token", "api:\n  enabled: true\n  auth:\n    api_key: ${QG_DEFINITELY_UNSET}\n", "QG_DEFINITELY_UNSET"},
		{"negative rows", "catalog:\n  tables:\n    t: -1\n", "row count"},
		{"bad markers", "kernel:\n  progress_markers: 0\n", "progress_markers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadResolvesDirectoryAndStatePath(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "config.yaml"), "state:\n  path: data/state.db\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), cfg.SourcePath)
	assert.Equal(t, filepath.Join(dir, "data", "state.db"), cfg.State.Path)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, "dispatch:\n  capacity: 2\n")

	manifestPath, err := Lock(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".checksums"), manifestPath)

	manifest, err := LoadChecksums(dir)
	require.NoError(t, err)
	hash, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, hash, manifest.Hashes["config.yaml"])

	_, err = Load(path)
	require.NoError(t, err)

	writeTestFile(t, path, "dispatch:\n  capacity: 3\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	cfg, err := LoadUnverified(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Dispatch.Capacity)

	_, err = Lock(path)
	require.NoError(t, err)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Dispatch.Capacity)
}

func TestVerifyWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestFile(t, path, "")
	assert.NoError(t, VerifyIfLocked(path))
}
