package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerDefaultsWithoutFile(t *testing.T) {
	m := NewManager(t.TempDir())
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 300*time.Millisecond, cfg.Detector.DebounceWindow)
	assert.Equal(t, 8, cfg.Build.WorkerCeiling)
	assert.Equal(t, []string{"graph", "lexical", "vector"}, cfg.Commit.StoreOrder)
}

func TestManagerLoadsFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	content := []byte("build:\n  worker_ceiling: 2\nlock:\n  lease_duration: 30s\n  renewal_interval: 10s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), content, 0644))

	m := NewManager(dir)
	require.NoError(t, m.Load())

	cfg := m.Get()
	assert.Equal(t, 2, cfg.Build.WorkerCeiling)
	assert.Equal(t, 30*time.Second, cfg.Lock.LeaseDuration)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.02, cfg.Consistency.SampleRate)
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	content := []byte("build:\n  worker_ceiling: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), content, 0644))

	m := NewManager(dir)
	err := m.Load()
	require.Error(t, err)

	// The previous (default) config stays active after a failed load.
	assert.Equal(t, 8, m.Get().Build.WorkerCeiling)
}

func TestManagerEnvironmentOverride(t *testing.T) {
	t.Setenv("LATTICE_WORKER_CEILING", "3")
	t.Setenv("LATTICE_FAILURE_POLICY", "fail_cycle")

	m := NewManager(t.TempDir())
	require.NoError(t, m.Load())

	assert.Equal(t, 3, m.Get().Build.WorkerCeiling)
	assert.Equal(t, "fail_cycle", m.Get().Build.PartialFailurePolicy)
}

func TestManagerSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.Save())

	m2 := NewManager(dir)
	require.NoError(t, m2.Load())
	assert.Equal(t, m.Get().Build.WorkerCeiling, m2.Get().Build.WorkerCeiling)
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero debounce", func(c *Config) { c.Detector.DebounceWindow = 0 }},
		{"renewal exceeds lease", func(c *Config) { c.Lock.RenewalInterval = c.Lock.LeaseDuration }},
		{"unknown failure policy", func(c *Config) { c.Build.PartialFailurePolicy = "shrug" }},
		{"empty store order", func(c *Config) { c.Commit.StoreOrder = nil }},
		{"duplicate store", func(c *Config) { c.Commit.StoreOrder = []string{"graph", "graph"} }},
		{"sample rate above one", func(c *Config) { c.Consistency.SampleRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
