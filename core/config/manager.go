package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the state directory.
const FileName = "config.yaml"

// Manager loads and holds the engine configuration. Get is lock-free; Load
// swaps the whole config atomically.
type Manager struct {
	stateDir  string
	configPtr atomic.Pointer[Config]
}

// NewManager creates a manager rooted at the state directory
// (conventionally "<workspace>/.lattice"). The defaults are active until
// Load is called.
func NewManager(stateDir string) *Manager {
	m := &Manager{stateDir: stateDir}
	m.configPtr.Store(DefaultConfig())
	return m
}

// Get returns the active configuration. The returned value must not be
// mutated.
func (m *Manager) Get() *Config {
	return m.configPtr.Load()
}

// Path returns the config file path.
func (m *Manager) Path() string {
	return filepath.Join(m.stateDir, FileName)
}

// Load reads the config file over the defaults, applies environment
// overrides, validates, and publishes the result. A missing file is not an
// error; the defaults stand.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(m.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", m.Path(), err)
		}
	}

	applyEnvironment(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.configPtr.Store(cfg)
	return nil
}

// Save writes the active configuration to the config file.
func (m *Manager) Save() error {
	data, err := yaml.Marshal(m.Get())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := m.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, m.Path()); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv("LATTICE_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detector.DebounceWindow = d
		}
	}
	if v := os.Getenv("LATTICE_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lock.LeaseDuration = d
		}
	}
	if v := os.Getenv("LATTICE_WORKER_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Build.WorkerCeiling = n
		}
	}
	if v := os.Getenv("LATTICE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Consistency.SampleRate = f
		}
	}
	if v := os.Getenv("LATTICE_COMPACTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Compaction.Interval = d
		}
	}
	if v := os.Getenv("LATTICE_FAILURE_POLICY"); v != "" {
		cfg.Build.PartialFailurePolicy = v
	}
}
