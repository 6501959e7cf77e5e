// Package config defines the operator-facing configuration surface of the
// index engine and a manager that loads it from the workspace state
// directory.
package config

import (
	"fmt"
	"time"

	coreerrors "github.com/ellsmere/lattice/core/errors"
)

// Config is the full engine configuration. Zero values are filled from
// DefaultConfig by the Manager before anything reads them.
type Config struct {
	Detector    DetectorConfig    `yaml:"detector"`
	Lock        LockConfig        `yaml:"lock"`
	Build       BuildConfig       `yaml:"build"`
	Commit      CommitConfig      `yaml:"commit"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Propagation PropagationConfig `yaml:"propagation"`
	Retry       RetryConfig       `yaml:"retry"`
}

// DetectorConfig tunes change normalization and the event journal.
type DetectorConfig struct {
	// DebounceWindow is the per-unit quiet period before a change
	// becomes drainable.
	DebounceWindow time.Duration `yaml:"debounce_window"`

	// WALSegmentSize bounds each journal segment file in bytes.
	WALSegmentSize int64 `yaml:"wal_segment_size"`

	// ExcludePatterns are glob patterns the filesystem source ignores.
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// LockConfig tunes the snapshot lease.
type LockConfig struct {
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	RenewalInterval time.Duration `yaml:"renewal_interval"`
}

// BuildConfig tunes the layered builder.
type BuildConfig struct {
	// WorkerCeiling is the hard upper bound on concurrent stage tasks.
	// The resource governor may admit fewer, never more.
	WorkerCeiling int `yaml:"worker_ceiling"`

	// SoftMemoryLimitMB is the heap size at which the governor starts
	// shrinking admission. Zero disables the governor.
	SoftMemoryLimitMB int `yaml:"soft_memory_limit_mb"`

	// ArtifactCacheMB bounds the in-memory artifact cache.
	ArtifactCacheMB int64 `yaml:"artifact_cache_mb"`

	// PartialFailurePolicy is one of fail_cycle, exclude_stale,
	// delay_retry.
	PartialFailurePolicy string `yaml:"partial_failure_policy"`
}

// CommitConfig tunes the cross-store commit saga.
type CommitConfig struct {
	// StoreOrder is the fixed order stores commit in.
	StoreOrder []string `yaml:"store_order"`

	// StoreTimeout bounds each individual store commit call.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// ConflictRetryAttempts bounds whole-cycle retries on snapshot
	// conflicts.
	ConflictRetryAttempts int `yaml:"conflict_retry_attempts"`

	// AbandonAfter is how stale a partially committed saga may be
	// before recovery compensates instead of resuming.
	AbandonAfter time.Duration `yaml:"abandon_after"`
}

// ConsistencyConfig tunes the checker and self-healer.
type ConsistencyConfig struct {
	// SampleRate is the fraction of committed units checked per pass.
	SampleRate float64 `yaml:"sample_rate"`

	// CheckInterval is how often the background checker runs.
	CheckInterval time.Duration `yaml:"check_interval"`

	// RepairSizeThreshold splits immediate repairs from queued heal
	// jobs: drift sets at or below it repair inline.
	RepairSizeThreshold int `yaml:"repair_size_threshold"`
}

// CompactionConfig tunes tombstone sweeping and segment merging.
type CompactionConfig struct {
	Interval time.Duration `yaml:"interval"`

	// RetentionCycles is how many committed cycles a tombstone survives
	// before the sweep may reclaim it.
	RetentionCycles uint64 `yaml:"retention_cycles"`
}

// PropagationConfig decides how far signature changes ripple.
type PropagationConfig struct {
	// Reexports controls whether impact propagates transitively through
	// re-export edges.
	Reexports bool `yaml:"reexports"`

	// MaxAffectedDepth caps the reverse traversal. Zero is unbounded.
	MaxAffectedDepth int `yaml:"max_affected_depth"`
}

// RetryConfig carries per-kind retry policies.
type RetryConfig struct {
	Transient *coreerrors.RetryPolicy `yaml:"transient"`
	Conflict  *coreerrors.RetryPolicy `yaml:"conflict"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Detector: DetectorConfig{
			DebounceWindow: 300 * time.Millisecond,
			WALSegmentSize: 4 * 1024 * 1024,
			ExcludePatterns: []string{
				"**/.git/**",
				"**/.lattice/**",
				"**/node_modules/**",
			},
		},
		Lock: LockConfig{
			LeaseDuration:   15 * time.Second,
			RenewalInterval: 5 * time.Second,
		},
		Build: BuildConfig{
			WorkerCeiling:        8,
			SoftMemoryLimitMB:    1024,
			ArtifactCacheMB:      64,
			PartialFailurePolicy: "exclude_stale",
		},
		Commit: CommitConfig{
			StoreOrder:            []string{"graph", "lexical", "vector"},
			StoreTimeout:          30 * time.Second,
			ConflictRetryAttempts: 3,
			AbandonAfter:          5 * time.Minute,
		},
		Consistency: ConsistencyConfig{
			SampleRate:          0.02,
			CheckInterval:       5 * time.Minute,
			RepairSizeThreshold: 32,
		},
		Compaction: CompactionConfig{
			Interval:        10 * time.Minute,
			RetentionCycles: 4,
		},
		Propagation: PropagationConfig{
			Reexports:        true,
			MaxAffectedDepth: 0,
		},
		Retry: RetryConfig{},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Detector.DebounceWindow <= 0 {
		return fmt.Errorf("config: debounce_window must be positive")
	}
	if c.Detector.WALSegmentSize < 4096 {
		return fmt.Errorf("config: wal_segment_size must be at least 4096 bytes")
	}
	if c.Lock.LeaseDuration <= 0 {
		return fmt.Errorf("config: lease_duration must be positive")
	}
	if c.Lock.RenewalInterval <= 0 || c.Lock.RenewalInterval >= c.Lock.LeaseDuration {
		return fmt.Errorf("config: renewal_interval must be positive and shorter than lease_duration")
	}
	if c.Build.WorkerCeiling < 1 {
		return fmt.Errorf("config: worker_ceiling must be at least 1")
	}
	if _, err := coreerrors.ParseFailurePolicy(c.Build.PartialFailurePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.Commit.StoreOrder) == 0 {
		return fmt.Errorf("config: store_order must name at least one store")
	}
	seen := make(map[string]bool, len(c.Commit.StoreOrder))
	for _, name := range c.Commit.StoreOrder {
		if seen[name] {
			return fmt.Errorf("config: store_order repeats %q", name)
		}
		seen[name] = true
	}
	if c.Commit.ConflictRetryAttempts < 0 {
		return fmt.Errorf("config: conflict_retry_attempts must be non-negative")
	}
	if c.Consistency.SampleRate < 0 || c.Consistency.SampleRate > 1 {
		return fmt.Errorf("config: sample_rate must be in [0, 1]")
	}
	if c.Consistency.RepairSizeThreshold < 0 {
		return fmt.Errorf("config: repair_size_threshold must be non-negative")
	}
	if c.Compaction.Interval <= 0 {
		return fmt.Errorf("config: compaction interval must be positive")
	}
	return nil
}

// FailurePolicy returns the parsed partial-failure policy.
func (c *Config) FailurePolicy() coreerrors.FailurePolicy {
	policy, err := coreerrors.ParseFailurePolicy(c.Build.PartialFailurePolicy)
	if err != nil {
		return coreerrors.ExcludeStale
	}
	return policy
}

// RetryPolicies merges the configured overrides over the default per-kind
// policies.
func (c *Config) RetryPolicies() map[coreerrors.Kind]*coreerrors.RetryPolicy {
	policies := coreerrors.DefaultRetryPolicies()
	if c.Retry.Transient != nil {
		policies[coreerrors.KindTransient] = c.Retry.Transient
	}
	if c.Retry.Conflict != nil {
		policies[coreerrors.KindConflict] = c.Retry.Conflict
	}
	return policies
}
