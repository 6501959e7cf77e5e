// Package meta manages the engine metadata database: the sqlite home of
// fingerprints, transaction records, the commit outbox, stage checkpoints,
// leases, heal jobs, and the WAL cursor. Store backends keep their own
// databases; this one belongs to the pipeline itself.
package meta

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the metadata database connection.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// DBConfig configures the metadata database connection pool.
//
// The metadata database sees short transactions from a handful of engine
// goroutines, so the pool stays small. MaxIdleConns should be 40-50% of
// MaxOpenConns to balance reuse with resource consumption.
type DBConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Connection pool configuration bounds.
const (
	// MinOpenConns is the minimum allowed value for MaxOpenConns.
	MinOpenConns = 1
	// MaxOpenConnsLimit is the maximum allowed value for MaxOpenConns.
	MaxOpenConnsLimit = 100
	// DefaultMaxOpenConns covers the engine's own goroutines with headroom.
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is 50% of DefaultMaxOpenConns.
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime prevents stale connections.
	DefaultConnMaxLifetime = time.Hour
	// DefaultConnMaxIdleTime releases idle connections after inactivity.
	DefaultConnMaxIdleTime = 30 * time.Minute
)

// DefaultDBConfig returns the standard configuration for the given path.
func DefaultDBConfig(path string) DBConfig {
	return DBConfig{
		Path:            path,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		ConnMaxIdleTime: DefaultConnMaxIdleTime,
	}
}

// Validate checks the configuration values and returns an error if invalid.
func (c DBConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("meta db config: path is required")
	}
	if c.MaxOpenConns < MinOpenConns || c.MaxOpenConns > MaxOpenConnsLimit {
		return fmt.Errorf("meta db config: MaxOpenConns must be between %d and %d, got %d",
			MinOpenConns, MaxOpenConnsLimit, c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("meta db config: MaxIdleConns must be non-negative, got %d", c.MaxIdleConns)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("meta db config: MaxIdleConns (%d) cannot exceed MaxOpenConns (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// DBOption is a functional option for configuring DBConfig.
type DBOption func(*DBConfig)

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) DBOption {
	return func(c *DBConfig) { c.MaxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) DBOption {
	return func(c *DBConfig) { c.MaxIdleConns = n }
}

// WithConnMaxLifetime sets the maximum connection lifetime.
func WithConnMaxLifetime(d time.Duration) DBOption {
	return func(c *DBConfig) { c.ConnMaxLifetime = d }
}

// Open opens the metadata database with default configuration.
func Open(path string) (*DB, error) {
	return OpenWithConfig(DefaultDBConfig(path))
}

// OpenWithOptions opens the database with functional options applied to
// the defaults.
func OpenWithOptions(path string, opts ...DBOption) (*DB, error) {
	config := DefaultDBConfig(path)
	for _, opt := range opts {
		opt(&config)
	}
	return OpenWithConfig(config)
}

// OpenWithConfig opens the database with the given configuration. The
// schema is migrated before the handle is returned.
func OpenWithConfig(config DBConfig) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_synchronous=normal&_busy_timeout=5000", config.Path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta database at %s: %w", config.Path, err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping meta database at %s: %w", config.Path, err)
	}

	m := &DB{
		db:   db,
		path: config.Path,
	}

	if err := m.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate meta database at %s: %w", config.Path, err)
	}

	return m, nil
}

func (m *DB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}

	return m.db.Close()
}

func (m *DB) Migrate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema on %s: %w", m.path, err)
	}

	return nil
}

func (m *DB) Vacuum() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec("VACUUM")
	if err != nil {
		return fmt.Errorf("failed to vacuum meta database at %s: %w", m.path, err)
	}

	return nil
}

// Conn exposes the underlying handle for the engine packages that keep
// their tables here.
func (m *DB) Conn() *sql.DB {
	return m.db
}

func (m *DB) Path() string {
	return m.path
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (m *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meta tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meta tx: %w", err)
	}
	return nil
}

func (m *DB) GetSchemaVersion() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var version int
	err := m.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version from %s: %w", m.path, err)
	}
	return version, nil
}
