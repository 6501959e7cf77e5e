// Package lock provides per-snapshot mutual exclusion for update cycles.
// A lease row in the meta database keys on the snapshot resource; only one
// holder owns it at a time, renewal extends it while work is in flight,
// and expiry lets a new holder take over after a crash. Fencing tokens
// increase monotonically per resource so downstream writes can reject a
// stale holder.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

var (
	// ErrLeaseHeld is returned by TryAcquire when a live lease exists.
	ErrLeaseHeld = errors.New("lease held by another holder")

	// ErrLeaseLost is returned when a renewal finds the lease stolen or
	// gone.
	ErrLeaseLost = errors.New("lease lost")
)

// Config tunes lease lifetime and renewal cadence.
type Config struct {
	LeaseDuration   time.Duration
	RenewalInterval time.Duration
}

// DefaultConfig returns a 15s lease renewed every 5s.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:   15 * time.Second,
		RenewalInterval: 5 * time.Second,
	}
}

// Manager acquires and renews snapshot leases. One Manager serves one
// process; its holder id tags every lease it takes.
type Manager struct {
	db       *meta.DB
	config   Config
	holderID string
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager creates a lock manager with a fresh holder identity.
func NewManager(db *meta.DB, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if config.RenewalInterval <= 0 || config.RenewalInterval >= config.LeaseDuration {
		config.RenewalInterval = config.LeaseDuration / 3
	}
	return &Manager{
		db:       db,
		config:   config,
		holderID: uuid.NewString(),
		logger:   logger,
		clock:    time.Now,
	}
}

// HolderID returns this manager's holder identity.
func (m *Manager) HolderID() string {
	return m.holderID
}

// Lease is a held snapshot lock. Ctx is cancelled if renewal fails, so
// the owning cycle can abort before commit. Release stops renewal and
// frees the lease.
type Lease struct {
	Resource string
	Fencing  uint64

	// TakenOverFrom is the previous holder's id when this lease was
	// acquired by expiring a crashed holder's lease. The acquirer must
	// discard that holder's staged state before doing new work.
	TakenOverFrom string

	manager  *Manager
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stopOnce sync.Once
	done     chan struct{}
}

// Ctx is cancelled when the lease is lost or released.
func (l *Lease) Ctx() context.Context {
	return l.ctx
}

// TryAcquire attempts to take the lease for a snapshot key without
// blocking. Returns ErrLeaseHeld when a live lease exists.
func (m *Manager) TryAcquire(ctx context.Context, key unit.SnapshotKey) (*Lease, error) {
	resource := key.String()
	now := m.clock()
	expires := now.Add(m.config.LeaseDuration)

	var (
		fencing   uint64
		takenOver string
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			holder    string
			curFence  uint64
			expiresAt string
		)
		err := tx.QueryRow(
			"SELECT holder_id, fencing, expires_at FROM leases WHERE resource = ?", resource,
		).Scan(&holder, &curFence, &expiresAt)

		switch {
		case err == sql.ErrNoRows:
			fencing = 1
			_, err = tx.Exec(
				"INSERT INTO leases (resource, holder_id, fencing, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)",
				resource, m.holderID, fencing, formatTime(now), formatTime(expires))
			return err

		case err != nil:
			return coreerrors.Infrastructure("read lease", err)
		}

		expiry, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
		if parseErr == nil && now.Before(expiry) && holder != m.holderID {
			return fmt.Errorf("%w: %s until %s", ErrLeaseHeld, holder, expiresAt)
		}

		// Expired (or our own leftover): take over with a higher fence.
		if holder != m.holderID {
			takenOver = holder
		}
		fencing = curFence + 1
		result, err := tx.Exec(
			"UPDATE leases SET holder_id = ?, fencing = ?, acquired_at = ?, expires_at = ? WHERE resource = ? AND fencing = ?",
			m.holderID, fencing, formatTime(now), formatTime(expires), resource, curFence)
		if err != nil {
			return coreerrors.Infrastructure("take over lease", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: lost takeover race", ErrLeaseHeld)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(context.Background())
	lease := &Lease{
		Resource:      resource,
		Fencing:       fencing,
		TakenOverFrom: takenOver,
		manager:       m,
		ctx:           leaseCtx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go m.renewLoop(lease)

	if takenOver != "" {
		m.logger.Warn("took over expired lease",
			"resource", resource, "previous_holder", takenOver, "fencing", fencing)
	} else {
		m.logger.Debug("lease acquired", "resource", resource, "fencing", fencing)
	}
	return lease, nil
}

// Acquire blocks until the lease is taken or ctx is done, backing off
// between attempts.
func (m *Manager) Acquire(ctx context.Context, key unit.SnapshotKey) (*Lease, error) {
	delay := 25 * time.Millisecond
	for {
		lease, err := m.TryAcquire(ctx, key)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return nil, err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func (m *Manager) renewLoop(lease *Lease) {
	ticker := time.NewTicker(m.config.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lease.done:
			return
		case <-ticker.C:
			if err := m.renew(lease); err != nil {
				m.logger.Warn("lease renewal failed",
					"resource", lease.Resource, "fencing", lease.Fencing, "error", err)
				lease.cancel(fmt.Errorf("%w: %v", ErrLeaseLost, err))
				return
			}
		}
	}
}

func (m *Manager) renew(lease *Lease) error {
	now := m.clock()
	expires := now.Add(m.config.LeaseDuration)

	result, err := m.db.Conn().Exec(
		"UPDATE leases SET expires_at = ? WHERE resource = ? AND holder_id = ? AND fencing = ?",
		formatTime(expires), lease.Resource, m.holderID, lease.Fencing)
	if err != nil {
		return coreerrors.Infrastructure("renew lease", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release stops renewal and deletes the lease. Idempotent; releasing a
// lease another holder has since taken is a no-op.
func (l *Lease) Release() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.cancel(nil)

		result, err := l.manager.db.Conn().Exec(
			"DELETE FROM leases WHERE resource = ? AND holder_id = ? AND fencing = ?",
			l.Resource, l.manager.holderID, l.Fencing)
		if err != nil {
			l.manager.logger.Warn("lease release failed", "resource", l.Resource, "error", err)
			return
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			l.manager.logger.Warn("released a lease no longer held", "resource", l.Resource)
		}
	})
}

// Held reports whether the lease context is still live.
func (l *Lease) Held() bool {
	return l.ctx.Err() == nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
