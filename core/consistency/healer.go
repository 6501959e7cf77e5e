package consistency

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/ellsmere/lattice/core/errors"
	"github.com/ellsmere/lattice/core/meta"
	"github.com/ellsmere/lattice/core/unit"
)

// Heal job states.
const (
	jobPending = "pending"
	jobDone    = "done"
	jobFailed  = "failed"
)

const maxJobAttempts = 3

// Repairer runs a partial rebuild cycle for drifted units. The pipeline
// implements it by synthesizing a change set: rebuild ids become
// modifications, remove ids become deletes.
type Repairer interface {
	RepairUnits(ctx context.Context, rebuild []unit.ID, remove []unit.ID) error
}

// Healer turns drift reports into repairs: small sets rebuild inline,
// large sets queue as background heal jobs worked between cycles.
type Healer struct {
	db       *meta.DB
	checker  *Checker
	repairer Repairer
	// RepairSizeThreshold from config splits inline from queued.
	threshold int
	logger    *slog.Logger

	mu   sync.Mutex
	seen map[unit.ID]int
}

// NewHealer wires a healer. threshold at or below zero queues everything.
func NewHealer(db *meta.DB, checker *Checker, repairer Repairer, threshold int, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{
		db:        db,
		checker:   checker,
		repairer:  repairer,
		threshold: threshold,
		logger:    logger,
	}
}

// Heal resolves a drift report: at or below the repair size threshold
// the units rebuild immediately; above it a heal job is queued. Returns
// the number of units repaired inline.
func (h *Healer) Heal(ctx context.Context, report *Report) (int, error) {
	if report.IsHealthy() {
		return 0, nil
	}

	rebuild, remove := splitDrifts(report.Drifts)
	h.escalateRepeats(report.Drifts)

	total := len(rebuild) + len(remove)
	if h.threshold > 0 && total <= h.threshold {
		return total, h.repairInline(ctx, rebuild, remove)
	}

	if err := h.enqueue(ctx, rebuild, remove, "drift exceeds repair size threshold"); err != nil {
		return 0, err
	}
	h.logger.Info("heal job queued", "rebuild", len(rebuild), "remove", len(remove))
	return 0, nil
}

// repairInline runs the repair now and re-checks the touched units to
// confirm it took.
func (h *Healer) repairInline(ctx context.Context, rebuild, remove []unit.ID) error {
	before := len(rebuild) + len(remove)
	if err := h.repairer.RepairUnits(ctx, rebuild, remove); err != nil {
		return coreerrors.Drift("inline repair failed", err)
	}

	after := 0
	if verify, err := h.checker.CheckUnits(ctx, rebuild); err == nil {
		after = len(verify.Drifts)
	}
	h.logger.Info("drift repaired inline",
		"drifts_before", before, "drifts_after", after,
		"rebuilt", len(rebuild), "removed", len(remove))
	return nil
}

// escalateRepeats warns when the same unit drifts across passes; one
// drift is noise, repeated drift on a unit points at a store problem.
func (h *Healer) escalateRepeats(drifts []Drift) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen == nil {
		h.seen = make(map[unit.ID]int)
	}

	var repeats []string
	for _, d := range drifts {
		h.seen[d.Unit]++
		if h.seen[d.Unit] > 1 {
			repeats = append(repeats, string(d.Unit))
		}
	}
	if len(repeats) > 0 {
		sort.Strings(repeats)
		h.logger.Warn("repeated drift on units", "units", repeats)
	}
}

type jobPayload struct {
	Rebuild []unit.ID `json:"rebuild"`
	Remove  []unit.ID `json:"remove"`
}

func (h *Healer) enqueue(ctx context.Context, rebuild, remove []unit.ID, reason string) error {
	payload, err := json.Marshal(jobPayload{Rebuild: rebuild, Remove: remove})
	if err != nil {
		return coreerrors.Permanent("encode heal job", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = h.db.Conn().ExecContext(ctx,
		`INSERT INTO heal_jobs (job_id, unit_ids, reason, state, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		uuid.NewString(), string(payload), reason, jobPending, now, now)
	if err != nil {
		return coreerrors.Infrastructure("queue heal job", err)
	}
	return nil
}

// ProcessPending works queued heal jobs oldest-first, up to limit. Runs
// between update cycles at low priority. A job that keeps failing is
// parked as failed after maxJobAttempts.
func (h *Healer) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := h.db.Conn().QueryContext(ctx,
		"SELECT job_id, unit_ids, attempts FROM heal_jobs WHERE state = ? ORDER BY created_at LIMIT ?",
		jobPending, limit)
	if err != nil {
		return 0, coreerrors.Infrastructure("list heal jobs", err)
	}

	type job struct {
		id       string
		payload  string
		attempts int
	}
	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.id, &j.payload, &j.attempts); err != nil {
			rows.Close()
			return 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	processed := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return processed, coreerrors.Transient("heal processing cancelled", err)
		}

		var payload jobPayload
		if err := json.Unmarshal([]byte(j.payload), &payload); err != nil {
			if err := h.setJobState(ctx, j.id, jobFailed, j.attempts+1); err != nil {
				return processed, err
			}
			h.logger.Error("heal job payload corrupt", "job_id", j.id, "error", err)
			continue
		}

		repairErr := h.repairer.RepairUnits(ctx, payload.Rebuild, payload.Remove)
		if repairErr != nil {
			state := jobPending
			if j.attempts+1 >= maxJobAttempts {
				state = jobFailed
			}
			if err := h.setJobState(ctx, j.id, state, j.attempts+1); err != nil {
				return processed, err
			}
			h.logger.Error("heal job failed",
				"job_id", j.id, "attempts", j.attempts+1, "state", state, "error", repairErr)
			continue
		}

		if err := h.setJobState(ctx, j.id, jobDone, j.attempts+1); err != nil {
			return processed, err
		}
		h.logger.Info("heal job complete",
			"job_id", j.id, "rebuilt", len(payload.Rebuild), "removed", len(payload.Remove))
		processed++
	}
	return processed, nil
}

// PendingJobs returns the queued heal job count.
func (h *Healer) PendingJobs(ctx context.Context) (int, error) {
	var n int
	err := h.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM heal_jobs WHERE state = ?", jobPending).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, coreerrors.Infrastructure("count heal jobs", err)
	}
	return n, nil
}

func (h *Healer) setJobState(ctx context.Context, jobID, state string, attempts int) error {
	_, err := h.db.Conn().ExecContext(ctx,
		"UPDATE heal_jobs SET state = ?, attempts = ?, updated_at = ? WHERE job_id = ?",
		state, attempts, time.Now().UTC().Format(time.RFC3339Nano), jobID)
	if err != nil {
		return coreerrors.Infrastructure("update heal job", err)
	}
	return nil
}

// splitDrifts partitions drifts into rebuilds (missing or mismatched)
// and removals (orphans), de-duplicated. A unit both orphaned and
// missing elsewhere rebuilds; rebuild wins over remove.
func splitDrifts(drifts []Drift) (rebuild, remove []unit.ID) {
	rebuildSet := make(map[unit.ID]struct{})
	removeSet := make(map[unit.ID]struct{})
	for _, d := range drifts {
		if d.Kind == DriftOrphaned {
			removeSet[d.Unit] = struct{}{}
		} else {
			rebuildSet[d.Unit] = struct{}{}
		}
	}
	for id := range rebuildSet {
		delete(removeSet, id)
		rebuild = append(rebuild, id)
	}
	for id := range removeSet {
		remove = append(remove, id)
	}
	sort.Slice(rebuild, func(i, j int) bool { return rebuild[i] < rebuild[j] })
	sort.Slice(remove, func(i, j int) bool { return remove[i] < remove[j] })
	return rebuild, remove
}
