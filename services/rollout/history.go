package rollout

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"patchwave/pkg/db"
)

// Run status values recorded in history.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusNoOp    = "noop"
	RunStatusFailed  = "failed"
)

// History records rollout runs and their per-scope outcomes in Postgres. It
// is an audit trail, not a system of record for the rendered documents.
type History struct {
	pool *pgxpool.Pool
}

// NewHistory constructs a History over the provided pool.
func NewHistory(pool *pgxpool.Pool) (*History, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &History{pool: pool}, nil
}

// RunRecord is one rollout run as stored.
type RunRecord struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	ReferenceRunID    string     `db:"reference_run_id" json:"reference_run_id"`
	Status            string     `db:"status" json:"status"`
	WindowsKBCount    int        `db:"windows_kb_count" json:"windows_kb_count"`
	LinuxPackageCount int        `db:"linux_package_count" json:"linux_package_count"`
	StageCount        int        `db:"stage_count" json:"stage_count"`
	SnapshotKey       string     `db:"snapshot_key" json:"snapshot_key,omitempty"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	FinishedAt        *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// StageResultRecord is one per-scope outcome row.
type StageResultRecord struct {
	ID             int64     `db:"id" json:"id"`
	RunID          uuid.UUID `db:"run_id" json:"run_id"`
	StageName      string    `db:"stage_name" json:"stage_name"`
	Scope          string    `db:"scope" json:"scope,omitempty"`
	AssignmentName string    `db:"assignment_name" json:"assignment_name,omitempty"`
	Status         string    `db:"status" json:"status"`
	Detail         string    `db:"detail" json:"detail,omitempty"`
	At             time.Time `db:"at" json:"at"`
}

// StartRun inserts the running record for a new rollout.
func (h *History) StartRun(ctx context.Context, runID uuid.UUID, referenceRunID string) error {
	if h == nil {
		return nil
	}
	_, err := db.Exec(ctx, h.pool, `
INSERT INTO rollout_runs (id, reference_run_id, status, started_at)
VALUES ($1, $2, $3, $4)
`, runID, referenceRunID, RunStatusRunning, time.Now().UTC())
	return err
}

// FinishRun stamps the final status and counts on a run.
func (h *History) FinishRun(ctx context.Context, runID uuid.UUID, status string, windowsKBs, linuxPackages, stageCount int, snapshotKey string) error {
	if h == nil {
		return nil
	}
	_, err := db.Exec(ctx, h.pool, `
UPDATE rollout_runs
SET status = $2, windows_kb_count = $3, linux_package_count = $4, stage_count = $5, snapshot_key = $6, finished_at = $7
WHERE id = $1
`, runID, status, windowsKBs, linuxPackages, stageCount, snapshotKey, time.Now().UTC())
	return err
}

// RecordStageResult persists one stage's outcome: a row per scope, or a
// single failure row when the configuration deployment itself failed.
func (h *History) RecordStageResult(ctx context.Context, runID uuid.UUID, result StageResult) error {
	if h == nil {
		return nil
	}

	at := time.Now().UTC()

	if result.ConfigurationErr != nil {
		_, err := db.Exec(ctx, h.pool, `
INSERT INTO stage_results (run_id, stage_name, scope, assignment_name, status, detail, at)
VALUES ($1, $2, '', '', 'deployment_failed', $3, $4)
`, runID, result.StageName, result.ConfigurationErr.Error(), at)
		return err
	}

	for _, scope := range result.Scopes {
		status := "applied"
		detail := scope.Detail
		if !scope.Succeeded() {
			status = "failed"
			if scope.Err != nil {
				detail = scope.Err.Error()
			}
		}
		if _, err := db.Exec(ctx, h.pool, `
INSERT INTO stage_results (run_id, stage_name, scope, assignment_name, status, detail, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, runID, result.StageName, scope.Scope, scope.AssignmentName, status, detail, at); err != nil {
			return err
		}
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (h *History) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if h == nil {
		return nil, errors.New("history not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	var runs []RunRecord
	err := db.Select(ctx, h.pool, &runs, `
SELECT id, reference_run_id, status, windows_kb_count, linux_package_count, stage_count, snapshot_key, started_at, finished_at
FROM rollout_runs
ORDER BY started_at DESC
LIMIT $1
`, limit)
	return runs, err
}

// GetRun fetches a single run by ID.
func (h *History) GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error) {
	if h == nil {
		return RunRecord{}, errors.New("history not configured")
	}
	var run RunRecord
	err := db.Get(ctx, h.pool, &run, `
SELECT id, reference_run_id, status, windows_kb_count, linux_package_count, stage_count, snapshot_key, started_at, finished_at
FROM rollout_runs
WHERE id = $1
`, runID)
	return run, err
}

// ListStageResults returns the per-scope outcomes for one run in insertion
// order.
func (h *History) ListStageResults(ctx context.Context, runID uuid.UUID) ([]StageResultRecord, error) {
	if h == nil {
		return nil, errors.New("history not configured")
	}
	var results []StageResultRecord
	err := db.Select(ctx, h.pool, &results, `
SELECT id, run_id, stage_name, scope, assignment_name, status, detail, at
FROM stage_results
WHERE run_id = $1
ORDER BY id ASC
`, runID)
	return results, err
}
