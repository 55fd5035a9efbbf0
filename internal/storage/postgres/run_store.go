package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/emblem-rarity/internal/store"
)

// RunStore implements store.RunRepository on the sync_runs table.
type RunStore struct {
	pool querier
}

// NewRunStore wraps an existing pool.
func NewRunStore(pool querier) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// StartRun inserts a running row.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_runs (run_id, started_at, status, total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO NOTHING`,
		runID, startedAt, string(store.RunRunning), total)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteRun records the final counters of a run.
func (s *RunStore) CompleteRun(ctx context.Context, run store.Run) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_runs
		SET finished_at = $1, status = $2, total = $3, succeeded = $4, abandoned = $5, error_message = $6
		WHERE run_id = $7`,
		run.FinishedAt, string(run.Status), run.Total, run.Succeeded, run.Abandoned, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// GetRun loads a single run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, started_at, finished_at, status, total, succeeded, abandoned, error_message
		FROM sync_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]store.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, started_at, finished_at, status, total, succeeded, abandoned, error_message
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		status string
	)
	err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status,
		&run.Total, &run.Succeeded, &run.Abandoned, &run.ErrorMessage)
	if err != nil {
		return store.Run{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
