package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/emblem-rarity/internal/store"
)

// RunStore implements store.RunRepository on the sync_runs table.
type RunStore struct {
	db *sql.DB
}

// Runs returns the run history sharing this database.
func (s *Store) Runs() *RunStore {
	return &RunStore{db: s.db}
}

// StartRun inserts a running row.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, started_at, status, total) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		runID.String(), toMillis(startedAt), string(store.RunRunning), total)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// CompleteRun records the final counters of a run.
func (s *RunStore) CompleteRun(ctx context.Context, run store.Run) error {
	var finished sql.NullInt64
	if run.FinishedAt != nil {
		finished = sql.NullInt64{Int64: toMillis(*run.FinishedAt), Valid: true}
	}
	var msg sql.NullString
	if run.ErrorMessage != nil {
		msg = sql.NullString{String: *run.ErrorMessage, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, status = ?, total = ?, succeeded = ?, abandoned = ?, error_message = ?
		WHERE run_id = ?`,
		finished, string(run.Status), run.Total, run.Succeeded, run.Abandoned, msg, run.ID.String())
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete run %s: %w", run.ID, store.ErrNotFound)
	}
	return nil
}

// GetRun loads a single run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, status, total, succeeded, abandoned, error_message
		FROM sync_runs WHERE run_id = ?`, runID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]store.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, status, total, succeeded, abandoned, error_message
		FROM sync_runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
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

func scanRun(row scanner) (store.Run, error) {
	var (
		run      store.Run
		id       string
		started  int64
		finished sql.NullInt64
		status   string
		msg      sql.NullString
	)
	if err := row.Scan(&id, &started, &finished, &status, &run.Total, &run.Succeeded, &run.Abandoned, &msg); err != nil {
		return store.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.ID = parsed
	run.StartedAt = fromMillis(started)
	run.Status = store.RunStatus(status)
	if finished.Valid {
		at := fromMillis(finished.Int64)
		run.FinishedAt = &at
	}
	if msg.Valid {
		run.ErrorMessage = &msg.String
	}
	return run, nil
}
