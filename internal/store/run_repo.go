package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("sync run not found")

// RunStatus mirrors the sync_runs status column.
type RunStatus string

// Run statuses persisted in sync_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one row of the synchronization history.
type Run struct {
	ID         uuid.UUID  `json:"runId"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Abandoned  int        `json:"abandoned"`
	// ErrorMessage is set for failed runs.
	ErrorMessage *string `json:"error,omitempty"`
}

// RunRepository persists the synchronization history.
type RunRepository interface {
	// StartRun inserts a running row; repeated calls are no-ops.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time, total int) error
	// CompleteRun marks the run finished.
	CompleteRun(ctx context.Context, run Run) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
}
