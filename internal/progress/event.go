package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported sync stages.
const (
	StageSyncStart    Stage = "SYNC_START"
	StageSyncProgress Stage = "SYNC_PROGRESS"
	StageSyncDone     Stage = "SYNC_DONE"
	StageSyncError    Stage = "SYNC_ERROR"
)

// Event is one synchronization milestone.
type Event struct {
	RunID     uuid.UUID `json:"runId"`
	TS        time.Time `json:"ts"`
	Stage     Stage     `json:"stage"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Abandoned int       `json:"abandoned"`
	// ETA is the estimated remaining time; only set on progress events.
	ETA time.Duration `json:"etaMs"`
	// Dur is the wall time of the run so far.
	Dur time.Duration `json:"durMs"`
	// Note carries the failure message of SYNC_ERROR events.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == uuid.Nil {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSyncStart, StageSyncProgress, StageSyncDone:
	case StageSyncError:
		if e.Note == "" {
			return errors.New("sync error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Current < 0 || e.Total < 0 || e.Current > e.Total {
		return fmt.Errorf("invalid progress %d/%d", e.Current, e.Total)
	}
	if e.Dur < 0 || e.ETA < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// Percent returns the completed share in [0,100].
func (e Event) Percent() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Current) * 100 / float64(e.Total)
}

// Attributes exposes routing metadata for message brokers.
func (e Event) Attributes() map[string]string {
	return map[string]string{"run_id": e.RunID.String(), "stage": string(e.Stage)}
}
