package rarity

import "time"

// SyncState is the lifecycle state of the daily synchronization.
type SyncState string

// Sync states.
const (
	SyncPending    SyncState = "pending"
	SyncInProgress SyncState = "in_progress"
	SyncCompleted  SyncState = "completed"
	SyncFailed     SyncState = "failed"
)

// DateLayout is the calendar format of SyncStatus.LastSyncDate.
const DateLayout = "2006-01-02"

// SyncStatus is the durable singleton describing the last synchronization.
type SyncStatus struct {
	LastSyncDate string
	LastSyncAt   time.Time
	TotalItems   int
	State        SyncState
	LastError    string
	RunID        string
}

// Progress is the live, process-local view of a running synchronization.
type Progress struct {
	IsRunning                 bool      `json:"isRunning"`
	RunID                     string    `json:"runId,omitempty"`
	Current                   int       `json:"current"`
	Total                     int       `json:"total"`
	CurrentItem               string    `json:"currentItem,omitempty"`
	StartTime                 time.Time `json:"startTime"`
	EstimatedSecondsRemaining float64   `json:"estimatedSecondsRemaining"`
	Succeeded                 int       `json:"succeeded"`
	Skipped                   int       `json:"skipped"`
	Abandoned                 int       `json:"abandoned"`
}

// Estimate computes the remaining seconds from the average time per item.
func Estimate(current, total int, elapsed time.Duration) float64 {
	if current <= 0 || total <= current {
		return 0
	}
	perItem := elapsed.Seconds() / float64(current)
	return float64(total-current) * perItem
}

// Percent returns the completed share of the run in [0,100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) * 100 / float64(p.Total)
}
