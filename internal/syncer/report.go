package syncer

import (
	"context"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Stats counts catalog items with and without a value.
type Stats struct {
	WithData    int `json:"withData"`
	WithoutData int `json:"withoutData"`
}

// Report is the status view served to operators.
type Report struct {
	LastSyncDate string           `json:"lastSyncDate"`
	LastSyncAt   *int64           `json:"lastSyncAt"`
	State        rarity.SyncState `json:"state"`
	TotalItems   int              `json:"totalItems"`
	DueToday     bool             `json:"dueToday"`
	LastError    string           `json:"lastError,omitempty"`
	RunID        string           `json:"runId,omitempty"`
	RarityStats  Stats            `json:"rarityStats"`
	Progress     rarity.Progress  `json:"progress"`
}

// Report assembles the durable status, catalog coverage and live progress.
func (o *Orchestrator) Report(ctx context.Context) (Report, error) {
	st, err := o.deps.Status.LoadStatus(ctx)
	if err != nil {
		return Report{}, err
	}
	total, resolved, err := o.counts(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		LastSyncDate: st.LastSyncDate,
		State:        st.State,
		TotalItems:   st.TotalItems,
		LastError:    st.LastError,
		RunID:        st.RunID,
		RarityStats:  Stats{WithData: resolved, WithoutData: max(total-resolved, 0)},
		Progress:     o.Progress(),
	}
	if !st.LastSyncAt.IsZero() {
		ms := st.LastSyncAt.UnixMilli()
		rep.LastSyncAt = &ms
	}
	if !o.Running() {
		rep.DueToday, err = o.IsDue(ctx)
		if err != nil {
			return Report{}, err
		}
	}
	return rep, nil
}
