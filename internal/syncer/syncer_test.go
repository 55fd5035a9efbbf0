package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/emblem-rarity/internal/cache"
	"github.com/JakeFAU/emblem-rarity/internal/progress"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/storage/memory"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

const today = "2026-05-01"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type scriptedWorker struct {
	mu        sync.Mutex
	results   map[int64]rarity.Result
	gates     map[int64]chan struct{}
	submitted []int64
}

func newScriptedWorker() *scriptedWorker {
	return &scriptedWorker{results: map[int64]rarity.Result{}, gates: map[int64]chan struct{}{}}
}

func (w *scriptedWorker) Submit(itemID int64) <-chan rarity.Result {
	ch := make(chan rarity.Result, 1)
	w.mu.Lock()
	w.submitted = append(w.submitted, itemID)
	res, ok := w.results[itemID]
	gate := w.gates[itemID]
	w.mu.Unlock()
	if !ok {
		res = rarity.Result{Reason: rarity.ReasonNoMatch}
	}
	res.ItemID = itemID
	go func() {
		if gate != nil {
			<-gate
		}
		ch <- res
	}()
	return ch
}

func (w *scriptedWorker) Submitted() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64(nil), w.submitted...)
}

type fakeSession struct{ err error }

func (s fakeSession) Ready(context.Context) error { return s.err }

type countingSnapshot struct{ n atomic.Int32 }

func (s *countingSnapshot) Trigger() { s.n.Add(1) }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

type harness struct {
	store    *memory.RecordStore
	worker   *scriptedWorker
	snapshot *countingSnapshot
	emitter  *recordingEmitter
	orch     *Orchestrator
}

func newHarness(t *testing.T, ids []int64, session Readier, cfg Config) *harness {
	t.Helper()
	store := memory.NewRecordStore()
	entries := make([]rarity.CatalogEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, rarity.CatalogEntry{ItemID: id})
	}
	require.NoError(t, store.UpsertEntries(context.Background(), entries))
	worker := newScriptedWorker()
	clock := fixedClock{now}
	c := cache.New(store, worker, clock, nil, cache.Config{
		Policy: rarity.Policy{PositiveTTL: 24 * time.Hour, NullTTL: 30 * time.Minute},
	}, nil)
	h := &harness{store: store, worker: worker, snapshot: &countingSnapshot{}, emitter: &recordingEmitter{}}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	h.orch = New(Deps{
		Catalog:   store,
		Records:   store,
		Status:    store,
		Refresher: c,
		Session:   session,
		Snapshot:  h.snapshot,
		Emitter:   h.emitter,
		Clock:     clock,
	}, cfg, nil)
	t.Cleanup(h.orch.Close)
	return h
}

func TestRunSkipsFreshAndWritesFailures(t *testing.T) {
	t.Parallel()
	const a, b, c = 1, 2, 3
	h := newHarness(t, []int64{a, b, c}, fakeSession{}, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, rarity.Record{ItemID: a, Percent: rarity.Float(1), Label: rarity.LabelConfirmed, UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, h.store.Upsert(ctx, rarity.Record{ItemID: c, Percent: rarity.Float(3), Label: rarity.LabelConfirmed, UpdatedAt: now.Add(-48 * time.Hour)}))
	h.worker.results[b] = rarity.Result{Percent: rarity.Float(2), Label: rarity.LabelConfirmed}
	h.worker.results[c] = rarity.Result{Status: 403, Reason: rarity.HTTPReason(403)}

	res, st, err := h.orch.RunNow(ctx, false)
	require.NoError(t, err)
	require.Equal(t, Started, res)
	require.Equal(t, rarity.SyncCompleted, st.State)
	require.Equal(t, today, st.LastSyncDate)
	require.Equal(t, 2, st.TotalItems)

	require.ElementsMatch(t, []int64{b, c}, h.worker.Submitted())
	recC, _, err := h.store.Get(ctx, c)
	require.NoError(t, err)
	require.Nil(t, recC.Percent)
	require.Equal(t, "http_403", recC.Reason)
	recB, _, err := h.store.Get(ctx, b)
	require.NoError(t, err)
	require.InDelta(t, 2.0, *recB.Percent, 1e-9)

	saved, err := h.store.LoadStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, st, saved)

	p := h.orch.Progress()
	require.False(t, p.IsRunning)
	require.Equal(t, 3, p.Current)
	require.Equal(t, 1, p.Skipped)
	require.Equal(t, 2, p.Succeeded)
	require.Equal(t, int32(1), h.snapshot.n.Load())

	stages := h.emitter.Stages()
	require.Equal(t, progress.StageSyncStart, stages[0])
	require.Equal(t, progress.StageSyncDone, stages[len(stages)-1])

	// C is still unresolved, so the run stays due today.
	due, err := h.orch.IsDue(ctx)
	require.NoError(t, err)
	require.True(t, due)
}

func TestTriggerAlreadySyncedWhenComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1}, fakeSession{}, Config{})
	h.worker.results[1] = rarity.Result{Percent: rarity.Float(4)}

	_, _, err := h.orch.RunNow(context.Background(), false)
	require.NoError(t, err)

	res, err := h.orch.Trigger(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, AlreadySynced, res)
	require.False(t, h.orch.Running())

	res, err = h.orch.Trigger(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, Started, res)
	require.Eventually(t, func() bool { return !h.orch.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestAtMostOneRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1, 2}, fakeSession{}, Config{})
	gate := make(chan struct{})
	h.worker.gates[1] = gate

	res, err := h.orch.Trigger(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, Started, res)
	require.Eventually(t, func() bool { return len(h.worker.Submitted()) == 2 }, time.Second, 5*time.Millisecond)

	res, err = h.orch.Trigger(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, AlreadyRunning, res)
	res, _, err = h.orch.RunNow(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, AlreadyRunning, res)
	require.True(t, h.orch.Progress().IsRunning)

	close(gate)
	require.Eventually(t, func() bool { return !h.orch.Running() }, 2*time.Second, 10*time.Millisecond)
	st, err := h.store.LoadStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, rarity.SyncCompleted, st.State)
}

func TestBatchTimeoutDoesNotAbortRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1, 2, 3}, fakeSession{}, Config{BatchSize: 2, BatchTimeout: 50 * time.Millisecond})
	gate := make(chan struct{})
	h.worker.gates[2] = gate
	h.worker.results[1] = rarity.Result{Percent: rarity.Float(1)}
	h.worker.results[2] = rarity.Result{Percent: rarity.Float(2)}
	h.worker.results[3] = rarity.Result{Percent: rarity.Float(3)}

	_, st, err := h.orch.RunNow(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, rarity.SyncCompleted, st.State)
	require.Equal(t, 2, st.TotalItems)
	p := h.orch.Progress()
	require.Equal(t, 1, p.Abandoned)
	require.Equal(t, 3, p.Current)
	require.ElementsMatch(t, []int64{1, 2, 3}, h.worker.Submitted())

	// The straggler's late result still lands in the store.
	close(gate)
	require.Eventually(t, func() bool {
		rec, ok, _ := h.store.Get(context.Background(), 2)
		return ok && rec.Resolved()
	}, time.Second, 5*time.Millisecond)
}

func TestSessionFailureMarksRunFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1, 2}, fakeSession{err: errors.New("chrome did not start")}, Config{})
	ctx := context.Background()
	prev := rarity.SyncStatus{LastSyncDate: "2026-04-30", State: rarity.SyncCompleted, TotalItems: 2}
	require.NoError(t, h.store.SaveStatus(ctx, prev))

	_, st, err := h.orch.RunNow(ctx, false)
	require.ErrorContains(t, err, "chrome did not start")
	require.Equal(t, rarity.SyncFailed, st.State)
	require.Equal(t, "2026-04-30", st.LastSyncDate)
	require.Equal(t, 2, st.TotalItems)
	require.Empty(t, h.worker.Submitted())

	saved, err := h.store.LoadStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, rarity.SyncFailed, saved.State)
	require.Contains(t, saved.LastError, "chrome did not start")
	require.Contains(t, h.emitter.Stages(), progress.StageSyncError)

	due, err := h.orch.IsDue(ctx)
	require.NoError(t, err)
	require.True(t, due)
	require.False(t, h.orch.Running())
}

func TestFailedStateIsDueEvenWhenComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, fakeSession{}, Config{})
	require.NoError(t, h.store.SaveStatus(context.Background(), rarity.SyncStatus{LastSyncDate: today, State: rarity.SyncFailed}))
	due, err := h.orch.IsDue(context.Background())
	require.NoError(t, err)
	require.True(t, due)

	require.NoError(t, h.store.SaveStatus(context.Background(), rarity.SyncStatus{LastSyncDate: today, State: rarity.SyncCompleted}))
	due, err = h.orch.IsDue(context.Background())
	require.NoError(t, err)
	require.False(t, due)
}

func TestProgressEventsEveryN(t *testing.T) {
	t.Parallel()
	ids := []int64{1, 2, 3, 4, 5}
	h := newHarness(t, ids, fakeSession{}, Config{BatchSize: 2, ProgressEvery: 2})
	for _, id := range ids {
		h.worker.results[id] = rarity.Result{Percent: rarity.Float(float64(id))}
	}

	_, st, err := h.orch.RunNow(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 5, st.TotalItems)

	var currents []int
	h.emitter.mu.Lock()
	for _, evt := range h.emitter.events {
		if evt.Stage == progress.StageSyncProgress {
			currents = append(currents, evt.Current)
		}
	}
	h.emitter.mu.Unlock()
	require.Equal(t, []int{2, 4, 5}, currents)
}

func TestReport(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1, 2}, fakeSession{}, Config{})
	h.worker.results[1] = rarity.Result{Percent: rarity.Float(1)}

	_, _, err := h.orch.RunNow(context.Background(), false)
	require.NoError(t, err)

	rep, err := h.orch.Report(context.Background())
	require.NoError(t, err)
	require.Equal(t, today, rep.LastSyncDate)
	require.Equal(t, rarity.SyncCompleted, rep.State)
	require.Equal(t, Stats{WithData: 1, WithoutData: 1}, rep.RarityStats)
	require.True(t, rep.DueToday)
	require.NotNil(t, rep.LastSyncAt)
	require.Equal(t, now.UnixMilli(), *rep.LastSyncAt)
}

func TestNonCatalogRecordsDoNotCompleteTheDay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, []int64{1, 2}, fakeSession{}, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, rarity.Record{ItemID: 1, Percent: rarity.Float(1), UpdatedAt: now}))
	require.NoError(t, h.store.Upsert(ctx, rarity.Record{ItemID: 99, Percent: rarity.Float(5), UpdatedAt: now}))
	require.NoError(t, h.store.SaveStatus(ctx, rarity.SyncStatus{LastSyncDate: today, State: rarity.SyncCompleted}))

	due, err := h.orch.IsDue(ctx)
	require.NoError(t, err)
	require.True(t, due)

	rep, err := h.orch.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{WithData: 1, WithoutData: 1}, rep.RarityStats)
}
