// Package syncer runs the once-per-day synchronization of every catalog item.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/clock/system"
	idgen "github.com/JakeFAU/emblem-rarity/internal/id/uuid"
	"github.com/JakeFAU/emblem-rarity/internal/progress"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

const tracerName = "github.com/JakeFAU/emblem-rarity/internal/syncer"

// TriggerResult is the answer to a synchronization request.
type TriggerResult string

// Trigger outcomes.
const (
	Started        TriggerResult = "started"
	AlreadyRunning TriggerResult = "already_running"
	AlreadySynced  TriggerResult = "already_synced"
)

// Refresher scrapes one item and writes it back before delivering the result.
type Refresher interface {
	Refresh(itemID int64) <-chan rarity.Result
	IsFresh(rec rarity.Record) bool
}

// Readier verifies the scraping session can be used.
type Readier interface {
	Ready(ctx context.Context) error
}

// Snapshotter is asked to rewrite the public artifact.
type Snapshotter interface {
	Trigger()
}

// Deps groups the collaborators of an Orchestrator. Snapshot and Emitter may be nil.
type Deps struct {
	Catalog   rarity.Catalog
	Records   rarity.Store
	Status    rarity.StatusStore
	Refresher Refresher
	Session   Readier
	Snapshot  Snapshotter
	Emitter   progress.Emitter
	Clock     rarity.Clock
	IDs       IDGenerator
}

// IDGenerator mints run ids.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// Config tunes batching.
type Config struct {
	BatchSize     int
	BatchTimeout  time.Duration
	BatchPause    time.Duration
	ProgressEvery int
	Location      *time.Location
}

// Orchestrator owns the sync state machine. At most one run is active per
// process.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	prog    rarity.Progress

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Minute
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("sync"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Trigger starts a run in the background unless one is running or today's
// run already completed. force skips the due check.
func (o *Orchestrator) Trigger(ctx context.Context, force bool) (TriggerResult, error) {
	res, err := o.acquire(ctx, force)
	if res != Started {
		return res, err
	}
	runID := o.newRunID()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Store(false)
		_ = o.execute(o.baseCtx, runID)
	}()
	return Started, nil
}

// RunNow is Trigger without the goroutine: it returns once the run finished.
func (o *Orchestrator) RunNow(ctx context.Context, force bool) (TriggerResult, rarity.SyncStatus, error) {
	res, err := o.acquire(ctx, force)
	if res != Started {
		return res, rarity.SyncStatus{}, err
	}
	defer o.running.Store(false)
	st := o.execute(ctx, o.newRunID())
	if st.State == rarity.SyncFailed {
		return Started, st, fmt.Errorf("sync failed: %s", st.LastError)
	}
	return Started, st, nil
}

func (o *Orchestrator) acquire(ctx context.Context, force bool) (TriggerResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return AlreadyRunning, nil
	}
	if force {
		return Started, nil
	}
	due, err := o.IsDue(ctx)
	if err != nil {
		o.running.Store(false)
		return "", err
	}
	if !due {
		o.running.Store(false)
		return AlreadySynced, nil
	}
	return Started, nil
}

// Close cancels an active run and waits for it to record its failure.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Progress returns a copy of the live progress.
func (o *Orchestrator) Progress() rarity.Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.prog
}

// Today formats the current date in the configured timezone.
func (o *Orchestrator) Today() string {
	return system.Today(o.deps.Clock, o.cfg.Location)
}

// IsDue reports whether a run should happen: the last completed run was on
// another day, it failed or was interrupted, or some catalog items still
// lack a value.
func (o *Orchestrator) IsDue(ctx context.Context) (bool, error) {
	st, err := o.deps.Status.LoadStatus(ctx)
	if err != nil {
		return false, fmt.Errorf("load sync status: %w", err)
	}
	if st.LastSyncDate != o.Today() {
		return true, nil
	}
	if st.State != rarity.SyncCompleted {
		return true, nil
	}
	total, resolved, err := o.counts(ctx)
	if err != nil {
		return false, err
	}
	return resolved < total, nil
}

func (o *Orchestrator) counts(ctx context.Context) (total, resolved int, err error) {
	total, err = o.deps.Catalog.Count(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count catalog: %w", err)
	}
	resolved, err = o.deps.Records.CountResolved(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("count resolved: %w", err)
	}
	return total, resolved, nil
}

// run is the mutable state of one execution.
type run struct {
	id        uuid.UUID
	start     time.Time
	total     int
	current   int
	succeeded int
	skipped   int
	abandoned int
}

func (o *Orchestrator) execute(ctx context.Context, runID uuid.UUID) (st rarity.SyncStatus) {
	r := &run{id: runID, start: o.deps.Clock.Now()}
	logger := o.logger.With(zap.String("run_id", runID.String()))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "sync.run")
	span.SetAttributes(attribute.String("sync.run_id", runID.String()))
	defer func() {
		span.SetAttributes(
			attribute.String("sync.state", string(st.State)),
			attribute.Int("sync.total", r.total),
			attribute.Int("sync.succeeded", r.succeeded),
			attribute.Int("sync.abandoned", r.abandoned),
		)
		if st.State == rarity.SyncFailed {
			span.SetStatus(codes.Error, st.LastError)
		}
		span.End()
	}()

	prev, err := o.deps.Status.LoadStatus(ctx)
	if err != nil {
		logger.Warn("load previous status failed", zap.Error(err))
	}
	ids, err := o.deps.Catalog.ListItemIDs(ctx)
	if err != nil {
		return o.fail(ctx, r, prev, fmt.Errorf("list catalog: %w", err))
	}
	r.total = len(ids)
	o.publish(r, "")
	o.saveStatus(ctx, rarity.SyncStatus{
		LastSyncDate: prev.LastSyncDate,
		LastSyncAt:   prev.LastSyncAt,
		TotalItems:   prev.TotalItems,
		State:        rarity.SyncInProgress,
		RunID:        runID.String(),
	})
	o.emit(r, progress.StageSyncStart, "")
	logger.Info("sync started", zap.Int("total", r.total))

	if err := o.deps.Session.Ready(ctx); err != nil {
		return o.fail(ctx, r, prev, fmt.Errorf("scraping session: %w", err))
	}

	for start := 0; start < len(ids); start += o.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, r, prev, fmt.Errorf("sync interrupted: %w", err))
		}
		end := min(start+o.cfg.BatchSize, len(ids))
		o.runBatch(ctx, r, ids[start:end])
		if end < len(ids) && o.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(o.cfg.BatchPause):
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, r, prev, fmt.Errorf("sync interrupted: %w", err))
	}

	st = rarity.SyncStatus{
		LastSyncDate: o.Today(),
		LastSyncAt:   o.deps.Clock.Now(),
		TotalItems:   r.succeeded,
		State:        rarity.SyncCompleted,
		RunID:        runID.String(),
	}
	o.saveStatus(ctx, st)
	if o.deps.Snapshot != nil {
		o.deps.Snapshot.Trigger()
	}
	o.emit(r, progress.StageSyncDone, "")
	o.finish(r)
	logger.Info("sync completed",
		zap.Int("total", r.total),
		zap.Int("succeeded", r.succeeded),
		zap.Int("skipped", r.skipped),
		zap.Int("abandoned", r.abandoned),
		zap.Duration("elapsed", o.deps.Clock.Now().Sub(r.start)))
	return st
}

// runBatch skips fresh records, refreshes the rest concurrently and waits up
// to BatchTimeout. Jobs still running at the deadline are abandoned; their
// results are still written by the refresher.
func (o *Orchestrator) runBatch(ctx context.Context, r *run, ids []int64) {
	pending := make([]int64, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := o.deps.Records.Get(ctx, id)
		if err != nil {
			o.logger.Warn("read record failed; refreshing", zap.Int64("item_id", id), zap.Error(err))
		}
		if err == nil && ok && o.deps.Refresher.IsFresh(rec) {
			r.skipped++
			if rec.Resolved() {
				r.succeeded++
			}
			o.advance(ctx, r, id)
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return
	}

	results := make(chan rarity.Result, len(pending))
	stop := make(chan struct{})
	defer close(stop)
	for _, id := range pending {
		ch := o.deps.Refresher.Refresh(id)
		go func() {
			select {
			case res := <-ch:
				results <- res
			case <-stop:
			}
		}()
	}

	deadline := time.NewTimer(o.cfg.BatchTimeout)
	defer deadline.Stop()
	for remaining := len(pending); remaining > 0; remaining-- {
		select {
		case res := <-results:
			if res.OK() {
				r.succeeded++
			}
			o.advance(ctx, r, res.ItemID)
		case <-deadline.C:
			o.logger.Warn("batch timed out; abandoning stragglers", zap.Int("abandoned", remaining))
			r.abandoned += remaining
			r.current += remaining
			o.publish(r, "")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) advance(ctx context.Context, r *run, itemID int64) {
	r.current++
	o.publish(r, o.itemName(ctx, itemID))
	if r.current%o.cfg.ProgressEvery == 0 || r.current == r.total {
		o.emit(r, progress.StageSyncProgress, "")
		p := o.Progress()
		o.logger.Info("sync progress",
			zap.Int("current", r.current),
			zap.Int("total", r.total),
			zap.Float64("percent", p.Percent()),
			zap.Float64("eta_seconds", p.EstimatedSecondsRemaining))
	}
}

func (o *Orchestrator) itemName(ctx context.Context, itemID int64) string {
	e, err := o.deps.Catalog.GetEntry(ctx, itemID)
	if err != nil || e.DisplayName == "" {
		return strconv.FormatInt(itemID, 10)
	}
	return e.DisplayName
}

func (o *Orchestrator) publish(r *run, currentItem string) {
	elapsed := o.deps.Clock.Now().Sub(r.start)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prog = rarity.Progress{
		IsRunning:                 true,
		RunID:                     r.id.String(),
		Current:                   r.current,
		Total:                     r.total,
		CurrentItem:               currentItem,
		StartTime:                 r.start,
		EstimatedSecondsRemaining: rarity.Estimate(r.current, r.total, elapsed),
		Succeeded:                 r.succeeded,
		Skipped:                   r.skipped,
		Abandoned:                 r.abandoned,
	}
}

func (o *Orchestrator) finish(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prog.IsRunning = false
	o.prog.CurrentItem = ""
	o.prog.EstimatedSecondsRemaining = 0
	o.prog.Current = r.current
	o.prog.Succeeded = r.succeeded
	o.prog.Skipped = r.skipped
	o.prog.Abandoned = r.abandoned
}

// fail records a failed run. The previous completion date is kept so the
// run stays due.
func (o *Orchestrator) fail(ctx context.Context, r *run, prev rarity.SyncStatus, cause error) rarity.SyncStatus {
	o.logger.Error("sync failed", zap.String("run_id", r.id.String()), zap.Error(cause))
	st := rarity.SyncStatus{
		LastSyncDate: prev.LastSyncDate,
		LastSyncAt:   prev.LastSyncAt,
		TotalItems:   prev.TotalItems,
		State:        rarity.SyncFailed,
		LastError:    cause.Error(),
		RunID:        r.id.String(),
	}
	saveCtx := ctx
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	o.saveStatus(saveCtx, st)
	o.emit(r, progress.StageSyncError, cause.Error())
	o.finish(r)
	return st
}

func (o *Orchestrator) saveStatus(ctx context.Context, st rarity.SyncStatus) {
	if err := o.deps.Status.SaveStatus(ctx, st); err != nil {
		o.logger.Error("save sync status failed", zap.String("state", string(st.State)), zap.Error(err))
	}
}

func (o *Orchestrator) emit(r *run, stage progress.Stage, note string) {
	if o.deps.Emitter == nil {
		return
	}
	now := o.deps.Clock.Now()
	elapsed := now.Sub(r.start)
	evt := progress.Event{
		RunID:     r.id,
		TS:        now,
		Stage:     stage,
		Current:   r.current,
		Total:     r.total,
		Succeeded: r.succeeded,
		Skipped:   r.skipped,
		Abandoned: r.abandoned,
		Dur:       max(elapsed, 0),
		Note:      note,
	}
	if stage == progress.StageSyncProgress {
		evt.ETA = time.Duration(rarity.Estimate(r.current, r.total, elapsed) * float64(time.Second))
	}
	o.deps.Emitter.Emit(evt)
}

func (o *Orchestrator) newRunID() uuid.UUID {
	id, err := o.deps.IDs.NewID()
	if err != nil {
		o.logger.Warn("run id generation failed, using random id", zap.Error(err))
		return uuid.New()
	}
	return id
}
