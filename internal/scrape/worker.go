// Package scrape runs rarity lookups through a FIFO queue with bounded
// concurrency, a global dispatch gap and the cooldown breaker.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/queue/memory"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// ErrWorkerClosed is delivered to jobs that never ran because the worker stopped.
var ErrWorkerClosed = errors.New("scrape worker closed")

// Gate delays a dispatch.
type Gate interface {
	Wait(ctx context.Context) error
}

// Breaker pauses dispatch after repeated blocking results.
type Breaker interface {
	Wait(ctx context.Context) error
	RecordBlocking()
	RecordSuccess()
}

// Config controls Worker behavior.
type Config struct {
	MaxConcurrency int
	// JobTimeout bounds a single job on top of the source's own timeouts.
	JobTimeout time.Duration
}

type job struct {
	itemID   int64
	done     chan rarity.Result
	enqueued time.Time
}

// Worker owns the job queue. Submit is safe from any goroutine; Run drains
// the queue until its context ends.
type Worker struct {
	source  Source
	gap     Gate
	breaker Breaker
	queue   *memory.Queue[job]
	slots   chan struct{}
	cfg     Config
	logger  *zap.Logger
	active  sync.WaitGroup
}

// New constructs a Worker. gap and breaker may be nil.
func New(source Source, gap Gate, breaker Breaker, cfg Config, logger *zap.Logger) *Worker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source:  source,
		gap:     gap,
		breaker: breaker,
		queue:   memory.NewQueue[job](),
		slots:   make(chan struct{}, cfg.MaxConcurrency),
		cfg:     cfg,
		logger:  logger.Named("scrape"),
	}
}

// Submit queues a lookup. It never blocks; the channel receives exactly one
// result.
func (w *Worker) Submit(itemID int64) <-chan rarity.Result {
	j := job{itemID: itemID, done: make(chan rarity.Result, 1), enqueued: time.Now()}
	if err := w.queue.Enqueue(j); err != nil {
		j.done <- closedResult(itemID)
		return j.done
	}
	metrics.SetQueueDepth(w.queue.Len())
	return j.done
}

// Pending returns the number of queued jobs not yet dispatched.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Run blocks, dispatching jobs until the context finishes or Close is called.
// Jobs still queued at that point receive ErrWorkerClosed.
func (w *Worker) Run(ctx context.Context) {
	defer w.shutdown()
	for {
		j, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, memory.ErrClosed) {
				w.logger.Error("queue dequeue failed", zap.Error(err))
				continue
			}
			return
		}
		metrics.SetQueueDepth(w.queue.Len())
		if err := w.admit(ctx); err != nil {
			j.done <- closedResult(j.itemID)
			return
		}
		w.active.Add(1)
		go w.runJob(ctx, j)
	}
}

// Close stops accepting jobs and releases Run.
func (w *Worker) Close() {
	for _, j := range w.queue.Close() {
		j.done <- closedResult(j.itemID)
	}
}

func (w *Worker) shutdown() {
	w.Close()
	w.active.Wait()
	metrics.SetQueueDepth(0)
}

// admit takes a concurrency slot then waits out the breaker and the gap.
func (w *Worker) admit(ctx context.Context) error {
	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("slot wait canceled: %w", ctx.Err())
	}
	if w.breaker != nil {
		if err := w.breaker.Wait(ctx); err != nil {
			<-w.slots
			return err
		}
	}
	if w.gap != nil {
		if err := w.gap.Wait(ctx); err != nil {
			<-w.slots
			return err
		}
	}
	return nil
}

func (w *Worker) runJob(ctx context.Context, j job) {
	defer w.active.Done()
	defer func() { <-w.slots }()
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	res := w.execute(ctx, j)
	if w.breaker != nil {
		switch {
		case res.Blocking():
			w.breaker.RecordBlocking()
		case res.OK():
			w.breaker.RecordSuccess()
		}
	}
	w.logger.Debug("job finished",
		zap.Int64("item_id", j.itemID),
		zap.String("reason", res.Reason),
		zap.Duration("queued", time.Since(j.enqueued)))
	j.done <- res
}

func (w *Worker) execute(ctx context.Context, j job) (res rarity.Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("scrape job panicked", zap.Int64("item_id", j.itemID), zap.Any("panic", r))
			res = rarity.Result{
				ItemID: j.itemID,
				Reason: rarity.ReasonInternal,
				Err:    fmt.Errorf("scrape job panic: %v", r),
			}
		}
	}()
	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	res = w.source.Fetch(jobCtx, j.itemID)
	res.ItemID = j.itemID
	return res
}

func closedResult(itemID int64) rarity.Result {
	return rarity.Result{ItemID: itemID, Reason: rarity.ReasonInternal, Err: ErrWorkerClosed}
}
