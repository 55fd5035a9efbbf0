package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeWorker hands out channels the test completes by hand.
type fakeWorker struct {
	mu   sync.Mutex
	jobs map[int64][]chan rarity.Result
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{jobs: make(map[int64][]chan rarity.Result)}
}

func (w *fakeWorker) Submit(itemID int64) <-chan rarity.Result {
	ch := make(chan rarity.Result, 1)
	w.mu.Lock()
	w.jobs[itemID] = append(w.jobs[itemID], ch)
	w.mu.Unlock()
	return ch
}

func (w *fakeWorker) submitted(itemID int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs[itemID])
}

func (w *fakeWorker) complete(itemID int64, res rarity.Result) {
	w.mu.Lock()
	ch := w.jobs[itemID][0]
	w.jobs[itemID] = w.jobs[itemID][1:]
	w.mu.Unlock()
	res.ItemID = itemID
	ch <- res
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Trigger() { c.n.Add(1) }

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newCache(store rarity.Store, w Submitter, n Notifier) *Cache {
	return New(store, w, fixedClock{now}, n, Config{
		Policy:       rarity.Policy{PositiveTTL: 24 * time.Hour, NullTTL: 30 * time.Minute},
		DedupeWindow: time.Minute,
	}, nil)
}

func TestGetNeverSeenReturnsPlaceholderAndEnqueuesOnce(t *testing.T) {
	t.Parallel()
	w := newFakeWorker()
	c := newCache(memory.NewRecordStore(), w, nil)

	rec, err := c.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, rarity.Placeholder(42), rec)
	require.Nil(t, rec.Percent)
	require.True(t, rec.UpdatedAt.IsZero())
	require.Equal(t, 1, w.submitted(42))

	_, err = c.Get(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, 1, w.submitted(42), "second read inside the dedupe window must not enqueue")
}

func TestGetDoesNotWaitForRefresh(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	stale := rarity.Record{ItemID: 7, Percent: rarity.Float(1), Label: rarity.LabelConfirmed, UpdatedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, store.Upsert(context.Background(), stale))
	w := newFakeWorker()
	c := newCache(store, w, nil)

	start := time.Now()
	rec, err := c.Get(context.Background(), 7)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Less(t, elapsed, 50*time.Millisecond)
	require.Equal(t, stale, rec)
	require.Equal(t, 1, w.submitted(7))

	// The read returned while the refresh was still undelivered.
	got, _, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, stale, got)

	w.complete(7, rarity.Result{Percent: rarity.Float(0.5), Label: rarity.LabelConfirmed})
	c.Wait()
	got, _, err = store.Get(context.Background(), 7)
	require.NoError(t, err)
	require.InDelta(t, 0.5, *got.Percent, 1e-9)
}

func TestGetSkipsRefreshOutsideCatalog(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	require.NoError(t, store.UpsertEntries(context.Background(), []rarity.CatalogEntry{{ItemID: 1}}))
	w := newFakeWorker()
	c := New(store, w, fixedClock{now}, nil, Config{
		Policy:  rarity.Policy{PositiveTTL: 24 * time.Hour, NullTTL: 30 * time.Minute},
		Catalog: store,
	}, nil)

	rec, err := c.Get(context.Background(), 99)
	require.NoError(t, err)
	require.Equal(t, rarity.Placeholder(99), rec)
	require.Zero(t, w.submitted(99))

	_, err = c.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, w.submitted(1))
}

func TestGetCapsPendingRefreshes(t *testing.T) {
	t.Parallel()
	w := newFakeWorker()
	c := New(memory.NewRecordStore(), w, fixedClock{now}, nil, Config{
		Policy:     rarity.Policy{PositiveTTL: 24 * time.Hour, NullTTL: 30 * time.Minute},
		MaxPending: 2,
	}, nil)

	for _, id := range []int64{1, 2, 3} {
		_, err := c.Get(context.Background(), id)
		require.NoError(t, err)
	}
	require.Equal(t, 1, w.submitted(1))
	require.Equal(t, 1, w.submitted(2))
	require.Zero(t, w.submitted(3), "third refresh exceeds the pending cap")

	w.complete(1, rarity.Result{Percent: rarity.Float(1)})
	require.Eventually(t, func() bool {
		_, err := c.Get(context.Background(), 3)
		return err == nil && w.submitted(3) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGetFreshRecordDoesNotEnqueue(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	fresh := rarity.Record{ItemID: 1, Percent: rarity.Float(3.2), Label: rarity.LabelConfirmed, UpdatedAt: now.Add(-time.Hour)}
	require.NoError(t, store.Upsert(context.Background(), fresh))
	w := newFakeWorker()
	c := newCache(store, w, nil)

	rec, err := c.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, fresh, rec)
	require.Zero(t, w.submitted(1))
	require.True(t, c.IsFresh(rec))
}

func TestGetStaleNullRecordEnqueues(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	stale := rarity.Record{ItemID: 2, Label: rarity.LabelUnresolved, Reason: rarity.ReasonNoMatch, UpdatedAt: now.Add(-31 * time.Minute)}
	require.NoError(t, store.Upsert(context.Background(), stale))
	w := newFakeWorker()
	c := newCache(store, w, nil)

	rec, err := c.Get(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, stale, rec)
	require.Equal(t, 1, w.submitted(2))
}

func TestRefreshWritesBeforeDelivering(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	w := newFakeWorker()
	n := &countingNotifier{}
	c := newCache(store, w, n)

	ch := c.Refresh(9)
	w.complete(9, rarity.Result{Percent: rarity.Float(0.8), Label: rarity.LabelConfirmed, Source: "https://x/9"})
	res := <-ch
	require.True(t, res.OK())

	rec, ok, err := store.Get(context.Background(), 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.8, *rec.Percent, 1e-9)
	require.Equal(t, now, rec.UpdatedAt)
	require.Equal(t, "https://x/9", rec.SourceURL)
	require.Equal(t, int32(1), n.n.Load())
}

func TestRefreshFailureClobbersValue(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	require.NoError(t, store.Upsert(context.Background(), rarity.Record{ItemID: 3, Percent: rarity.Float(5), UpdatedAt: now.Add(-48 * time.Hour)}))
	w := newFakeWorker()
	c := newCache(store, w, nil)

	ch := c.Refresh(3)
	w.complete(3, rarity.Result{Status: 403, Reason: rarity.HTTPReason(403)})
	<-ch

	rec, _, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	require.Nil(t, rec.Percent)
	require.Equal(t, "http_403", rec.Reason)
	require.Equal(t, rarity.LabelUnresolved, rec.Label)
	require.Equal(t, now, rec.UpdatedAt)
}

func TestRefreshInternalErrorKeepsRecord(t *testing.T) {
	t.Parallel()
	store := memory.NewRecordStore()
	old := rarity.Record{ItemID: 4, Percent: rarity.Float(5), Label: rarity.LabelConfirmed, UpdatedAt: now.Add(-48 * time.Hour)}
	require.NoError(t, store.Upsert(context.Background(), old))
	w := newFakeWorker()
	n := &countingNotifier{}
	c := newCache(store, w, n)

	ch := c.Refresh(4)
	w.complete(4, rarity.Result{Reason: rarity.ReasonInternal, Err: errors.New("worker closed")})
	<-ch
	c.Wait()

	rec, _, err := store.Get(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, old, rec)
	require.Zero(t, n.n.Load())
}

type failingStore struct{ rarity.Store }

func (failingStore) Get(context.Context, int64) (rarity.Record, bool, error) {
	return rarity.Record{}, false, errors.New("disk gone")
}

func TestGetSurfacesStoreErrors(t *testing.T) {
	t.Parallel()
	w := newFakeWorker()
	c := newCache(failingStore{}, w, nil)
	_, err := c.Get(context.Background(), 1)
	require.ErrorContains(t, err, "disk gone")
	require.Zero(t, w.submitted(1))
}
