// Package cache serves rarity records cache-first and refreshes stale ones
// in the background through the scrape worker.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Submitter queues a scrape. The returned channel receives exactly one result.
type Submitter interface {
	Submit(itemID int64) <-chan rarity.Result
}

// Notifier is told after every store write.
type Notifier interface {
	Trigger()
}

// Membership answers whether an item belongs to the catalog.
type Membership interface {
	GetEntry(ctx context.Context, itemID int64) (rarity.CatalogEntry, error)
}

// Config controls staleness and refresh dedupe.
type Config struct {
	Policy rarity.Policy
	// DedupeWindow suppresses repeated read-triggered refreshes of one item.
	DedupeWindow time.Duration
	DedupeSize   int
	// Catalog, when set, limits read-triggered refreshes to catalog items.
	Catalog Membership
	// MaxPending caps read-triggered refreshes in flight. Defaults to 256.
	MaxPending int
}

// Cache is a read-through view of a rarity.Store.
type Cache struct {
	store    rarity.Store
	worker   Submitter
	clock    rarity.Clock
	policy   rarity.Policy
	notifier Notifier
	catalog  Membership
	logger   *zap.Logger

	mu         sync.Mutex
	recent     *expirable.LRU[int64, struct{}]
	pending    int
	maxPending int
	writes     sync.WaitGroup
}

// New builds a Cache. notifier may be nil.
func New(store rarity.Store, worker Submitter, clock rarity.Clock, notifier Notifier, cfg Config, logger *zap.Logger) *Cache {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 4096
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:      store,
		worker:     worker,
		clock:      clock,
		policy:     cfg.Policy,
		notifier:   notifier,
		catalog:    cfg.Catalog,
		logger:     logger.Named("cache"),
		recent:     expirable.NewLRU[int64, struct{}](cfg.DedupeSize, nil, cfg.DedupeWindow),
		maxPending: cfg.MaxPending,
	}
}

// Get returns the stored record, or a placeholder for unknown items, without
// waiting on a scrape. Stale records schedule one background refresh.
func (c *Cache) Get(ctx context.Context, itemID int64) (rarity.Record, error) {
	rec, ok, err := c.store.Get(ctx, itemID)
	if err != nil {
		return rarity.Record{}, fmt.Errorf("read rarity %d: %w", itemID, err)
	}
	result := "fresh"
	if !ok {
		rec = rarity.Placeholder(itemID)
		result = "miss"
	}
	if c.policy.IsStale(rec, c.clock.Now()) {
		if ok {
			result = "stale"
		}
		c.refreshOnce(ctx, itemID)
	}
	metrics.ObserveCacheRead(result)
	return rec, nil
}

// IsFresh reports whether rec is within its TTL.
func (c *Cache) IsFresh(rec rarity.Record) bool {
	return !c.policy.IsStale(rec, c.clock.Now())
}

// Refresh scrapes itemID and writes the result back. The store write happens
// before the result is delivered on the returned channel.
func (c *Cache) Refresh(itemID int64) <-chan rarity.Result {
	return c.refresh(itemID, nil)
}

func (c *Cache) refresh(itemID int64, done func()) <-chan rarity.Result {
	out := make(chan rarity.Result, 1)
	in := c.worker.Submit(itemID)
	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		res := <-in
		c.writeBack(res)
		if done != nil {
			done()
		}
		out <- res
	}()
	return out
}

// Wait blocks until every pending write-back finished. Used on shutdown.
func (c *Cache) Wait() {
	c.writes.Wait()
}

// refreshOnce schedules a read-triggered refresh unless the item is outside
// the catalog, was refreshed within the dedupe window, or too many
// read-triggered refreshes are already pending.
func (c *Cache) refreshOnce(ctx context.Context, itemID int64) {
	if c.catalog != nil {
		if _, err := c.catalog.GetEntry(ctx, itemID); err != nil {
			if !errors.Is(err, rarity.ErrNotFound) {
				c.logger.Warn("catalog lookup failed", zap.Int64("item_id", itemID), zap.Error(err))
			}
			metrics.ObserveCacheRefresh("not_in_catalog")
			return
		}
	}
	c.mu.Lock()
	if c.recent.Contains(itemID) {
		c.mu.Unlock()
		metrics.ObserveCacheRefresh("deduped")
		return
	}
	if c.pending >= c.maxPending {
		c.mu.Unlock()
		metrics.ObserveCacheRefresh("throttled")
		return
	}
	c.recent.Add(itemID, struct{}{})
	c.pending++
	c.mu.Unlock()
	metrics.ObserveCacheRefresh("enqueued")
	c.refresh(itemID, func() {
		c.mu.Lock()
		c.pending--
		c.mu.Unlock()
	})
}

// writeBack persists target outcomes, failures included, so they age out
// under the null TTL. Internal errors carry no information about the item
// and leave the previous record in place.
func (c *Cache) writeBack(res rarity.Result) {
	logger := c.logger.With(zap.Int64("item_id", res.ItemID))
	if res.Err != nil {
		logger.Warn("refresh failed internally", zap.Error(res.Err))
		return
	}
	// Detached from any request: the write must land even if the caller left.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Upsert(ctx, res.Record(c.clock.Now())); err != nil {
		logger.Error("write rarity failed", zap.Error(err))
		return
	}
	if res.OK() {
		logger.Debug("rarity refreshed", zap.Float64("percent", *res.Percent))
	} else {
		logger.Info("rarity unresolved", zap.String("reason", res.Reason))
	}
	if c.notifier != nil {
		c.notifier.Trigger()
	}
}
