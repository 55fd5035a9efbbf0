package scrape

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Source resolves one item. Implementations report target failures in the
// result and never block past their own timeouts.
type Source interface {
	Name() string
	Fetch(ctx context.Context, itemID int64) rarity.Result
}

// Chain tries its sources in order and returns the first value found.
type Chain struct {
	sources []Source
	logger  *zap.Logger
}

// NewChain builds a Chain. Nil sources are skipped.
func NewChain(logger *zap.Logger, sources ...Source) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger.Named("chain")}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Name identifies the source in logs and metrics.
func (c *Chain) Name() string {
	return "chain"
}

// Fetch returns the first successful result. When every source fails, a
// blocking failure wins over other reasons so the breaker still sees it.
func (c *Chain) Fetch(ctx context.Context, itemID int64) rarity.Result {
	var (
		first    rarity.Result
		blocking *rarity.Result
	)
	for i, src := range c.sources {
		res := src.Fetch(ctx, itemID)
		if res.OK() {
			return res
		}
		if i == 0 {
			first = res
		}
		if blocking == nil && res.Blocking() {
			r := res
			blocking = &r
		}
		c.logger.Debug("source found nothing",
			zap.String("source", src.Name()),
			zap.Int64("item_id", itemID),
			zap.String("reason", res.Reason),
			zap.Error(res.Err))
		if ctx.Err() != nil {
			break
		}
	}
	if blocking != nil {
		return *blocking
	}
	if len(c.sources) == 0 {
		return rarity.Result{ItemID: itemID, Reason: rarity.ReasonNoMatch}
	}
	return first
}
