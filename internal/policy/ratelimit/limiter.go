// Package ratelimit spaces scrape dispatches with a global minimum gap,
// random jitter and an optional pause after every batch of dispatches.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/emblem-rarity/internal/metrics"
)

// Config holds gap limiter configuration.
type Config struct {
	// MinGap is the floor between two dispatches. Zero disables the gap and jitter.
	MinGap time.Duration
	// BatchSize dispatches trigger a BatchInterval pause. Zero disables it.
	BatchSize     int
	BatchInterval time.Duration
	// Jitter returns a random duration in [0, max). Defaults to math/rand.
	Jitter func(max time.Duration) time.Duration
}

// Limiter is shared by every dispatch of the worker.
type Limiter struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	cfg        Config
	dispatched int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	l := rate.Inf
	if cfg.MinGap > 0 {
		l = rate.Every(cfg.MinGap)
	}
	return &Limiter{limiter: rate.NewLimiter(l, 1), cfg: cfg}
}

// Wait blocks until the next dispatch may start. Calls are serialized so the
// gap is global, not per caller.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.BatchSize > 0 && l.dispatched > 0 && l.dispatched%l.cfg.BatchSize == 0 {
		start := time.Now()
		if err := sleep(ctx, l.cfg.BatchInterval); err != nil {
			return fmt.Errorf("batch pause: %w", err)
		}
		metrics.ObserveDispatchDelay("batch", time.Since(start))
	}

	if l.cfg.MinGap > 0 {
		// The interval of the next token is re-drawn on every dispatch, so the
		// spacing is MinGap plus fresh jitter and never below MinGap.
		gap := l.cfg.MinGap + l.cfg.Jitter(l.cfg.MinGap)
		l.limiter.SetLimit(rate.Every(gap))
	}
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch gap wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveDispatchDelay("gap", waited)
	}
	l.dispatched++
	return nil
}

// Dispatched returns the number of dispatches allowed so far.
func (l *Limiter) Dispatched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispatched
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
