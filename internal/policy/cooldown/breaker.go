// Package cooldown implements the breaker that pauses scraping after the
// target repeatedly blocks us.
package cooldown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/metrics"
)

// State is the breaker position.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes the breaker.
type Config struct {
	Threshold int
	Duration  time.Duration
	Now       func() time.Time
}

// Breaker counts blocking results. Reaching Threshold opens it for Duration;
// afterwards it is half-open until the next success or blocking result.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	logger    *zap.Logger
	state     State
	failures  int
	openUntil time.Time
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, logger: logger.Named("cooldown")}
}

// RecordBlocking counts a 403 or challenge result.
func (b *Breaker) RecordBlocking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.trip("blocked while half-open")
		return
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.trip("threshold reached")
	}
}

// RecordSuccess decrements the counter and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
	}
	if b.state == HalfOpen {
		b.setState(Closed)
		b.logger.Info("breaker closed")
	}
}

// Wait blocks while the breaker is open. It returns immediately when closed
// or half-open.
func (b *Breaker) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.state != Open {
			b.mu.Unlock()
			return nil
		}
		remaining := b.openUntil.Sub(b.cfg.Now())
		if remaining <= 0 {
			b.setState(HalfOpen)
			b.logger.Info("breaker half-open, resuming dispatch")
			b.mu.Unlock()
			return nil
		}
		b.mu.Unlock()

		start := time.Now()
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("cooldown wait: %w", ctx.Err())
		case <-t.C:
			metrics.ObserveDispatchDelay("cooldown", time.Since(start))
		}
	}
}

// State reports the current state, moving open to half-open once the
// deadline passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && !b.cfg.Now().Before(b.openUntil) {
		b.setState(HalfOpen)
	}
	return b.state
}

// Failures returns the current blocking counter.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) trip(why string) {
	b.failures = 0
	b.openUntil = b.cfg.Now().Add(b.cfg.Duration)
	b.setState(Open)
	metrics.ObserveBreakerTrip()
	b.logger.Warn("breaker open, pausing dispatch",
		zap.String("reason", why),
		zap.Duration("cooldown", b.cfg.Duration),
		zap.Time("until", b.openUntil))
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetBreakerState(int(s))
}
