package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newBreaker(clock *fakeNow) *Breaker {
	return New(Config{Threshold: 5, Duration: 3 * time.Minute, Now: clock.Now}, zap.NewNop())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{t: time.Unix(1000, 0)}
	b := newBreaker(clock)
	for i := 0; i < 4; i++ {
		b.RecordBlocking()
	}
	require.Equal(t, Closed, b.State())
	require.Equal(t, 4, b.Failures())

	b.RecordBlocking()
	require.Equal(t, Open, b.State())
	require.Zero(t, b.Failures(), "counter resets when the breaker trips")

	clock.Advance(3*time.Minute - time.Second)
	require.Equal(t, Open, b.State())
	clock.Advance(time.Second)
	require.Equal(t, HalfOpen, b.State())
}

func TestBreakerSuccessDecrements(t *testing.T) {
	t.Parallel()

	b := newBreaker(&fakeNow{t: time.Unix(1000, 0)})
	b.RecordBlocking()
	b.RecordBlocking()
	b.RecordSuccess()
	require.Equal(t, 1, b.Failures())
	b.RecordSuccess()
	b.RecordSuccess()
	require.Zero(t, b.Failures())
}

func TestBreakerHalfOpenTransitions(t *testing.T) {
	t.Parallel()

	clock := &fakeNow{t: time.Unix(1000, 0)}
	b := newBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordBlocking()
	}
	clock.Advance(3 * time.Minute)
	require.Equal(t, HalfOpen, b.State())

	b.RecordBlocking()
	require.Equal(t, Open, b.State(), "a blocking result re-opens a half-open breaker")

	clock.Advance(3 * time.Minute)
	require.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
}

func TestBreakerWaitBlocksWhileOpen(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Duration: 80 * time.Millisecond}, zap.NewNop())
	require.NoError(t, b.Wait(context.Background()))

	b.RecordBlocking()
	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.Equal(t, HalfOpen, b.State())
}

func TestBreakerWaitHonorsContext(t *testing.T) {
	t.Parallel()

	b := New(Config{Threshold: 1, Duration: time.Hour}, zap.NewNop())
	b.RecordBlocking()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
