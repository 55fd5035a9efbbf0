// Package schedule fires the daily synchronization from a cron expression in
// the configured timezone.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/syncer"
)

// Triggerer starts a synchronization if one is due.
type Triggerer interface {
	Trigger(ctx context.Context, force bool) (syncer.TriggerResult, error)
}

// Config describes when to fire.
type Config struct {
	// Spec is a standard five-field cron expression.
	Spec     string
	Location *time.Location
	// RunOnStart performs a due check as soon as the scheduler starts.
	RunOnStart bool
}

// Scheduler wraps a cron runner with a single sync job.
type Scheduler struct {
	cron   *cron.Cron
	trig   Triggerer
	cfg    Config
	logger *zap.Logger
	ctx    context.Context
}

// New validates the expression and registers the job.
func New(cfg Config, trig Triggerer, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("schedule")
	cl := cronLogger{s: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		trig:   trig,
		cfg:    cfg,
		logger: logger,
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, func() { s.fire("cron") }); err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start runs the cron loop in the background. Triggers inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("sync scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.String("timezone", s.cfg.Location.String()),
		zap.Time("next", s.Next()))
	if s.cfg.RunOnStart {
		go s.fire("startup")
	}
}

// Stop halts the loop and waits for a running job callback to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next returns the next scheduled fire time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Scheduler) fire(source string) {
	res, err := s.trig.Trigger(s.ctx, false)
	if err != nil {
		s.logger.Error("sync trigger failed", zap.String("source", source), zap.Error(err))
		return
	}
	s.logger.Info("sync trigger", zap.String("source", source), zap.String("result", string(res)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
