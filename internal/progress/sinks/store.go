package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/progress"
	"github.com/JakeFAU/emblem-rarity/internal/store"
)

// StoreSink records run starts and completions in a store.RunRepository.
// Progress events are not persisted.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the repository.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSyncStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.TS, evt.Total); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageSyncDone, progress.StageSyncError:
			if err := s.complete(ctx, evt); err != nil {
				return fmt.Errorf("complete run: %w", err)
			}
		}
	}
	return nil
}

// complete finishes the run row, inserting it first for runs that failed
// before they emitted a start event.
func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	run := runFromEvent(evt)
	err := s.repo.CompleteRun(ctx, run)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.logger.Debug("run finished without a start row", zap.String("run_id", evt.RunID.String()))
	if err := s.repo.StartRun(ctx, evt.RunID, evt.TS, evt.Total); err != nil {
		return err
	}
	return s.repo.CompleteRun(ctx, run)
}

func runFromEvent(evt progress.Event) store.Run {
	finished := evt.TS
	run := store.Run{
		ID:         evt.RunID,
		FinishedAt: &finished,
		Status:     store.RunCompleted,
		Total:      evt.Total,
		Succeeded:  evt.Succeeded,
		Abandoned:  evt.Abandoned,
	}
	if evt.Stage == progress.StageSyncError {
		note := evt.Note
		run.Status = store.RunFailed
		run.ErrorMessage = &note
	}
	return run
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
