package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/emblem-rarity/internal/progress"
	"github.com/JakeFAU/emblem-rarity/internal/publisher/memory"
)

func TestPublishSinkSkipsProgressByDefault(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "rarity-sync")
	runID := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSyncStart, Total: 2},
		{RunID: runID, TS: now, Stage: progress.StageSyncProgress, Current: 1, Total: 2},
		{RunID: runID, TS: now, Stage: progress.StageSyncDone, Current: 2, Total: 2},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "rarity-sync", msgs[0].Topic)
	require.Equal(t, progress.StageSyncDone, msgs[1].Payload.(progress.Event).Stage)

	sink.Verbose = true
	require.NoError(t, sink.Consume(context.Background(), batch[1:2]))
	require.Len(t, pub.Messages(), 3)
}
