package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
	"github.com/JakeFAU/emblem-rarity/internal/storage/memory"
)

var at = time.UnixMilli(1767225600000).UTC()

func seeded(t *testing.T) *memory.RecordStore {
	t.Helper()
	s := memory.NewRecordStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, rarity.Record{ItemID: 2, Percent: rarity.Float(1.5), Label: rarity.LabelConfirmed, SourceURL: "https://x/2", UpdatedAt: at}))
	require.NoError(t, s.Upsert(ctx, rarity.Record{ItemID: 1, Percent: rarity.Float(0.25), Label: rarity.LabelConfirmed, SourceURL: "https://x/1", UpdatedAt: at}))
	require.NoError(t, s.Upsert(ctx, rarity.Record{ItemID: 3, Label: rarity.LabelUnresolved, Reason: rarity.ReasonNoMatch, UpdatedAt: at}))
	return s
}

func TestFlushWritesResolvedRecords(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	cfg := Config{Prefix: "public", Name: "rarity.json"}
	w := NewWriter(seeded(t), blobs, cfg, nil)

	changed, err := w.Flush(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	data, err := NewReader(blobs, cfg).Read(context.Background())
	require.NoError(t, err)
	var entries []Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Equal(t, []Entry{
		{ItemID: 1, Percent: 0.25, Label: "confirmed", Source: "https://x/1", UpdatedAt: 1767225600000},
		{ItemID: 2, Percent: 1.5, Label: "confirmed", Source: "https://x/2", UpdatedAt: 1767225600000},
	}, entries)
}

func TestFlushSkipsIdenticalContent(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	w := NewWriter(seeded(t), blobs, Config{}, nil)

	_, err := w.Flush(context.Background())
	require.NoError(t, err)
	changed, err := w.Flush(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, blobs.Puts())

	// A fresh writer recognizes the artifact already on the store.
	again := NewWriter(seeded(t), blobs, Config{}, nil)
	changed, err = again.Flush(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, blobs.Puts())
}

func TestTriggerDebounces(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	records := seeded(t)
	w := NewWriter(records, blobs, Config{Debounce: 30 * time.Millisecond}, nil)

	for i := 0; i < 5; i++ {
		w.Trigger()
	}
	require.Eventually(t, func() bool { return blobs.Puts() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, blobs.Puts())

	require.NoError(t, records.Upsert(context.Background(), rarity.Record{ItemID: 9, Percent: rarity.Float(9), UpdatedAt: at}))
	w.Trigger()
	require.Eventually(t, func() bool { return blobs.Puts() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseFlushesPending(t *testing.T) {
	t.Parallel()
	blobs := memory.NewBlobStore()
	w := NewWriter(seeded(t), blobs, Config{Debounce: time.Hour}, nil)
	w.Trigger()
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 1, blobs.Puts())

	w.Trigger()
	require.NoError(t, w.Close(context.Background()))
	require.Equal(t, 1, blobs.Puts())
}

type brokenBlobs struct{ *memory.BlobStore }

func (brokenBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestFlushFailureKeepsPreviousArtifact(t *testing.T) {
	t.Parallel()
	inner := memory.NewBlobStore()
	cfg := Config{}
	_, err := NewWriter(seeded(t), inner, cfg, nil).Flush(context.Background())
	require.NoError(t, err)
	before, err := NewReader(inner, cfg).Read(context.Background())
	require.NoError(t, err)

	records := seeded(t)
	require.NoError(t, records.Upsert(context.Background(), rarity.Record{ItemID: 5, Percent: rarity.Float(5), UpdatedAt: at}))
	_, err = NewWriter(records, brokenBlobs{inner}, cfg, nil).Flush(context.Background())
	require.ErrorContains(t, err, "bucket unavailable")

	after, err := NewReader(inner, cfg).Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestReaderMissingArtifactIsEmptyArray(t *testing.T) {
	t.Parallel()
	data, err := NewReader(memory.NewBlobStore(), Config{Prefix: "public"}).Read(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(data))
}

func TestConfigPath(t *testing.T) {
	t.Parallel()
	require.Equal(t, "public/rarity.json", Config{Prefix: "public"}.Path())
	require.Equal(t, "x.json", Config{Name: "x.json"}.Path())
}
