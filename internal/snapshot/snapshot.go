// Package snapshot publishes all resolved rarity values as one JSON artifact
// for cheap public consumption.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/hash/sha256"
	"github.com/JakeFAU/emblem-rarity/internal/metrics"
	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// BlobStore stores the artifact.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Lister returns resolved records.
type Lister interface {
	ListResolved(ctx context.Context) ([]rarity.Record, error)
}

// Entry is one element of the artifact array.
type Entry struct {
	ItemID    int64   `json:"itemId"`
	Percent   float64 `json:"percent"`
	Label     string  `json:"label"`
	Source    string  `json:"source"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Config controls where and how often the artifact is written.
type Config struct {
	Prefix   string
	Name     string
	Debounce time.Duration
	// WriteTimeout bounds one flush triggered by the debounce timer.
	WriteTimeout time.Duration
}

// Path joins prefix and name into the object key.
func (c Config) Path() string {
	name := c.Name
	if name == "" {
		name = "rarity.json"
	}
	return path.Join(c.Prefix, name)
}

// Writer rewrites the artifact after changes, debounced and deduplicated by
// content hash. It is safe for concurrent use.
type Writer struct {
	records Lister
	blobs   BlobStore
	cfg     Config
	hasher  *sha256.Hasher
	logger  *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	closed  bool

	flushMu    sync.Mutex
	lastDigest string
	inflight   sync.WaitGroup
}

// NewWriter builds a Writer.
func NewWriter(records Lister, blobs BlobStore, cfg Config, logger *zap.Logger) *Writer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		records: records,
		blobs:   blobs,
		cfg:     cfg,
		hasher:  sha256.New(),
		logger:  logger.Named("snapshot"),
	}
}

// Trigger schedules a write after the debounce delay. Calls within the delay
// push the write back.
func (w *Writer) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
}

func (w *Writer) fire() {
	w.mu.Lock()
	if !w.pending || w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()
	if _, err := w.Flush(ctx); err != nil {
		w.logger.Error("snapshot write failed; previous artifact kept", zap.Error(err))
	}
}

// Flush writes the artifact now. It reports whether the content changed.
func (w *Writer) Flush(ctx context.Context) (bool, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	recs, err := w.records.ListResolved(ctx)
	if err != nil {
		metrics.ObserveSnapshotWrite("error")
		return false, fmt.Errorf("list resolved: %w", err)
	}
	data, err := Encode(recs)
	if err != nil {
		metrics.ObserveSnapshotWrite("error")
		return false, err
	}
	digest, err := w.hasher.Hash(data)
	if err != nil {
		metrics.ObserveSnapshotWrite("error")
		return false, fmt.Errorf("hash snapshot: %w", err)
	}
	if w.lastDigest == "" {
		w.lastDigest = w.existingDigest(ctx)
	}
	if digest == w.lastDigest {
		metrics.ObserveSnapshotWrite("unchanged")
		return false, nil
	}
	uri, err := w.blobs.PutObject(ctx, w.cfg.Path(), "application/json", bytes.NewReader(data))
	if err != nil {
		metrics.ObserveSnapshotWrite("error")
		return false, fmt.Errorf("put snapshot: %w", err)
	}
	w.lastDigest = digest
	metrics.ObserveSnapshotWrite("written")
	w.logger.Info("snapshot written", zap.String("uri", uri), zap.Int("items", len(recs)))
	return true, nil
}

func (w *Writer) existingDigest(ctx context.Context) string {
	data, err := w.blobs.GetObject(ctx, w.cfg.Path())
	if err != nil {
		return ""
	}
	digest, err := w.hasher.Hash(data)
	if err != nil {
		return ""
	}
	return digest
}

// Close flushes a pending write and stops accepting triggers.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	pending := w.pending
	w.pending = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.inflight.Wait()
	if !pending {
		return nil
	}
	_, err := w.Flush(ctx)
	return err
}

// Encode renders records as the artifact body. Unresolved records are skipped.
func Encode(recs []rarity.Record) ([]byte, error) {
	entries := make([]Entry, 0, len(recs))
	for _, r := range recs {
		if !r.Resolved() {
			continue
		}
		entries = append(entries, Entry{
			ItemID:    r.ItemID,
			Percent:   *r.Percent,
			Label:     r.Label,
			Source:    r.SourceURL,
			UpdatedAt: r.UpdatedAt.UnixMilli(),
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Reader serves the artifact.
type Reader struct {
	blobs BlobStore
	path  string
}

// NewReader builds a Reader for cfg.Path().
func NewReader(blobs BlobStore, cfg Config) *Reader {
	return &Reader{blobs: blobs, path: cfg.Path()}
}

// Read returns the artifact body. A missing artifact reads as an empty array.
func (r *Reader) Read(ctx context.Context) ([]byte, error) {
	data, err := r.blobs.GetObject(ctx, r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []byte("[]"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}
