package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// RecordStore implements rarity.Store, rarity.Catalog and rarity.StatusStore.
// It is safe for concurrent use.
type RecordStore struct {
	mu      sync.RWMutex
	records map[int64]rarity.Record
	catalog map[int64]rarity.CatalogEntry
	status  *rarity.SyncStatus
}

// NewRecordStore returns an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[int64]rarity.Record),
		catalog: make(map[int64]rarity.CatalogEntry),
	}
}

// Get returns a copy of the stored record.
func (s *RecordStore) Get(_ context.Context, itemID int64) (rarity.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[itemID]
	if !ok {
		return rarity.Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// Upsert overwrites the record for rec.ItemID.
func (s *RecordStore) Upsert(_ context.Context, rec rarity.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ItemID] = cloneRecord(rec)
	return nil
}

// ListResolved returns records with a value ordered by item id.
func (s *RecordStore) ListResolved(_ context.Context) ([]rarity.Record, error) {
	s.mu.RLock()
	out := make([]rarity.Record, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Resolved() {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// CountResolved counts catalog items with a resolved record.
func (s *RecordStore) CountResolved(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id, rec := range s.records {
		if _, ok := s.catalog[id]; ok && rec.Resolved() {
			n++
		}
	}
	return n, nil
}

// Reset drops every rarity record. Catalog and status are kept.
func (s *RecordStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[int64]rarity.Record)
	return nil
}

// ListItemIDs returns catalog ids in ascending order.
func (s *RecordStore) ListItemIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.catalog))
	for id := range s.catalog {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Count returns the catalog size.
func (s *RecordStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.catalog), nil
}

// UpsertEntries inserts or replaces catalog entries.
func (s *RecordStore) UpsertEntries(_ context.Context, entries []rarity.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.catalog[e.ItemID] = e
	}
	return nil
}

// GetEntry returns rarity.ErrNotFound for unknown items.
func (s *RecordStore) GetEntry(_ context.Context, itemID int64) (rarity.CatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.catalog[itemID]
	if !ok {
		return rarity.CatalogEntry{}, rarity.ErrNotFound
	}
	return e, nil
}

// LoadStatus returns the saved status or a pending one.
func (s *RecordStore) LoadStatus(_ context.Context) (rarity.SyncStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return rarity.SyncStatus{State: rarity.SyncPending}, nil
	}
	return *s.status, nil
}

// SaveStatus replaces the status singleton.
func (s *RecordStore) SaveStatus(_ context.Context, status rarity.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
	return nil
}

func cloneRecord(rec rarity.Record) rarity.Record {
	if rec.Percent != nil {
		rec.Percent = rarity.Float(*rec.Percent)
	}
	return rec
}
