// Package sqlite persists rarity records, the catalog and the sync status in
// a single SQLite file. It is the default backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

const schema = `
CREATE TABLE IF NOT EXISTS rarity (
	item_id    INTEGER PRIMARY KEY,
	percent    REAL,
	label      TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS catalog (
	item_id      INTEGER PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	icon_ref     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_status (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_date TEXT NOT NULL DEFAULT '',
	last_sync_at   INTEGER NOT NULL DEFAULT 0,
	total_items    INTEGER NOT NULL DEFAULT 0,
	state          TEXT NOT NULL,
	last_error     TEXT NOT NULL DEFAULT '',
	run_id         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_runs (
	run_id        TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	status        TEXT NOT NULL,
	total         INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	abandoned     INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS sync_runs_started_at ON sync_runs (started_at DESC);`

// Store implements rarity.Store, rarity.Catalog and rarity.StatusStore.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record and whether it exists.
func (s *Store) Get(ctx context.Context, itemID int64) (rarity.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, percent, label, source_url, reason, updated_at FROM rarity WHERE item_id = ?`, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rarity.Record{}, false, nil
	}
	if err != nil {
		return rarity.Record{}, false, fmt.Errorf("get rarity %d: %w", itemID, err)
	}
	return rec, true, nil
}

// Upsert overwrites the record for rec.ItemID.
func (s *Store) Upsert(ctx context.Context, rec rarity.Record) error {
	var pct sql.NullFloat64
	if rec.Percent != nil {
		pct = sql.NullFloat64{Float64: *rec.Percent, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rarity (item_id, percent, label, source_url, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			percent = excluded.percent,
			label = excluded.label,
			source_url = excluded.source_url,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		rec.ItemID, pct, rec.Label, rec.SourceURL, rec.Reason, toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert rarity %d: %w", rec.ItemID, err)
	}
	return nil
}

// ListResolved returns records with a value ordered by item id.
func (s *Store) ListResolved(ctx context.Context) ([]rarity.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, percent, label, source_url, reason, updated_at
		FROM rarity WHERE percent IS NOT NULL ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list resolved: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	var out []rarity.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rarity row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rarity rows: %w", err)
	}
	return out, nil
}

// CountResolved counts catalog items with a resolved record.
func (s *Store) CountResolved(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rarity r
		JOIN catalog c ON c.item_id = r.item_id
		WHERE r.percent IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count resolved: %w", err)
	}
	return n, nil
}

// Reset deletes every rarity record.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rarity`); err != nil {
		return fmt.Errorf("reset rarity: %w", err)
	}
	return nil
}

// ListItemIDs returns catalog ids in ascending order.
func (s *Store) ListItemIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM catalog ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan catalog id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return ids, nil
}

// Count returns the catalog size.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}

// UpsertEntries inserts or replaces catalog entries in one transaction.
func (s *Store) UpsertEntries(ctx context.Context, entries []rarity.CatalogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog (item_id, display_name, icon_ref) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			display_name = excluded.display_name,
			icon_ref = excluded.icon_ref`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare catalog upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the tx
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ItemID, e.DisplayName, e.IconRef); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert catalog %d: %w", e.ItemID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

// GetEntry returns rarity.ErrNotFound for unknown items.
func (s *Store) GetEntry(ctx context.Context, itemID int64) (rarity.CatalogEntry, error) {
	var e rarity.CatalogEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, display_name, icon_ref FROM catalog WHERE item_id = ?`, itemID).
		Scan(&e.ItemID, &e.DisplayName, &e.IconRef)
	if errors.Is(err, sql.ErrNoRows) {
		return rarity.CatalogEntry{}, rarity.ErrNotFound
	}
	if err != nil {
		return rarity.CatalogEntry{}, fmt.Errorf("get catalog %d: %w", itemID, err)
	}
	return e, nil
}

// LoadStatus returns the saved status or a pending one.
func (s *Store) LoadStatus(ctx context.Context) (rarity.SyncStatus, error) {
	var (
		st    rarity.SyncStatus
		at    int64
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync_date, last_sync_at, total_items, state, last_error, run_id
		FROM sync_status WHERE id = 1`).
		Scan(&st.LastSyncDate, &at, &st.TotalItems, &state, &st.LastError, &st.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return rarity.SyncStatus{State: rarity.SyncPending}, nil
	}
	if err != nil {
		return rarity.SyncStatus{}, fmt.Errorf("load sync status: %w", err)
	}
	st.State = rarity.SyncState(state)
	st.LastSyncAt = fromMillis(at)
	return st, nil
}

// SaveStatus replaces the status singleton.
func (s *Store) SaveStatus(ctx context.Context, st rarity.SyncStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (id, last_sync_date, last_sync_at, total_items, state, last_error, run_id)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_sync_date = excluded.last_sync_date,
			last_sync_at = excluded.last_sync_at,
			total_items = excluded.total_items,
			state = excluded.state,
			last_error = excluded.last_error,
			run_id = excluded.run_id`,
		st.LastSyncDate, toMillis(st.LastSyncAt), st.TotalItems, string(st.State), st.LastError, st.RunID)
	if err != nil {
		return fmt.Errorf("save sync status: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (rarity.Record, error) {
	var (
		rec rarity.Record
		pct sql.NullFloat64
		at  int64
	)
	if err := row.Scan(&rec.ItemID, &pct, &rec.Label, &rec.SourceURL, &rec.Reason, &at); err != nil {
		return rarity.Record{}, err
	}
	if pct.Valid {
		rec.Percent = rarity.Float(pct.Float64)
	}
	rec.UpdatedAt = fromMillis(at)
	return rec, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
