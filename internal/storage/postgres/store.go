// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool used by the stores; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS rarity (
	item_id    BIGINT PRIMARY KEY,
	percent    DOUBLE PRECISION,
	label      TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS catalog (
	item_id      BIGINT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	icon_ref     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_status (
	id             SMALLINT PRIMARY KEY CHECK (id = 1),
	last_sync_date TEXT NOT NULL DEFAULT '',
	last_sync_at   TIMESTAMPTZ,
	total_items    INTEGER NOT NULL DEFAULT 0,
	state          TEXT NOT NULL,
	last_error     TEXT NOT NULL DEFAULT '',
	run_id         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_runs (
	run_id        UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	total         INTEGER NOT NULL DEFAULT 0,
	succeeded     INTEGER NOT NULL DEFAULT 0,
	abandoned     INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);`

// Store implements rarity.Store, rarity.Catalog and rarity.StatusStore.
type Store struct {
	pool querier
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewStore wraps an existing pool (a *pgxpool.Pool or a pgxmock pool).
func NewStore(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Get returns the record and whether it exists.
func (s *Store) Get(ctx context.Context, itemID int64) (rarity.Record, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT item_id, percent, label, source_url, reason, updated_at
		FROM rarity WHERE item_id = $1`, itemID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rarity.Record{}, false, nil
	}
	if err != nil {
		return rarity.Record{}, false, fmt.Errorf("get rarity %d: %w", itemID, err)
	}
	return rec, true, nil
}

// Upsert overwrites the record for rec.ItemID.
func (s *Store) Upsert(ctx context.Context, rec rarity.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rarity (item_id, percent, label, source_url, reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE SET
			percent = EXCLUDED.percent,
			label = EXCLUDED.label,
			source_url = EXCLUDED.source_url,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`,
		rec.ItemID, rec.Percent, rec.Label, rec.SourceURL, rec.Reason, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert rarity %d: %w", rec.ItemID, err)
	}
	return nil
}

// ListResolved returns records with a value ordered by item id.
func (s *Store) ListResolved(ctx context.Context) ([]rarity.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, percent, label, source_url, reason, updated_at
		FROM rarity WHERE percent IS NOT NULL ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list resolved: %w", err)
	}
	defer rows.Close()
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
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM rarity r
		JOIN catalog c ON c.item_id = r.item_id
		WHERE r.percent IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count resolved: %w", err)
	}
	return n, nil
}

// Reset deletes every rarity record.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rarity`); err != nil {
		return fmt.Errorf("reset rarity: %w", err)
	}
	return nil
}

// ListItemIDs returns catalog ids in ascending order.
func (s *Store) ListItemIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT item_id FROM catalog ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
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
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM catalog`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog: %w", err)
	}
	return n, nil
}

// UpsertEntries inserts or replaces catalog entries in one transaction.
func (s *Store) UpsertEntries(ctx context.Context, entries []rarity.CatalogEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO catalog (item_id, display_name, icon_ref) VALUES ($1, $2, $3)
			ON CONFLICT (item_id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				icon_ref = EXCLUDED.icon_ref`,
			e.ItemID, e.DisplayName, e.IconRef)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert catalog %d: %w", e.ItemID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit catalog tx: %w", err)
	}
	return nil
}

// GetEntry returns rarity.ErrNotFound for unknown items.
func (s *Store) GetEntry(ctx context.Context, itemID int64) (rarity.CatalogEntry, error) {
	var e rarity.CatalogEntry
	err := s.pool.QueryRow(ctx,
		`SELECT item_id, display_name, icon_ref FROM catalog WHERE item_id = $1`, itemID).
		Scan(&e.ItemID, &e.DisplayName, &e.IconRef)
	if errors.Is(err, pgx.ErrNoRows) {
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
		at    *time.Time
		state string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT last_sync_date, last_sync_at, total_items, state, last_error, run_id
		FROM sync_status WHERE id = 1`).
		Scan(&st.LastSyncDate, &at, &st.TotalItems, &state, &st.LastError, &st.RunID)
	if errors.Is(err, pgx.ErrNoRows) {
		return rarity.SyncStatus{State: rarity.SyncPending}, nil
	}
	if err != nil {
		return rarity.SyncStatus{}, fmt.Errorf("load sync status: %w", err)
	}
	st.State = rarity.SyncState(state)
	if at != nil {
		st.LastSyncAt = at.UTC()
	}
	return st, nil
}

// SaveStatus replaces the status singleton.
func (s *Store) SaveStatus(ctx context.Context, st rarity.SyncStatus) error {
	var at *time.Time
	if !st.LastSyncAt.IsZero() {
		at = &st.LastSyncAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_status (id, last_sync_date, last_sync_at, total_items, state, last_error, run_id)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			last_sync_date = EXCLUDED.last_sync_date,
			last_sync_at = EXCLUDED.last_sync_at,
			total_items = EXCLUDED.total_items,
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			run_id = EXCLUDED.run_id`,
		st.LastSyncDate, at, st.TotalItems, string(st.State), st.LastError, st.RunID)
	if err != nil {
		return fmt.Errorf("save sync status: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (rarity.Record, error) {
	var rec rarity.Record
	if err := row.Scan(&rec.ItemID, &rec.Percent, &rec.Label, &rec.SourceURL, &rec.Reason, &rec.UpdatedAt); err != nil {
		return rarity.Record{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
