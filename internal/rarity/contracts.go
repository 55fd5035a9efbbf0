package rarity

import (
	"context"
	"net/http"
	"time"
)

// Store persists rarity records keyed by item id.
type Store interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, itemID int64) (Record, bool, error)
	// Upsert overwrites the record for rec.ItemID.
	Upsert(ctx context.Context, rec Record) error
	ListResolved(ctx context.Context) ([]Record, error)
	// CountResolved counts catalog items whose record has a value. Records
	// for ids outside the catalog are ignored.
	CountResolved(ctx context.Context) (int, error)
	// Reset deletes every record.
	Reset(ctx context.Context) error
}

// Catalog lists the known items.
type Catalog interface {
	ListItemIDs(ctx context.Context) ([]int64, error)
	Count(ctx context.Context) (int, error)
	UpsertEntries(ctx context.Context, entries []CatalogEntry) error
	// GetEntry returns ErrNotFound for unknown items.
	GetEntry(ctx context.Context, itemID int64) (CatalogEntry, error)
}

// StatusStore persists the synchronization status singleton. LoadStatus
// returns a pending status when nothing was saved yet.
type StatusStore interface {
	LoadStatus(ctx context.Context) (SyncStatus, error)
	SaveStatus(ctx context.Context, status SyncStatus) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Profile identifies a signed-in player.
type Profile struct {
	MembershipType int
	MembershipID   string
	Headers        http.Header
}

// AuthProvider resolves publisher API headers for a session.
type AuthProvider interface {
	AuthHeaders(ctx context.Context, sessionID string) (http.Header, error)
}

// ProfileReader reads a player's inventory and item metadata from the publisher API.
// ItemMetadata returns ErrNotFound for items that are not emblems.
type ProfileReader interface {
	OwnedItemIDs(ctx context.Context, profile Profile) ([]int64, error)
	ItemMetadata(ctx context.Context, itemID int64) (CatalogEntry, error)
}
