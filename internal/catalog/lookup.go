package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// Lookup resolves the emblems owned by a signed-in player.
type Lookup struct {
	catalog  rarity.Catalog
	auth     rarity.AuthProvider
	profiles rarity.ProfileReader
	logger   *zap.Logger
}

// NewLookup builds a Lookup.
func NewLookup(catalog rarity.Catalog, auth rarity.AuthProvider, profiles rarity.ProfileReader, logger *zap.Logger) *Lookup {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lookup{catalog: catalog, auth: auth, profiles: profiles, logger: logger.Named("lookup")}
}

// OwnedEmblems returns the owned item ids that are emblems. Items missing
// from the catalog are looked up once and added when they turn out to be
// known emblems.
func (l *Lookup) OwnedEmblems(ctx context.Context, sessionID string, profile rarity.Profile) ([]rarity.CatalogEntry, error) {
	headers, err := l.auth.AuthHeaders(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve auth headers: %w", err)
	}
	profile.Headers = headers

	ids, err := l.profiles.OwnedItemIDs(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("read owned items: %w", err)
	}

	out := make([]rarity.CatalogEntry, 0, len(ids))
	var discovered []rarity.CatalogEntry
	for _, id := range ids {
		entry, err := l.catalog.GetEntry(ctx, id)
		if err == nil {
			out = append(out, entry)
			continue
		}
		if !errors.Is(err, rarity.ErrNotFound) {
			return nil, fmt.Errorf("get catalog entry %d: %w", id, err)
		}
		entry, err = l.profiles.ItemMetadata(ctx, id)
		if err != nil {
			if !errors.Is(err, rarity.ErrNotFound) {
				l.logger.Warn("item metadata lookup failed", zap.Int64("item_id", id), zap.Error(err))
			}
			continue
		}
		entry.ItemID = id
		discovered = append(discovered, entry)
		out = append(out, entry)
	}

	if len(discovered) > 0 {
		if err := l.catalog.UpsertEntries(ctx, discovered); err != nil {
			l.logger.Warn("catalog update failed", zap.Int("entries", len(discovered)), zap.Error(err))
		}
	}
	return out, nil
}
