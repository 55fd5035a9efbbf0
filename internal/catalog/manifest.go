// Package catalog imports the emblem catalog from the item definition
// manifest and resolves the emblems a player owns.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/rarity"
)

// EmblemCategory is the item category hash carried by every emblem.
const EmblemCategory = 19

const upsertChunk = 500

type itemDefinition struct {
	Hash               int64   `json:"hash"`
	ItemCategoryHashes []int64 `json:"itemCategoryHashes"`
	DisplayProperties  struct {
		Name string `json:"name"`
		Icon string `json:"icon"`
	} `json:"displayProperties"`
}

func (d itemDefinition) isEmblem() bool {
	return slices.Contains(d.ItemCategoryHashes, EmblemCategory)
}

// ParseManifest streams an item definition table (an object keyed by item
// hash) and returns the emblems it contains, ordered by item id.
func ParseManifest(r io.Reader) ([]rarity.CatalogEntry, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("read manifest: expected object, got %v", tok)
	}

	var entries []rarity.CatalogEntry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read manifest key: %w", err)
		}
		key, _ := tok.(string)
		var def itemDefinition
		if err := dec.Decode(&def); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", key, err)
		}
		if !def.isEmblem() {
			continue
		}
		id := def.Hash
		if id == 0 {
			if id, err = strconv.ParseInt(key, 10, 64); err != nil {
				return nil, fmt.Errorf("item key %q: %w", key, err)
			}
		}
		name := def.DisplayProperties.Name
		if name == "" {
			name = "Hash " + strconv.FormatInt(id, 10)
		}
		entries = append(entries, rarity.CatalogEntry{
			ItemID:      id,
			DisplayName: name,
			IconRef:     def.DisplayProperties.Icon,
		})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read manifest end: %w", err)
	}
	slices.SortFunc(entries, func(a, b rarity.CatalogEntry) int {
		switch {
		case a.ItemID < b.ItemID:
			return -1
		case a.ItemID > b.ItemID:
			return 1
		}
		return 0
	})
	return entries, nil
}

// Importer loads a manifest into the catalog.
type Importer struct {
	catalog rarity.Catalog
	logger  *zap.Logger
}

// NewImporter builds an Importer.
func NewImporter(catalog rarity.Catalog, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{catalog: catalog, logger: logger.Named("catalog")}
}

// Import parses r and upserts every emblem. It returns the number imported.
func (i *Importer) Import(ctx context.Context, r io.Reader) (int, error) {
	entries, err := ParseManifest(r)
	if err != nil {
		return 0, err
	}
	for chunk := range slices.Chunk(entries, upsertChunk) {
		if err := i.catalog.UpsertEntries(ctx, chunk); err != nil {
			return 0, fmt.Errorf("upsert catalog entries: %w", err)
		}
	}
	i.logger.Info("catalog imported", zap.Int("emblems", len(entries)))
	return len(entries), nil
}
