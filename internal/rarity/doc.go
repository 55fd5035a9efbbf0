// Package rarity defines the domain model shared by the rarity cache, the
// scrape worker and the daily synchronizer: records, scrape results, the
// staleness policy and the storage contracts the backends implement.
package rarity
