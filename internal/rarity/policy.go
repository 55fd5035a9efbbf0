package rarity

import "time"

// Policy decides when a record must be refreshed.
type Policy struct {
	PositiveTTL time.Duration
	NullTTL     time.Duration
}

// IsStale applies the TTL matching the record's value. Records that were
// never written are always stale.
func (p Policy) IsStale(rec Record, now time.Time) bool {
	if rec.UpdatedAt.IsZero() {
		return true
	}
	age := now.Sub(rec.UpdatedAt)
	if rec.Percent == nil {
		return age >= p.NullTTL
	}
	return age >= p.PositiveTTL
}
