package rarity

import "sort"

// RankRarest orders records rarest first with unresolved ones last and keeps
// at most top entries. A non-positive top keeps everything.
func RankRarest(records []Record, top int) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Percent, out[j].Percent
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	if top > 0 && len(out) > top {
		out = out[:top]
	}
	return out
}
