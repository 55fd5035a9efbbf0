package rarity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRankRarestOrdersNullsLast sorts ascending by percent and pushes unknowns to the end.
func TestRankRarestOrdersNullsLast(t *testing.T) {
	t.Parallel()

	in := []Record{
		{ItemID: 1},
		{ItemID: 2, Percent: Float(12.5)},
		{ItemID: 3, Percent: Float(0.3)},
		{ItemID: 4},
		{ItemID: 5, Percent: Float(4)},
	}
	got := RankRarest(in, 0)
	ids := make([]int64, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ItemID)
	}
	require.Equal(t, []int64{3, 5, 2, 1, 4}, ids)
	require.Equal(t, int64(1), in[0].ItemID, "input must not be reordered")
}

func TestRankRarestTopN(t *testing.T) {
	t.Parallel()

	in := []Record{{ItemID: 1, Percent: Float(3)}, {ItemID: 2, Percent: Float(1)}, {ItemID: 3}}
	got := RankRarest(in, 2)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].ItemID)
	require.Equal(t, int64(1), got[1].ItemID)
}
