package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDOMWalkAdjacentSibling(t *testing.T) {
	t.Parallel()

	html := `<html><body><div class="stats">
		<div class="rarity"><span>Community Rarity</span><span class="value">0.87%</span></div>
		<div>Owned by 12% of something else</div>
	</div></body></html>`
	v, ok := DOMWalk(Page{HTML: html})
	require.True(t, ok)
	require.InDelta(t, 0.87, v, 1e-9)
}

func TestDOMWalkInlineValue(t *testing.T) {
	t.Parallel()

	v, ok := DOMWalk(Page{HTML: `<p>Stats: <b>Community Rarity: 14.5 %</b></p>`})
	require.True(t, ok)
	require.InDelta(t, 14.5, v, 1e-9)
}

func TestDOMWalkIgnoresScripts(t *testing.T) {
	t.Parallel()

	_, ok := DOMWalk(Page{HTML: `<body><script>var s = "Community Rarity 3%";</script><p>nothing</p></body>`})
	require.False(t, ok)
}

func TestRegexStrategies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fn   func(Page) (float64, bool)
		page Page
		want float64
	}{
		{"found by", FoundBy, Page{Text: "This emblem was Found by 2.5% of players"}, 2.5},
		{"community rarity text", CommunityRarity, Page{Text: "Community Rarity  Very rare  0.31%"}, 0.31},
		{"community rarity html", CommunityRarity, Page{HTML: `<div>Community Rarity</div><div class="x">42%</div>`}, 42},
		{"generic", GenericRarity, Page{Text: "Rarity: 7%"}, 7},
		{"json", JSONField, Page{HTML: `<script>window.data={"communityRarity":"1.75"}</script>`}, 1.75},
	}
	for _, tc := range cases {
		v, ok := tc.fn(tc.page)
		require.True(t, ok, tc.name)
		require.InDelta(t, tc.want, v, 1e-9, tc.name)
	}
}

func TestRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	_, ok := GenericRarity(Page{Text: "rarity 150%"})
	require.False(t, ok)
	_, ok = JSONField(Page{HTML: `{"rarity":"Legendary"}`})
	require.False(t, ok)
}

func TestExtractOrderFirstMatchWins(t *testing.T) {
	t.Parallel()

	p := Page{Text: "Found by 3% of players. Community Rarity 9%"}
	v, name, ok := Extract(p, []Strategy{
		{Name: "community_rarity", Fn: CommunityRarity},
		{Name: "found_by", Fn: FoundBy},
	})
	require.True(t, ok)
	require.Equal(t, "community_rarity", name)
	require.InDelta(t, 9.0, v, 1e-9)

	_, name, ok = Extract(p, Default)
	require.True(t, ok)
	require.Equal(t, "found_by", name)
}

func TestExtractNoMatch(t *testing.T) {
	t.Parallel()

	_, _, ok := Extract(FromHTML("", "<html><body><h1>Emblem</h1></body></html>"), Default)
	require.False(t, ok)
}

func TestFromHTMLDerivesTitleAndText(t *testing.T) {
	t.Parallel()

	p := FromHTML("", `<html><head><title> Item </title><style>.a{}</style></head><body><p>Community
	Rarity</p><p>1%</p></body></html>`)
	require.Equal(t, "Item", p.Title)
	require.Equal(t, "Community Rarity1%", p.Text)
}
