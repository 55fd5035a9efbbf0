package detector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_IsChallenge_Title(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	require.True(t, h.IsChallenge("Just a moment...", nil))
	require.True(t, h.IsChallenge("Attention Required! | Cloudflare", nil))
	require.False(t, h.IsChallenge("Pride of the Hunter - light.gg", nil))
}

func TestHeuristic_IsChallenge_BodyMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	require.True(t, h.IsChallenge("", []byte(`<script src="/cdn-cgi/challenge-platform/h/b"></script>`)))
}

func TestHeuristic_IsChallenge_ItemPageWithScripts(t *testing.T) {
	t.Parallel()

	h := NewHeuristic()
	page := []byte(`<div>Community Rarity 1.2%</div><script src="/cdn-cgi/challenge-platform/x"></script>`)
	require.False(t, h.IsChallenge("Emblem - light.gg", page))
}

func TestHeuristic_ExtraTitleMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic("  Rate Limited ", "")
	require.True(t, h.IsChallenge("Rate limited", nil))
	require.Len(t, h.TitleMarkers, len(defaultTitleMarkers)+1)
}
