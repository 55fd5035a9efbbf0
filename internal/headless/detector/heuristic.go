// Package detector recognizes anti-bot interstitials served instead of the
// item page.
package detector

import (
	"bytes"
	"strings"
)

// Heuristic implements rule-based challenge detection over title and markup.
type Heuristic struct {
	TitleMarkers []string
	BodyMarkers  [][]byte
}

var defaultTitleMarkers = []string{
	"just a moment",
	"attention required",
	"checking your browser",
	"please wait",
	"verify you are human",
	"access denied",
}

var defaultBodyMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("cf-chl-"),
	[]byte("id=\"challenge-form\""),
}

// NewHeuristic creates a detector with the built-in markers plus extra title markers.
func NewHeuristic(extraTitles ...string) *Heuristic {
	titles := append([]string{}, defaultTitleMarkers...)
	for _, t := range extraTitles {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			titles = append(titles, t)
		}
	}
	return &Heuristic{TitleMarkers: titles, BodyMarkers: defaultBodyMarkers}
}

// IsChallenge reports whether the page is an interstitial. The title is the
// primary signal; body markers only count when the page has no rarity label,
// since real item pages may embed the same scripts.
func (h *Heuristic) IsChallenge(title string, html []byte) bool {
	lower := strings.ToLower(title)
	for _, marker := range h.TitleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if bytes.Contains(bytes.ToLower(html), []byte("community rarity")) {
		return false
	}
	for _, marker := range h.BodyMarkers {
		if bytes.Contains(html, marker) {
			return true
		}
	}
	return false
}
