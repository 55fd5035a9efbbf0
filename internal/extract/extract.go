// Package extract pulls a community rarity percentage out of a rendered item
// page. Each Strategy is a pure function tried in priority order.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the state of a rendered page at one poll.
type Page struct {
	Title string
	HTML  string
	Text  string
}

// Strategy extracts a percentage from a page.
type Strategy struct {
	Name string
	Fn   func(Page) (float64, bool)
}

// Default is the built-in chain, most specific first.
var Default = []Strategy{
	{Name: "dom", Fn: DOMWalk},
	{Name: "found_by", Fn: FoundBy},
	{Name: "community_rarity", Fn: CommunityRarity},
	{Name: "rarity", Fn: GenericRarity},
	{Name: "json", Fn: JSONField},
}

// Extract runs strategies in order and returns the first valid percentage and
// the strategy that produced it.
func Extract(p Page, strategies []Strategy) (float64, string, bool) {
	for _, s := range strategies {
		if v, ok := s.Fn(p); ok {
			return v, s.Name, true
		}
	}
	return 0, "", false
}

// FromHTML builds a Page, deriving the visible text with goquery.
func FromHTML(title, html string) Page {
	p := Page{Title: title, HTML: html}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return p
	}
	if p.Title == "" {
		p.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	doc.Find("script,style,noscript").Remove()
	p.Text = collapse(doc.Find("body").Text())
	return p
}

var (
	labelRe           = regexp.MustCompile(`(?i)community\s+rarity`)
	percentRe         = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	foundByRe         = regexp.MustCompile(`(?i)found\s+by\s*:?\s*(\d+(?:\.\d+)?)\s*%`)
	communityRarityRe = regexp.MustCompile(`(?is)community\s+rarity[^%]{0,300}?(\d+(?:\.\d+)?)\s*%`)
	genericRarityRe   = regexp.MustCompile(`(?i)rarity[^%\d]{0,40}(\d+(?:\.\d+)?)\s*%`)
	jsonRarityFieldRe = regexp.MustCompile(`"(?:communityRarity|rarityPercent|rarity)"\s*:\s*"?(\d+(?:\.\d+)?)`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
)

// DOMWalk finds the innermost element labelled "Community Rarity" and reads
// the percentage from it, its following siblings or its parent.
func DOMWalk(p Page) (float64, bool) {
	if p.HTML == "" {
		return 0, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
	if err != nil {
		return 0, false
	}
	doc.Find("script,style").Remove()

	var (
		value float64
		found bool
	)
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !hasLabel(s) || s.Children().FilterFunction(func(_ int, c *goquery.Selection) bool {
			return hasLabel(c)
		}).Length() > 0 {
			return true
		}
		candidates := []string{afterLabel(s.Text())}
		s.NextAll().Each(func(_ int, sib *goquery.Selection) {
			candidates = append(candidates, sib.Text())
		})
		candidates = append(candidates, afterLabel(s.Parent().Text()))
		for _, text := range candidates {
			if v, ok := firstPercent(percentRe, text); ok {
				value, found = v, true
				return false
			}
		}
		return true
	})
	return value, found
}

// FoundBy matches "Found by 1.23%" phrasing.
func FoundBy(p Page) (float64, bool) {
	return matchEither(foundByRe, p)
}

// CommunityRarity matches a "Community Rarity" label followed by a percentage.
func CommunityRarity(p Page) (float64, bool) {
	return matchEither(communityRarityRe, p)
}

// GenericRarity matches any "rarity ... %" phrasing close to the label.
func GenericRarity(p Page) (float64, bool) {
	return matchEither(genericRarityRe, p)
}

// JSONField reads a rarity field embedded in page data.
func JSONField(p Page) (float64, bool) {
	return firstPercent(jsonRarityFieldRe, p.HTML)
}

func matchEither(re *regexp.Regexp, p Page) (float64, bool) {
	if v, ok := firstPercent(re, p.Text); ok {
		return v, true
	}
	return firstPercent(re, p.HTML)
}

func firstPercent(re *regexp.Regexp, s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil && v >= 0 && v <= 100 {
			return v, true
		}
	}
	return 0, false
}

func hasLabel(s *goquery.Selection) bool {
	return labelRe.MatchString(s.Text())
}

func afterLabel(text string) string {
	loc := labelRe.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[loc[1]:]
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
