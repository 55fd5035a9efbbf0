package rarity

import (
	"errors"
	"strconv"
	"time"
)

// Labels recorded alongside a rarity value.
const (
	LabelConfirmed  = "confirmed"
	LabelUnresolved = "unresolved"
)

// Failure reasons reported by the scrape worker.
const (
	ReasonChallenge  = "challenge"
	ReasonNoMatch    = "no_match"
	ReasonTimeout    = "timeout"
	ReasonNavigation = "navigation_error"
	ReasonInternal   = "internal_error"
)

var (
	// ErrNotFound is returned when a catalog entry or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotLinked is returned by AuthProvider when the session has no publisher account.
	ErrNotLinked = errors.New("session not linked")
)

// HTTPReason formats a non-2xx navigation status as a failure reason.
func HTTPReason(status int) string {
	return "http_" + strconv.Itoa(status)
}

// IsBlocking reports whether a failure reason signals that the target is
// refusing us. Blocking reasons feed the cooldown breaker.
func IsBlocking(reason string) bool {
	return reason == HTTPReason(403) || reason == ReasonChallenge
}

// Record is the persisted rarity of one catalog item.
type Record struct {
	ItemID    int64
	Percent   *float64
	Label     string
	SourceURL string
	Reason    string
	UpdatedAt time.Time
}

// Placeholder returns the record served for an item that was never written.
func Placeholder(itemID int64) Record {
	return Record{ItemID: itemID, Label: LabelUnresolved}
}

// Resolved reports whether the record carries a value.
func (r Record) Resolved() bool {
	return r.Percent != nil
}

// Result is the outcome of one scrape job. Target-side failures are encoded
// in Reason; Err is reserved for internal failures such as a dead session.
type Result struct {
	ItemID  int64
	Percent *float64
	Label   string
	Source  string
	Status  int
	Reason  string
	Err     error
}

// OK reports whether the job produced a value.
func (r Result) OK() bool {
	return r.Percent != nil && r.Err == nil
}

// Blocking reports whether the result should count against the breaker.
func (r Result) Blocking() bool {
	return r.Err == nil && IsBlocking(r.Reason)
}

// Record converts the result into the record written back to the store.
// Failed results are still written so they age out under the null TTL.
func (r Result) Record(now time.Time) Record {
	rec := Record{
		ItemID:    r.ItemID,
		Percent:   r.Percent,
		Label:     r.Label,
		SourceURL: r.Source,
		Reason:    r.Reason,
		UpdatedAt: now,
	}
	if rec.Percent == nil {
		rec.Label = LabelUnresolved
		if rec.Reason == "" && r.Err != nil {
			rec.Reason = ReasonInternal
		}
	} else if rec.Label == "" {
		rec.Label = LabelConfirmed
	}
	return rec
}

// Float returns a pointer to v. It keeps literal percentages readable.
func Float(v float64) *float64 {
	return &v
}

// CatalogEntry describes one known item.
type CatalogEntry struct {
	ItemID      int64
	DisplayName string
	IconRef     string
}
