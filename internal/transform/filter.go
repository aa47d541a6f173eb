package transform

import (
	"fmt"
	"time"
)

// URIFilter restricts repost and like records to an allow-list of subject
// URIs. A nil filter admits everything; a non-nil filter with an empty set
// admits nothing.
type URIFilter struct {
	uris map[string]struct{}
}

// NewURIFilter builds a filter from the given URIs. Call with an empty
// slice to build a filter that rejects all subjects.
func NewURIFilter(uris []string) *URIFilter {
	set := make(map[string]struct{}, len(uris))
	for _, u := range uris {
		set[u] = struct{}{}
	}
	return &URIFilter{uris: set}
}

// Allow reports whether the subject URI passes the filter.
func (f *URIFilter) Allow(uri string) bool {
	if f == nil {
		return true
	}
	_, ok := f.uris[uri]
	return ok
}

// Len returns the number of allowed URIs. A nil filter has length zero.
func (f *URIFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.uris)
}

// createdAtLayouts covers the timestamp shapes seen on the wire.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseCreatedAt parses a record's createdAt field. Timestamps without an
// offset are taken as UTC.
func ParseCreatedAt(s string) (time.Time, error) {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable createdAt %q", s)
}

// RebucketTimestamp maps an out-of-range timestamp to a synthetic partition
// slot: the 15th of its month when the day is 15 or earlier, otherwise the
// first of the following month. The time of day is zeroed.
func RebucketTimestamp(t time.Time) time.Time {
	t = t.UTC()
	if t.Day() <= 15 {
		return time.Date(t.Year(), t.Month(), 15, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// CreatedAtOf extracts and parses the createdAt field of a raw value.
func CreatedAtOf(value map[string]any) (time.Time, error) {
	s, ok := value["createdAt"].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("record has no createdAt")
	}
	return ParseCreatedAt(s)
}

// FilterWindow keeps the raw records whose createdAt falls inside the
// window, bounds inclusive. Records with a missing or unparseable createdAt
// are kept for the transformer to account for.
func FilterWindow(records []Raw, window TimeWindow) []Raw {
	kept := records[:0:0]
	for _, r := range records {
		created, err := CreatedAtOf(r.Value)
		if err != nil {
			kept = append(kept, r)
			continue
		}
		if window.Contains(created) {
			kept = append(kept, r)
		}
	}
	return kept
}
