// Package transform validates raw protocol records and normalizes them into
// the canonical flattened shapes used by the record sinks.
package transform

import "time"

// Kind identifies one of the canonical record kinds.
type Kind string

// Canonical record kinds.
const (
	KindPost   Kind = "post"
	KindReply  Kind = "reply"
	KindRepost Kind = "repost"
	KindLike   Kind = "like"
	KindFollow Kind = "follow"
	KindBlock  Kind = "block"
)

// Kinds lists every canonical kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPost, KindReply, KindRepost, KindLike, KindFollow, KindBlock}
}

// SyncTimestampFormat is the partition timestamp layout used by the sinks.
const SyncTimestampFormat = "2006-01-02-15:04:05"

// Raw is one record as fetched from an endpoint, before validation.
type Raw struct {
	URI   string
	CID   string
	Value map[string]any
}

// Record is a validated, flattened record ready for persistence.
type Record struct {
	Author        string  `json:"author"`
	Kind          Kind    `json:"kind"`
	URI           string  `json:"uri"`
	CID           string  `json:"cid"`
	CreatedAt     string  `json:"created_at"`
	SyncTimestamp string  `json:"sync_timestamp"`
	Payload       Payload `json:"payload"`
}

// Payload is the kind-specific portion of a Record.
type Payload interface {
	payload()
}

// PostPayload carries post and reply content. Nested structures arrive
// JSON-encoded, list fields comma-joined.
type PostPayload struct {
	Text     string `json:"text"`
	Embed    string `json:"embed,omitempty"`
	Entities string `json:"entities,omitempty"`
	Facets   string `json:"facets,omitempty"`
	Labels   string `json:"labels,omitempty"`
	Langs    string `json:"langs,omitempty"`
	Tags     string `json:"tags,omitempty"`
	Reply    string `json:"reply,omitempty"`
}

// SubjectRefPayload carries the strong-ref subject of reposts and likes,
// JSON-encoded.
type SubjectRefPayload struct {
	Subject string `json:"subject"`
}

// SubjectIdentityPayload carries the identity subject of follows and blocks.
type SubjectIdentityPayload struct {
	Subject string `json:"subject"`
}

func (PostPayload) payload()            {}
func (SubjectRefPayload) payload()      {}
func (SubjectIdentityPayload) payload() {}

// TimeWindow bounds record timestamps. Both bounds are inclusive. A zero
// Start means unbounded below.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window, bounds included.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && t.After(w.End) {
		return false
	}
	return true
}
