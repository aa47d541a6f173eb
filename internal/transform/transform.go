package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RemovedPlaceholder replaces payload fields the pipeline does not need
// downstream.
const RemovedPlaceholder = "<removed>"

// Options adjusts transformation behavior.
type Options struct {
	// Window bounds the partition timestamps. A record created outside the
	// window keeps its content but is re-bucketed to a synthetic partition.
	Window TimeWindow
	// StubFields replaces embed, entities, and facets with the removed
	// placeholder instead of their JSON encoding.
	StubFields bool
}

// Transformer normalizes raw records for one author.
type Transformer struct {
	opts Options
}

// New returns a Transformer with the given options.
func New(opts Options) *Transformer {
	return &Transformer{opts: opts}
}

// Transform validates and flattens a single raw record. The returned error
// marks the record unparsed; callers log and count it, never abort the batch.
func (t *Transformer) Transform(author string, raw Raw) (Record, error) {
	kind, ok := Classify(raw.Value)
	if !ok {
		wireType, _ := raw.Value["$type"].(string)
		return Record{}, fmt.Errorf("unsupported record type %q", wireType)
	}

	created, err := CreatedAtOf(raw.Value)
	if err != nil {
		return Record{}, err
	}
	partition := created
	if !t.opts.Window.Contains(created) {
		partition = RebucketTimestamp(created)
	}

	payload, err := t.buildPayload(kind, raw.Value)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Author:        author,
		Kind:          kind,
		URI:           raw.URI,
		CID:           raw.CID,
		CreatedAt:     created.Format(time.RFC3339),
		SyncTimestamp: partition.Format(SyncTimestampFormat),
		Payload:       payload,
	}, nil
}

func (t *Transformer) buildPayload(kind Kind, value map[string]any) (Payload, error) {
	switch kind {
	case KindPost, KindReply:
		return t.buildPostPayload(value)
	case KindRepost, KindLike:
		subject, err := encodeField(value["subject"])
		if err != nil {
			return nil, fmt.Errorf("encode subject: %w", err)
		}
		if subject == "" {
			return nil, fmt.Errorf("record has no subject")
		}
		return SubjectRefPayload{Subject: subject}, nil
	case KindFollow, KindBlock:
		subject, _ := value["subject"].(string)
		if subject == "" {
			return nil, fmt.Errorf("record has no subject identity")
		}
		return SubjectIdentityPayload{Subject: subject}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func (t *Transformer) buildPostPayload(value map[string]any) (PostPayload, error) {
	text, _ := value["text"].(string)
	p := PostPayload{
		Text:  text,
		Langs: joinStrings(value["langs"]),
		Tags:  joinStrings(value["tags"]),
	}

	var err error
	if p.Embed, err = encodeField(value["embed"]); err != nil {
		return PostPayload{}, fmt.Errorf("encode embed: %w", err)
	}
	if p.Entities, err = encodeField(value["entities"]); err != nil {
		return PostPayload{}, fmt.Errorf("encode entities: %w", err)
	}
	if p.Facets, err = encodeField(value["facets"]); err != nil {
		return PostPayload{}, fmt.Errorf("encode facets: %w", err)
	}
	if p.Labels, err = encodeField(value["labels"]); err != nil {
		return PostPayload{}, fmt.Errorf("encode labels: %w", err)
	}
	if p.Reply, err = encodeField(value["reply"]); err != nil {
		return PostPayload{}, fmt.Errorf("encode reply: %w", err)
	}

	if t.opts.StubFields {
		if p.Embed != "" {
			p.Embed = RemovedPlaceholder
		}
		if p.Entities != "" {
			p.Entities = RemovedPlaceholder
		}
		if p.Facets != "" {
			p.Facets = RemovedPlaceholder
		}
	}
	return p, nil
}

// SubjectURI extracts the strong-ref URI of a repost or like value, for
// allow-list filtering. Returns "" when absent.
func SubjectURI(value map[string]any) string {
	subject, ok := value["subject"].(map[string]any)
	if !ok {
		return ""
	}
	uri, _ := subject["uri"].(string)
	return uri
}

// encodeField JSON-encodes a nested structure, returning "" for nil.
func encodeField(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// joinStrings comma-joins a wire string list, returning "" for nil or
// non-list values.
func joinStrings(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}
