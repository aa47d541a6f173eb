// Package storage holds the shared encoding helpers for the record sinks.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/skyloom/backfill/internal/transform"
)

// EncodeNDJSON renders records as newline-delimited JSON.
func EncodeNDJSON(records []transform.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// ObjectPath builds the partitioned object path for one flush batch:
// <prefix>/kind=<kind>/<flush-ts>_<batch-id>.ndjson.
func ObjectPath(prefix string, kind transform.Kind, flushedAt time.Time) string {
	name := fmt.Sprintf("%s_%s.ndjson",
		flushedAt.UTC().Format("2006-01-02-15:04:05"),
		uuid.NewString(),
	)
	return path.Join(prefix, "kind="+string(kind), name)
}
