// Package memory contains an in-memory record sink for tests.
package memory

import (
	"context"
	"sync"

	"github.com/skyloom/backfill/internal/transform"
)

// RecordSink stores persisted batches for inspection.
type RecordSink struct {
	mu      sync.RWMutex
	records map[string]map[transform.Kind][]transform.Record // endpoint -> kind -> records
}

// New returns an empty memory RecordSink.
func New() *RecordSink {
	return &RecordSink{records: make(map[string]map[transform.Kind][]transform.Record)}
}

// Persist appends the batch to the in-memory store.
func (s *RecordSink) Persist(_ context.Context, endpoint string, batch map[transform.Kind][]transform.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind, ok := s.records[endpoint]
	if !ok {
		byKind = make(map[transform.Kind][]transform.Record)
		s.records[endpoint] = byKind
	}
	for kind, records := range batch {
		byKind[kind] = append(byKind[kind], records...)
	}
	return nil
}

// Records returns the persisted records for one endpoint and kind.
func (s *RecordSink) Records(endpoint string, kind transform.Kind) []transform.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[endpoint][kind]
	out := make([]transform.Record, len(records))
	copy(out, records)
	return out
}

// Count returns the total number of records persisted for an endpoint.
func (s *RecordSink) Count(endpoint string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, records := range s.records[endpoint] {
		total += len(records)
	}
	return total
}
