package metastore

import (
	"context"
	"sync"

	"github.com/skyloom/backfill/internal/backfill"
)

// MemoryStore is an in-memory MetadataStore for tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]map[string]backfill.IdentityCounts // endpoint -> identity -> counts
	sessions   []backfill.SessionRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]map[string]backfill.IdentityCounts),
	}
}

// ProcessedIdentities returns the identities recorded for an endpoint.
func (s *MemoryStore) ProcessedIdentities(_ context.Context, endpoint string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	processed := make(map[string]struct{}, len(s.identities[endpoint]))
	for identity := range s.identities[endpoint] {
		processed[identity] = struct{}{}
	}
	return processed, nil
}

// RecordIdentityCounts upserts rows keyed by (endpoint, identity).
func (s *MemoryStore) RecordIdentityCounts(_ context.Context, counts []backfill.IdentityCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range counts {
		byIdentity, ok := s.identities[c.Endpoint]
		if !ok {
			byIdentity = make(map[string]backfill.IdentityCounts)
			s.identities[c.Endpoint] = byIdentity
		}
		byIdentity[c.Identity] = c
	}
	return nil
}

// RecordSession appends a session summary.
func (s *MemoryStore) RecordSession(_ context.Context, session backfill.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
	return nil
}

// Sessions returns the recorded sessions.
func (s *MemoryStore) Sessions() []backfill.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backfill.SessionRecord, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// IdentityCounts returns the recorded counts for one identity, if any.
func (s *MemoryStore) IdentityCounts(endpoint, identity string) (backfill.IdentityCounts, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.identities[endpoint][identity]
	return c, ok
}
