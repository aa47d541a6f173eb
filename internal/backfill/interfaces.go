package backfill

import (
	"context"
	"time"

	"github.com/skyloom/backfill/internal/transform"
)

// RecordSink persists transformed records grouped by kind.
type RecordSink interface {
	Persist(ctx context.Context, endpoint string, batch map[transform.Kind][]transform.Record) error
}

// MetadataStore records session outcomes and answers which identities an
// endpoint has already been processed for.
type MetadataStore interface {
	ProcessedIdentities(ctx context.Context, endpoint string) (map[string]struct{}, error)
	RecordIdentityCounts(ctx context.Context, counts []IdentityCounts) error
	RecordSession(ctx context.Context, session SessionRecord) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
