// Package metastore provides session-metadata persistence implementations.
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/transform"
)

// PostgresConfig controls the Postgres connection pool used for session
// metadata.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore records sessions and per-identity counts in Postgres.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore creates a Postgres-backed MetadataStore using the
// provided config.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ProcessedIdentities returns the identities already recorded for an
// endpoint, regardless of outcome.
func (s *PostgresStore) ProcessedIdentities(ctx context.Context, endpoint string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity FROM backfill_identity_counts WHERE endpoint = $1`, endpoint)
	if err != nil {
		return nil, fmt.Errorf("query processed identities: %w", err)
	}
	defer rows.Close()

	processed := make(map[string]struct{})
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		processed[identity] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return processed, nil
}

// RecordIdentityCounts upserts one row per identity with its per-kind
// counts. Re-recording an identity replaces the previous row.
func (s *PostgresStore) RecordIdentityCounts(ctx context.Context, counts []backfill.IdentityCounts) error {
	const query = `
INSERT INTO backfill_identity_counts (
	identity,
	endpoint,
	status,
	counts,
	unparsed,
	total,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (identity, endpoint) DO UPDATE SET
	status = EXCLUDED.status,
	counts = EXCLUDED.counts,
	unparsed = EXCLUDED.unparsed,
	total = EXCLUDED.total,
	recorded_at = EXCLUDED.recorded_at`

	for _, c := range counts {
		if c.Identity == "" {
			return fmt.Errorf("identity is required")
		}
		countsJSON, err := json.Marshal(kindCountsForJSON(c.Counts))
		if err != nil {
			return fmt.Errorf("marshal counts for %s: %w", c.Identity, err)
		}
		args := []any{
			c.Identity,
			c.Endpoint,
			c.Status,
			countsJSON,
			c.Unparsed,
			c.Total(),
			c.RecordedAt,
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("insert identity counts for %s: %w", c.Identity, err)
		}
	}
	return nil
}

// RecordSession inserts one session summary row.
func (s *PostgresStore) RecordSession(ctx context.Context, session backfill.SessionRecord) error {
	if session.ID == "" {
		return fmt.Errorf("session id is required")
	}
	recordsJSON, err := json.Marshal(kindCountsForJSON(session.RecordsByKind))
	if err != nil {
		return fmt.Errorf("marshal session records: %w", err)
	}

	const query = `
INSERT INTO backfill_sessions (
	id,
	endpoint,
	started_at,
	finished_at,
	identities,
	succeeded,
	deadlettered,
	pending,
	unparsed,
	records_by_kind
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`

	args := []any{
		session.ID,
		session.Endpoint,
		session.StartedAt,
		session.FinishedAt,
		session.Identities,
		session.Succeeded,
		session.Deadlettered,
		session.Pending,
		session.Unparsed,
		recordsJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// kindCountsForJSON gives map keys a stable string type for jsonb columns.
func kindCountsForJSON(counts map[transform.Kind]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[string(k)] = v
	}
	return out
}
