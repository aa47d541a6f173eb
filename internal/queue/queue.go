// Package queue implements the durable, deduplicating FIFO queue backing
// the backfill workers. Each queue is a single SQLite database file.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a queue item.
type Status string

// Item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// Validation errors surfaced to producers.
var (
	ErrEmptyPayload    = errors.New("queue: payload must not be empty")
	ErrMissingDedupKey = errors.New("queue: dedup key is required")
)

// Item is one row of a durable queue.
type Item struct {
	ID        int64
	DedupKey  string
	Payload   string
	Metadata  string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a single durable queue backed by one SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT NOT NULL UNIQUE,
    payload TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status_created
    ON queue_items (status, created_at);
`

// Open initializes or connects to the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Delete closes the store and removes its database files. The queue is
// deleted once its contents have been persisted downstream.
func (s *Store) Delete() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close before delete: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", s.path+suffix, err)
		}
	}
	return nil
}

// Enqueue inserts one item. Re-enqueueing an existing dedup key is a no-op
// and returns (nil, nil).
func (s *Store) Enqueue(ctx context.Context, dedupKey, payload, metadata string) (*Item, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if dedupKey == "" {
		return nil, ErrMissingDedupKey
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var id int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO queue_items (dedup_key, payload, metadata, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?)
             ON CONFLICT(dedup_key) DO NOTHING`,
			dedupKey, payload, metadata, StatusPending, now, now,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			id = 0
			return nil
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue item: %w", err)
	}
	if id == 0 {
		return nil, nil
	}
	return s.getByID(ctx, id)
}

// EnqueueBatch inserts items in fixed-size chunks, each chunk in its own
// transaction. Items whose dedup key already exists are skipped. It returns
// the number of rows actually inserted; on a mid-batch failure earlier
// chunks stay committed.
func (s *Store) EnqueueBatch(ctx context.Context, items []Item, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	for i, it := range items {
		if it.Payload == "" {
			return 0, fmt.Errorf("item %d: %w", i, ErrEmptyPayload)
		}
		if it.DedupKey == "" {
			return 0, fmt.Errorf("item %d: %w", i, ErrMissingDedupKey)
		}
	}

	var inserted int64
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for start := 0; start < len(items); start += chunkSize {
		end := min(start+chunkSize, len(items))
		chunk := items[start:end]

		err := s.withBusyRetry(ctx, func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			var chunkInserted int64
			for _, it := range chunk {
				res, err := tx.ExecContext(ctx,
					`INSERT INTO queue_items (dedup_key, payload, metadata, status, created_at, updated_at)
                     VALUES (?, ?, ?, ?, ?, ?)
                     ON CONFLICT(dedup_key) DO NOTHING`,
					it.DedupKey, it.Payload, it.Metadata, StatusPending, now, now,
				)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				chunkInserted += n
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			inserted += chunkInserted
			return nil
		})
		if err != nil {
			return inserted, fmt.Errorf("enqueue chunk at %d: %w", start, err)
		}
	}
	return inserted, nil
}

// ClaimNext atomically claims the oldest pending item, moving it to
// processing. It returns (nil, nil) when the queue has no pending items.
func (s *Store) ClaimNext(ctx context.Context) (*Item, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var item *Item
	err := s.withBusyRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE queue_items
             SET status = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM queue_items
                 WHERE status = ?
                 ORDER BY created_at ASC, id ASC
                 LIMIT 1
             )
             RETURNING `+itemColumns,
			StatusProcessing, now, StatusPending,
		)
		it, err := scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			item = nil
			return nil
		}
		if err != nil {
			return err
		}
		item = it
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return item, nil
}

// ClaimBatch claims up to limit pending items in FIFO order.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]Item, error) {
	var claimed []Item
	for limit <= 0 || len(claimed) < limit {
		item, err := s.ClaimNext(ctx)
		if err != nil {
			return claimed, err
		}
		if item == nil {
			break
		}
		claimed = append(claimed, *item)
	}
	return claimed, nil
}

// DeleteBatch removes items by ID. Unknown IDs are ignored.
func (s *Store) DeleteBatch(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var deleted int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM queue_items WHERE id IN (`+makePlaceholders(len(ids))+`)`,
			args...,
		)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete batch: %w", err)
	}
	return deleted, nil
}

// Len returns the total number of items in the queue across statuses.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.withBusyRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue_items`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// ResetStaleProcessing returns items stuck in processing back to pending.
// Only items last touched at or before now-olderThan qualify; olderThan
// zero covers every processing item. With dryRun set it only counts.
func (s *Store) ResetStaleProcessing(ctx context.Context, olderThan time.Duration, dryRun bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	if dryRun {
		var n int64
		err := s.withBusyRetry(ctx, func() error {
			return s.db.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM queue_items WHERE status = ? AND updated_at <= ?`,
				StatusProcessing, cutoff,
			).Scan(&n)
		})
		if err != nil {
			return 0, fmt.Errorf("count stale processing: %w", err)
		}
		return n, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var reset int64
	err := s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, updated_at = ?
             WHERE status = ? AND updated_at <= ?`,
			StatusPending, now, StatusProcessing, cutoff,
		)
		if err != nil {
			return err
		}
		reset, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reset stale processing: %w", err)
	}
	return reset, nil
}

const itemColumns = "id, dedup_key, payload, metadata, status, created_at, updated_at"

func (s *Store) getByID(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	return item, nil
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id         int64
		dedupKey   string
		payload    string
		metadata   sql.NullString
		statusStr  string
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&id, &dedupKey, &payload, &metadata, &statusStr, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	item := &Item{
		ID:       id,
		DedupKey: dedupKey,
		Payload:  payload,
		Metadata: metadata.String,
		Status:   Status(statusStr),
	}
	if t, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		item.UpdatedAt = t
	}
	return item, nil
}

func makePlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// withBusyRetry retries an operation a few times when SQLite reports a
// locked database, backing off exponentially.
func (s *Store) withBusyRetry(ctx context.Context, op func() error) error {
	const attempts = 3
	delay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
