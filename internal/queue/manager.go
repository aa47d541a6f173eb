package queue

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pair bundles the two durable queues an endpoint worker writes to.
type Pair struct {
	Endpoint   string
	Results    *Store
	Deadletter *Store
}

// Delete removes both queue stores.
func (p *Pair) Delete() error {
	if err := p.Results.Delete(); err != nil {
		return fmt.Errorf("delete results queue: %w", err)
	}
	if err := p.Deadletter.Delete(); err != nil {
		return fmt.Errorf("delete deadletter queue: %w", err)
	}
	return nil
}

// Close closes both queue stores without removing them.
func (p *Pair) Close() error {
	if err := p.Results.Close(); err != nil {
		return err
	}
	return p.Deadletter.Close()
}

// Manager hands out per-endpoint queue pairs under a single directory.
type Manager struct {
	dir string

	mu    sync.Mutex
	pairs map[string]*Pair
}

// NewManager creates the queue directory if needed and returns a Manager.
func NewManager(dir string) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("queue directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Manager{dir: dir, pairs: make(map[string]*Pair)}, nil
}

// PairFor opens (or returns the already open) queue pair for an endpoint.
func (m *Manager) PairFor(endpoint string) (*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pair, ok := m.pairs[endpoint]; ok {
		return pair, nil
	}

	base := sanitizeEndpoint(endpoint)
	results, err := Open(filepath.Join(m.dir, base+"_results.db"))
	if err != nil {
		return nil, fmt.Errorf("open results queue for %s: %w", endpoint, err)
	}
	deadletter, err := Open(filepath.Join(m.dir, base+"_deadletter.db"))
	if err != nil {
		_ = results.Close()
		return nil, fmt.Errorf("open deadletter queue for %s: %w", endpoint, err)
	}

	pair := &Pair{Endpoint: endpoint, Results: results, Deadletter: deadletter}
	m.pairs[endpoint] = pair
	return pair, nil
}

// Release forgets a pair after its worker deleted or closed it.
func (m *Manager) Release(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pairs, endpoint)
}

// Close closes every open pair.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for endpoint, pair := range m.pairs {
		if err := pair.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close queues for %s: %w", endpoint, err)
		}
		delete(m.pairs, endpoint)
	}
	return firstErr
}

// QueueDepth describes one on-disk queue for diagnostics.
type QueueDepth struct {
	Name       string `json:"name"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Total      int    `json:"total"`
}

// Depths reports the status breakdown of every queue database in the
// directory, including queues no worker currently has open.
func (m *Manager) Depths(ctx context.Context) ([]QueueDepth, error) {
	paths, err := m.databaseFiles()
	if err != nil {
		return nil, err
	}

	depths := make([]QueueDepth, 0, len(paths))
	for _, path := range paths {
		store, err := Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		stats, err := store.Stats(ctx)
		closeErr := store.Close()
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", path, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close %s: %w", path, closeErr)
		}
		d := QueueDepth{
			Name:       strings.TrimSuffix(filepath.Base(path), ".db"),
			Pending:    stats[StatusPending],
			Processing: stats[StatusProcessing],
		}
		for _, n := range stats {
			d.Total += n
		}
		depths = append(depths, d)
	}
	return depths, nil
}

// RecoverAll resets stale processing items across every queue database in
// the directory. It returns the number of affected items per queue.
func (m *Manager) RecoverAll(ctx context.Context, olderThan time.Duration, dryRun bool) (map[string]int64, error) {
	paths, err := m.databaseFiles()
	if err != nil {
		return nil, err
	}

	recovered := make(map[string]int64, len(paths))
	for _, path := range paths {
		store, err := Open(path)
		if err != nil {
			return recovered, fmt.Errorf("open %s: %w", path, err)
		}
		n, err := store.ResetStaleProcessing(ctx, olderThan, dryRun)
		closeErr := store.Close()
		if err != nil {
			return recovered, fmt.Errorf("recover %s: %w", path, err)
		}
		if closeErr != nil {
			return recovered, fmt.Errorf("close %s: %w", path, closeErr)
		}
		recovered[strings.TrimSuffix(filepath.Base(path), ".db")] = n
	}
	return recovered, nil
}

func (m *Manager) databaseFiles() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("list queue databases: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// sanitizeEndpoint turns an endpoint URL or hostname into a safe file stem.
func sanitizeEndpoint(endpoint string) string {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	replacer := strings.NewReplacer(".", "_", ":", "_", "/", "_")
	return replacer.Replace(host)
}
