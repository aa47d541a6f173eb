// Package fleet fans a backfill run out across endpoints: it groups
// identities by hosting endpoint, filters and orders the endpoints, and
// runs one worker per endpoint under a concurrency cap.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/clock/system"
	"github.com/skyloom/backfill/internal/directory"
)

// Runner is one endpoint worker. The concrete implementation lives in the
// worker package; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context) (backfill.SessionRecord, error)
}

// WorkerFactory builds a Runner for one endpoint and its identities.
type WorkerFactory func(endpoint string, identities []string) (Runner, error)

// Config controls fleet-level scheduling.
type Config struct {
	Identities []string
	// Endpoints hosting fewer identities than this are not worth a
	// dedicated worker and are skipped.
	MinIdentitiesPerEndpoint int
	// MaxEndpoints caps one run to the largest N endpoints.
	MaxEndpoints           int
	MaxConcurrentEndpoints int
	// AllowedEndpoints, when non-empty, restricts the run to these
	// endpoints.
	AllowedEndpoints []string
	// CompletionTopic, when set, receives the run report after the fleet
	// finishes.
	CompletionTopic string
}

// Report summarizes one fleet run.
type Report struct {
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        time.Time                `json:"finished_at"`
	Endpoints         int                      `json:"endpoints"`
	SkippedCompleted  int                      `json:"skipped_completed"`
	SkippedSmall      int                      `json:"skipped_small"`
	SkippedDisallowed int                      `json:"skipped_disallowed"`
	Identities        int                      `json:"identities"`
	Succeeded         int                      `json:"succeeded"`
	Deadlettered      int                      `json:"deadlettered"`
	Failed            []string                 `json:"failed,omitempty"`
	Sessions          []backfill.SessionRecord `json:"sessions"`
}

// Manager schedules endpoint workers.
type Manager struct {
	cfg     Config
	dir     directory.Directory
	meta    backfill.MetadataStore
	pub     backfill.Publisher
	factory WorkerFactory
	clock   backfill.Clock
	logger  *zap.Logger
}

// New builds a fleet manager.
func New(cfg Config, dir directory.Directory, meta backfill.MetadataStore, pub backfill.Publisher, factory WorkerFactory, logger *zap.Logger) (*Manager, error) {
	if dir == nil || meta == nil || factory == nil {
		return nil, fmt.Errorf("directory, metadata store, and worker factory are required")
	}
	if cfg.MaxConcurrentEndpoints <= 0 {
		cfg.MaxConcurrentEndpoints = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		dir:     dir,
		meta:    meta,
		pub:     pub,
		factory: factory,
		clock:   system.New(),
		logger:  logger,
	}, nil
}

type endpointGroup struct {
	endpoint   string
	identities []string
}

// Run resolves, schedules, and executes the fleet, then publishes the run
// report. Worker failures are collected per endpoint; they do not stop the
// rest of the fleet.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: m.clock.Now()}

	identities := uniqueStrings(m.cfg.Identities)
	report.Identities = len(identities)

	groups, err := m.dir.GroupByEndpoint(ctx, identities)
	if err != nil {
		return report, fmt.Errorf("resolve identities: %w", err)
	}

	candidates, err := m.selectEndpoints(ctx, groups, &report)
	if err != nil {
		return report, err
	}
	report.Endpoints = len(candidates)

	m.logger.Info("Fleet scheduled",
		zap.Int("identities", len(identities)),
		zap.Int("endpoints", len(candidates)),
		zap.Int("skipped_completed", report.SkippedCompleted),
		zap.Int("skipped_small", report.SkippedSmall))

	sem := make(chan struct{}, m.cfg.MaxConcurrentEndpoints)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, group := range candidates {
		wg.Add(1)
		go func(group endpointGroup) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			session, err := m.runEndpoint(ctx, group)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, group.endpoint)
				return
			}
			report.Sessions = append(report.Sessions, session)
			report.Succeeded += session.Succeeded
			report.Deadlettered += session.Deadlettered
		}(group)
	}
	wg.Wait()

	sort.Slice(report.Sessions, func(i, j int) bool {
		return report.Sessions[i].Endpoint < report.Sessions[j].Endpoint
	})
	report.FinishedAt = m.clock.Now()

	m.publishReport(ctx, report)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// selectEndpoints drops completed and undersized endpoints, sorts the rest
// by identity count descending, and applies the endpoint cap.
func (m *Manager) selectEndpoints(ctx context.Context, groups map[string][]string, report *Report) ([]endpointGroup, error) {
	allowed := make(map[string]struct{}, len(m.cfg.AllowedEndpoints))
	for _, endpoint := range m.cfg.AllowedEndpoints {
		allowed[endpoint] = struct{}{}
	}

	candidates := make([]endpointGroup, 0, len(groups))
	for endpoint, identities := range groups {
		if len(allowed) > 0 {
			if _, ok := allowed[endpoint]; !ok {
				report.SkippedDisallowed++
				continue
			}
		}
		processed, err := m.meta.ProcessedIdentities(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("load processed identities for %s: %w", endpoint, err)
		}
		if allProcessed(identities, processed) {
			report.SkippedCompleted++
			m.logger.Debug("Skipping completed endpoint", zap.String("endpoint", endpoint))
			continue
		}
		if len(identities) < m.cfg.MinIdentitiesPerEndpoint {
			report.SkippedSmall++
			m.logger.Debug("Skipping endpoint below identity minimum",
				zap.String("endpoint", endpoint),
				zap.Int("identities", len(identities)))
			continue
		}
		candidates = append(candidates, endpointGroup{endpoint: endpoint, identities: identities})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].identities) != len(candidates[j].identities) {
			return len(candidates[i].identities) > len(candidates[j].identities)
		}
		return candidates[i].endpoint < candidates[j].endpoint
	})

	if m.cfg.MaxEndpoints > 0 && len(candidates) > m.cfg.MaxEndpoints {
		candidates = candidates[:m.cfg.MaxEndpoints]
	}
	return candidates, nil
}

func (m *Manager) runEndpoint(ctx context.Context, group endpointGroup) (backfill.SessionRecord, error) {
	logger := m.logger.With(zap.String("endpoint", group.endpoint))
	runner, err := m.factory(group.endpoint, group.identities)
	if err != nil {
		logger.Error("Failed to build endpoint worker", zap.Error(err))
		return backfill.SessionRecord{}, err
	}

	session, err := runner.Run(ctx)
	if err != nil {
		logger.Error("Endpoint worker failed", zap.Error(err))
		return backfill.SessionRecord{}, err
	}
	return session, nil
}

func (m *Manager) publishReport(ctx context.Context, report Report) {
	if m.pub == nil || m.cfg.CompletionTopic == "" {
		return
	}
	id, err := m.pub.Publish(ctx, m.cfg.CompletionTopic, report)
	if err != nil {
		m.logger.Error("Failed to publish fleet report", zap.Error(err))
		return
	}
	m.logger.Info("Published fleet report",
		zap.String("topic", m.cfg.CompletionTopic),
		zap.String("message_id", id))
}

func allProcessed(identities []string, processed map[string]struct{}) bool {
	for _, identity := range identities {
		if _, ok := processed[identity]; !ok {
			return false
		}
	}
	return len(identities) > 0
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
