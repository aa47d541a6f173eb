// Package worker implements the per-endpoint backfill worker: it fetches
// every identity hosted on one endpoint, buffers results through durable
// queues, and persists transformed records.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/clock/system"
	"github.com/skyloom/backfill/internal/id/uuid"
	"github.com/skyloom/backfill/internal/metrics"
	"github.com/skyloom/backfill/internal/pds"
	"github.com/skyloom/backfill/internal/queue"
	"github.com/skyloom/backfill/internal/ratelimit"
	"github.com/skyloom/backfill/internal/transform"
)

// Fetcher is the protocol surface the worker consumes.
type Fetcher interface {
	ListRecords(ctx context.Context, repo, collection, cursor string, limit int) (pds.Page, error)
	GetRepo(ctx context.Context, repo string) ([]byte, error)
}

// Fetch strategies.
const (
	StrategyList   = "list"
	StrategyExport = "export"
)

// Config controls one endpoint worker.
type Config struct {
	Endpoint    string
	Identities  []string
	Collections []string
	// QPS sizes the consumer pool: min(2*QPS, identities).
	QPS                   int
	MaxRetries            int
	PageLimit             int
	FlushBatchSize        int
	PersistThreshold      int
	PersistInterval       time.Duration
	SlowResponseThreshold time.Duration
	FetchStrategy         string
	FeedbackBuffer        int
	Window                transform.TimeWindow
	URIFilter             *transform.URIFilter
	StubFields            bool
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Client Fetcher
	Queues *queue.Pair
	Meta   backfill.MetadataStore
	Sink   backfill.RecordSink
	Bucket *ratelimit.TokenBucket
	Gate   *ratelimit.BackoffGate
	Retry  *backfill.ExponentialRetryPolicy
	Clock  backfill.Clock
	IDs    backfill.IDGenerator
	Logger *zap.Logger
}

// itemState tracks where a work item is in its lifecycle.
type itemState int

const (
	statePending itemState = iota
	stateFetching
	statePersistReady
	stateRetry
	stateDeadletter
)

type workItem struct {
	identity string
	retries  int
	state    itemState
}

type fetchResult struct {
	Identity string       `json:"identity"`
	Records  []pds.Record `json:"records"`
}

// Worker backfills every identity hosted on a single endpoint.
type Worker struct {
	cfg         Config
	client      Fetcher
	queues      *queue.Pair
	meta        backfill.MetadataStore
	sink        backfill.RecordSink
	bucket      *ratelimit.TokenBucket
	gate        *ratelimit.BackoffGate
	retry       *backfill.ExponentialRetryPolicy
	clock       backfill.Clock
	ids         backfill.IDGenerator
	transformer *transform.Transformer
	logger      *zap.Logger

	work        chan workItem
	results     chan fetchResult
	deadletters chan backfill.DeadletterEntry
	remaining   atomic.Int64
	closeWork   sync.Once

	succeeded    atomic.Int64
	deadlettered atomic.Int64

	latMu     sync.Mutex
	latencies []time.Duration

	// persisted state guarded by persistMu; only the persister touches it.
	persistMu     sync.Mutex
	recordsByKind map[transform.Kind]int
	unparsed      int
}

// rollingWindow is the number of recent request latencies feeding the
// adaptive delay.
const rollingWindow = 20

// New validates the configuration and builds a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if deps.Client == nil || deps.Queues == nil || deps.Meta == nil || deps.Sink == nil || deps.Bucket == nil {
		return nil, fmt.Errorf("client, queues, metadata store, sink, and bucket are required")
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 25
	}
	if cfg.PersistThreshold <= 0 {
		cfg.PersistThreshold = 50
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 15 * time.Second
	}
	if cfg.SlowResponseThreshold <= 0 {
		cfg.SlowResponseThreshold = 3 * time.Second
	}
	if cfg.FetchStrategy == "" {
		cfg.FetchStrategy = StrategyList
	}
	if deps.Gate == nil {
		deps.Gate = ratelimit.NewBackoffGate()
	}
	if deps.Retry == nil {
		deps.Retry = backfill.NewRetryPolicy(cfg.MaxRetries, 250*time.Millisecond, 5*time.Second)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	metrics.Init()

	return &Worker{
		cfg:    cfg,
		client: deps.Client,
		queues: deps.Queues,
		meta:   deps.Meta,
		sink:   deps.Sink,
		bucket: deps.Bucket,
		gate:   deps.Gate,
		retry:  deps.Retry,
		clock:  deps.Clock,
		ids:    deps.IDs,
		transformer: transform.New(transform.Options{
			Window:     cfg.Window,
			StubFields: cfg.StubFields,
		}),
		logger:        deps.Logger.With(zap.String("endpoint", cfg.Endpoint)),
		recordsByKind: make(map[transform.Kind]int),
	}, nil
}

// Run executes the full backfill for the endpoint and returns the session
// summary. It blocks until every identity reaches a terminal state, the
// context is canceled, or persistence fails.
func (w *Worker) Run(ctx context.Context) (backfill.SessionRecord, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	startedAt := w.clock.Now()

	processed, err := w.meta.ProcessedIdentities(ctx, w.cfg.Endpoint)
	if err != nil {
		return backfill.SessionRecord{}, fmt.Errorf("load processed identities: %w", err)
	}
	pending := dedupe(w.cfg.Identities, processed)

	w.logger.Info("Starting endpoint backfill",
		zap.Int("identities", len(w.cfg.Identities)),
		zap.Int("already_processed", len(w.cfg.Identities)-len(pending)),
		zap.Int("pending", len(pending)))

	if len(pending) == 0 {
		session := w.buildSession(startedAt, 0)
		if err := w.meta.RecordSession(ctx, session); err != nil {
			return session, fmt.Errorf("record session: %w", err)
		}
		return session, nil
	}

	w.work = make(chan workItem, len(pending))
	w.results = make(chan fetchResult, len(pending))
	w.deadletters = make(chan backfill.DeadletterEntry, len(pending))
	w.remaining.Store(int64(len(pending)))
	for _, identity := range pending {
		w.work <- workItem{identity: identity, state: statePending}
	}

	consumers := min(2*w.cfg.QPS, len(pending))
	var consumerWG sync.WaitGroup
	for i := 0; i < consumers; i++ {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			w.consume(ctx)
		}()
	}

	// Flushing and the final persist keep running through a shutdown so
	// buffered results reach the durable queues before the process exits.
	drainCtx := context.WithoutCancel(ctx)

	var flusherWG sync.WaitGroup
	flusherWG.Add(1)
	go func() {
		defer flusherWG.Done()
		w.flusher(drainCtx)
	}()

	persistStop := make(chan struct{})
	var persistWG sync.WaitGroup
	persistWG.Add(1)
	go func() {
		defer persistWG.Done()
		w.persister(ctx, persistStop)
	}()

	consumerWG.Wait()
	close(w.results)
	close(w.deadletters)
	flusherWG.Wait()
	close(persistStop)
	persistWG.Wait()

	// Final persist drains the queues regardless of threshold.
	if err := w.drainAndPersist(drainCtx, true); err != nil {
		return backfill.SessionRecord{}, fmt.Errorf("final persist: %w", err)
	}

	session := w.buildSession(startedAt, len(pending))
	if err := w.meta.RecordSession(drainCtx, session); err != nil {
		return session, fmt.Errorf("record session: %w", err)
	}

	if ctx.Err() == nil && session.Pending == 0 && w.queuesEmpty(drainCtx) {
		// The durable queues have served their purpose.
		if err := w.queues.Delete(); err != nil {
			w.logger.Warn("Failed to delete queue stores", zap.Error(err))
		}
	} else {
		_ = w.queues.Close()
	}

	w.logger.Info("Endpoint backfill finished",
		zap.Int("succeeded", session.Succeeded),
		zap.Int("deadlettered", session.Deadlettered),
		zap.Int("pending", session.Pending),
		zap.Int("unparsed", session.Unparsed))

	return session, ctx.Err()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-w.work:
			if !ok {
				return
			}
			w.process(ctx, item)
		}
	}
}

func (w *Worker) process(ctx context.Context, item workItem) {
	item.state = stateFetching

	if err := w.gate.Wait(ctx); err != nil {
		return
	}

	start := w.clock.Now()
	records, err := w.fetch(ctx, item.identity)
	elapsed := w.clock.Now().Sub(start)

	if err != nil {
		w.handleFetchError(ctx, item, err)
		return
	}

	metrics.SetTokensRemaining(w.cfg.Endpoint, w.bucket.Tokens())

	if len(records) == 0 {
		w.deadletter(item, backfill.ReasonNoContent, "")
		return
	}

	item.state = statePersistReady
	w.results <- fetchResult{Identity: item.identity, Records: records}
	w.succeeded.Add(1)
	metrics.ObserveIdentity(w.cfg.Endpoint, backfill.StatusSucceeded)
	w.finish()

	w.adaptiveDelay(ctx, elapsed)
}

func (w *Worker) handleFetchError(ctx context.Context, item workItem, err error) {
	if ctx.Err() != nil {
		return
	}

	if reset, ok := pds.IsRateLimited(err); ok {
		// A rate-limit signal never consumes a retry slot: the item goes
		// straight back to the queue and everyone waits out the gate.
		metrics.ObserveNetworkError(w.cfg.Endpoint, "rate_limited")
		if reset.IsZero() {
			w.gate.HoldFor(w.retry.Backoff(item.retries))
		} else {
			w.gate.Hold(reset)
		}
		w.bucket.SetTokens(0)
		w.logger.Warn("Endpoint rate limited; holding all consumers",
			zap.String("identity", item.identity),
			zap.Time("reset", reset))
		item.state = stateRetry
		w.work <- item
		return
	}

	if pds.IsAccountGone(err) {
		w.logger.Info("Identity no longer hosted on endpoint",
			zap.String("identity", item.identity))
		w.deadletter(item, backfill.ReasonAccountGone, err.Error())
		return
	}
	if pds.IsTerminal(err) {
		w.logger.Warn("Terminal response for identity",
			zap.String("identity", item.identity),
			zap.Error(err))
		w.deadletter(item, backfill.ReasonUnexpected, err.Error())
		return
	}

	// Transient failure: consume a retry slot.
	metrics.ObserveRetry(w.cfg.Endpoint)
	metrics.ObserveNetworkError(w.cfg.Endpoint, "transient")
	if !w.retry.ShouldRetry(err, item.retries) {
		w.deadletter(item, backfill.ReasonMaxRetries,
			fmt.Sprintf("gave up after %d attempts: %v", item.retries+1, err))
		return
	}
	item.retries++

	w.logger.Warn("Transient fetch failure; will retry",
		zap.String("identity", item.identity),
		zap.Int("attempt", item.retries),
		zap.Error(err))
	if !w.sleep(ctx, w.retry.Backoff(item.retries-1)) {
		return
	}
	item.state = stateRetry
	w.work <- item
}

// fetch retrieves and filters every in-scope record for one identity.
func (w *Worker) fetch(ctx context.Context, identity string) ([]pds.Record, error) {
	if w.cfg.FetchStrategy == StrategyExport {
		return w.fetchExport(ctx, identity)
	}
	return w.fetchListing(ctx, identity)
}

func (w *Worker) fetchListing(ctx context.Context, identity string) ([]pds.Record, error) {
	var records []pds.Record
	for _, collection := range w.cfg.Collections {
		cursor := ""
		for {
			if err := w.bucket.Acquire(ctx); err != nil {
				return nil, err
			}

			metrics.IncInflight(w.cfg.Endpoint)
			start := w.clock.Now()
			page, err := w.client.ListRecords(ctx, identity, collection, cursor, w.cfg.PageLimit)
			metrics.DecInflight(w.cfg.Endpoint)
			if err != nil {
				metrics.ObserveRequest(w.cfg.Endpoint, "error", w.clock.Now().Sub(start))
				return nil, err
			}
			metrics.ObserveRequest(w.cfg.Endpoint, "ok", w.clock.Now().Sub(start))
			w.applyRateFeedback(page.RateLimit)

			records = append(records, w.filterRecords(page.Records)...)

			if page.Cursor == "" || w.pagePredatesWindow(page.Records) {
				break
			}
			cursor = page.Cursor
		}
	}
	return records, nil
}

func (w *Worker) fetchExport(ctx context.Context, identity string) ([]pds.Record, error) {
	if err := w.bucket.Acquire(ctx); err != nil {
		return nil, err
	}
	metrics.IncInflight(w.cfg.Endpoint)
	start := w.clock.Now()
	data, err := w.client.GetRepo(ctx, identity)
	metrics.DecInflight(w.cfg.Endpoint)
	if err != nil {
		metrics.ObserveRequest(w.cfg.Endpoint, "error", w.clock.Now().Sub(start))
		return nil, err
	}
	metrics.ObserveRequest(w.cfg.Endpoint, "ok", w.clock.Now().Sub(start))

	parsed, err := pds.ParseRepo(data)
	if err != nil {
		return nil, fmt.Errorf("parse repository export: %w", err)
	}
	return w.filterRecords(parsed), nil
}

// filterRecords applies the time window and, for reposts and likes, the
// subject allow-list.
func (w *Worker) filterRecords(records []pds.Record) []pds.Record {
	kept := records[:0:0]
	for _, r := range records {
		if created, err := transform.CreatedAtOf(r.Value); err == nil && !w.cfg.Window.Contains(created) {
			continue
		}
		kind, ok := transform.Classify(r.Value)
		if !ok {
			continue
		}
		if kind == transform.KindRepost || kind == transform.KindLike {
			if !w.cfg.URIFilter.Allow(transform.SubjectURI(r.Value)) {
				continue
			}
		}
		kept = append(kept, r)
	}
	return kept
}

// pagePredatesWindow reports whether the oldest record on a page falls
// before the retention floor. Listings are newest-first, so once a page
// crosses the floor the rest of the listing is out of scope.
func (w *Worker) pagePredatesWindow(records []pds.Record) bool {
	if w.cfg.Window.Start.IsZero() || len(records) == 0 {
		return false
	}
	oldest, err := transform.CreatedAtOf(records[len(records)-1].Value)
	if err != nil {
		return false
	}
	return oldest.Before(w.cfg.Window.Start)
}

func (w *Worker) applyRateFeedback(info pds.RateLimitInfo) {
	if !info.OK {
		return
	}
	corrected := info.Remaining - w.cfg.FeedbackBuffer
	w.bucket.SetTokens(corrected)
	metrics.SetTokensRemaining(w.cfg.Endpoint, w.bucket.Tokens())
}

func (w *Worker) deadletter(item workItem, reason, detail string) {
	item.state = stateDeadletter
	w.deadletters <- backfill.DeadletterEntry{
		Identity: item.identity,
		Reason:   reason,
		Detail:   detail,
	}
	w.deadlettered.Add(1)
	metrics.ObserveIdentity(w.cfg.Endpoint, backfill.StatusDeadlettered)
	w.finish()
}

// finish marks one identity terminal; the last one closes the work channel.
func (w *Worker) finish() {
	if w.remaining.Add(-1) == 0 {
		w.closeWork.Do(func() { close(w.work) })
	}
}

// adaptiveDelay slows a consumer down when the endpoint's recent latencies
// drift above the slow-response threshold.
func (w *Worker) adaptiveDelay(ctx context.Context, elapsed time.Duration) {
	w.latMu.Lock()
	w.latencies = append(w.latencies, elapsed)
	if len(w.latencies) > rollingWindow {
		w.latencies = w.latencies[1:]
	}
	var sum time.Duration
	for _, d := range w.latencies {
		sum += d
	}
	avg := sum / time.Duration(len(w.latencies))
	w.latMu.Unlock()

	if avg <= w.cfg.SlowResponseThreshold {
		return
	}
	delay := min(avg/2, 5*time.Second)
	w.logger.Debug("Endpoint responding slowly; backing off",
		zap.Duration("avg_latency", avg),
		zap.Duration("delay", delay))
	w.sleep(ctx, delay)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) buildSession(startedAt time.Time, pendingAtStart int) backfill.SessionRecord {
	id, err := w.ids.NewID()
	if err != nil {
		id = fmt.Sprintf("session-%d", startedAt.UnixNano())
	}

	w.persistMu.Lock()
	recordsByKind := make(map[transform.Kind]int, len(w.recordsByKind))
	for k, v := range w.recordsByKind {
		recordsByKind[k] = v
	}
	unparsed := w.unparsed
	w.persistMu.Unlock()

	succeeded := int(w.succeeded.Load())
	deadlettered := int(w.deadlettered.Load())
	session := backfill.SessionRecord{
		ID:            id,
		Endpoint:      w.cfg.Endpoint,
		StartedAt:     startedAt,
		FinishedAt:    w.clock.Now(),
		Identities:    len(w.cfg.Identities),
		Succeeded:     succeeded,
		Deadlettered:  deadlettered,
		Pending:       pendingAtStart - succeeded - deadlettered,
		Unparsed:      unparsed,
		RecordsByKind: recordsByKind,
	}
	if total := succeeded + deadlettered; total > 0 {
		metrics.SetSuccessRatio(w.cfg.Endpoint, float64(succeeded)/float64(total))
	}
	return session
}

// queuesEmpty reports whether both durable queues have no rows left. A
// depth read error counts as non-empty, so the stores get closed rather
// than deleted.
func (w *Worker) queuesEmpty(ctx context.Context) bool {
	for _, store := range []*queue.Store{w.queues.Results, w.queues.Deadletter} {
		n, err := store.Len(ctx)
		if err != nil || n > 0 {
			return false
		}
	}
	return true
}

func dedupe(identities []string, processed map[string]struct{}) []string {
	seen := make(map[string]struct{}, len(identities))
	pending := make([]string, 0, len(identities))
	for _, identity := range identities {
		if _, done := processed[identity]; done {
			continue
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		pending = append(pending, identity)
	}
	return pending
}
