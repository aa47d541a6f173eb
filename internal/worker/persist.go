package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/backfill"
	"github.com/skyloom/backfill/internal/metrics"
	"github.com/skyloom/backfill/internal/queue"
	"github.com/skyloom/backfill/internal/transform"
)

// flusher buffers fetched results and deadletters in memory and writes them
// to the durable queues once a buffer reaches the flush batch size. Both
// queues get a final flush when the consumers shut down.
func (w *Worker) flusher(ctx context.Context) {
	var resultBuf []fetchResult
	var dlBuf []backfill.DeadletterEntry
	resultsOpen, dlOpen := true, true

	for resultsOpen || dlOpen {
		select {
		case r, ok := <-w.results:
			if !ok {
				resultsOpen = false
				continue
			}
			resultBuf = append(resultBuf, r)
			if len(resultBuf) >= w.cfg.FlushBatchSize {
				w.flushResults(ctx, resultBuf)
				resultBuf = nil
			}
		case d, ok := <-w.deadletters:
			if !ok {
				dlOpen = false
				continue
			}
			dlBuf = append(dlBuf, d)
			if len(dlBuf) >= w.cfg.FlushBatchSize {
				w.flushDeadletters(ctx, dlBuf)
				dlBuf = nil
			}
		}
	}

	if len(resultBuf) > 0 {
		w.flushResults(ctx, resultBuf)
	}
	if len(dlBuf) > 0 {
		w.flushDeadletters(ctx, dlBuf)
	}
}

func (w *Worker) flushResults(ctx context.Context, buf []fetchResult) {
	start := w.clock.Now()
	items := make([]queue.Item, 0, len(buf))
	for _, r := range buf {
		payload, err := json.Marshal(r)
		if err != nil {
			w.logger.Error("Failed to encode fetched result",
				zap.String("identity", r.Identity),
				zap.Error(err))
			continue
		}
		items = append(items, queue.Item{DedupKey: r.Identity, Payload: string(payload)})
	}

	inserted, err := w.queues.Results.EnqueueBatch(ctx, items, w.cfg.FlushBatchSize)
	if err != nil {
		w.logger.Error("Failed to flush results to queue", zap.Error(err))
		return
	}
	metrics.ObserveFlush(w.cfg.Endpoint, "results", w.clock.Now().Sub(start))
	if depth, err := w.queues.Results.Len(ctx); err == nil {
		metrics.SetQueueDepth(w.cfg.Endpoint, "results", depth)
	}
	w.logger.Debug("Flushed results",
		zap.Int("buffered", len(buf)),
		zap.Int64("inserted", inserted))
}

func (w *Worker) flushDeadletters(ctx context.Context, buf []backfill.DeadletterEntry) {
	start := w.clock.Now()
	items := make([]queue.Item, 0, len(buf))
	for _, d := range buf {
		payload, err := json.Marshal(d)
		if err != nil {
			w.logger.Error("Failed to encode deadletter entry",
				zap.String("identity", d.Identity),
				zap.Error(err))
			continue
		}
		items = append(items, queue.Item{DedupKey: d.Identity, Payload: string(payload)})
	}

	if _, err := w.queues.Deadletter.EnqueueBatch(ctx, items, w.cfg.FlushBatchSize); err != nil {
		w.logger.Error("Failed to flush deadletters to queue", zap.Error(err))
		return
	}
	metrics.ObserveFlush(w.cfg.Endpoint, "deadletters", w.clock.Now().Sub(start))
	if depth, err := w.queues.Deadletter.Len(ctx); err == nil {
		metrics.SetQueueDepth(w.cfg.Endpoint, "deadletter", depth)
	}
}

// persister periodically drains the results queue once it crosses the
// persist threshold, and logs progress on every tick.
func (w *Worker) persister(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.logger.Info("Backfill progress",
				zap.Int64("remaining", w.remaining.Load()),
				zap.Int64("succeeded", w.succeeded.Load()),
				zap.Int64("deadlettered", w.deadlettered.Load()))

			depth, err := w.queues.Results.Len(ctx)
			if err != nil {
				w.logger.Warn("Failed to read results queue depth", zap.Error(err))
				continue
			}
			if depth <= w.cfg.PersistThreshold {
				continue
			}
			if err := w.drainAndPersist(ctx, false); err != nil {
				w.logger.Error("Persist cycle failed", zap.Error(err))
			}
		}
	}
}

// drainAndPersist claims everything pending in both queues, transforms and
// writes the records, and deletes the claimed rows only after the sink
// write succeeds. Claimed rows stay in processing status on failure so
// stale-row recovery can return them.
func (w *Worker) drainAndPersist(ctx context.Context, final bool) error {
	if final {
		// A failed cycle leaves its claim in processing status; move those
		// rows back to pending so this drain picks them up.
		if _, err := w.queues.Results.ResetStaleProcessing(ctx, 0, false); err != nil {
			return fmt.Errorf("reclaim results rows: %w", err)
		}
		if _, err := w.queues.Deadletter.ResetStaleProcessing(ctx, 0, false); err != nil {
			return fmt.Errorf("reclaim deadletter rows: %w", err)
		}
	}

	claimed, err := w.queues.Results.ClaimBatch(ctx, 0)
	if err != nil {
		return fmt.Errorf("claim results: %w", err)
	}

	if len(claimed) > 0 {
		if err := w.persistClaimed(ctx, claimed); err != nil {
			return err
		}
	}

	dlClaimed, err := w.queues.Deadletter.ClaimBatch(ctx, 0)
	if err != nil {
		return fmt.Errorf("claim deadletters: %w", err)
	}
	if len(dlClaimed) > 0 {
		if err := w.persistDeadletters(ctx, dlClaimed); err != nil {
			return err
		}
	}

	if final {
		w.logger.Info("Final persist complete",
			zap.Int("results", len(claimed)),
			zap.Int("deadletters", len(dlClaimed)))
	}
	return nil
}

func (w *Worker) persistClaimed(ctx context.Context, claimed []queue.Item) error {
	start := w.clock.Now()
	grouped := make(map[transform.Kind][]transform.Record)
	counts := make([]backfill.IdentityCounts, 0, len(claimed))
	cycleUnparsed := 0

	for _, item := range claimed {
		var result fetchResult
		if err := json.Unmarshal([]byte(item.Payload), &result); err != nil {
			w.logger.Error("Undecodable queue payload; dropping row",
				zap.Int64("id", item.ID),
				zap.String("dedup_key", item.DedupKey),
				zap.Error(err))
			continue
		}

		ic := backfill.IdentityCounts{
			Identity:   result.Identity,
			Endpoint:   w.cfg.Endpoint,
			Counts:     make(map[transform.Kind]int),
			Status:     backfill.StatusSucceeded,
			RecordedAt: w.clock.Now(),
		}
		for _, rec := range result.Records {
			transformed, err := w.transformer.Transform(result.Identity, transform.Raw{
				URI:   rec.URI,
				CID:   rec.CID,
				Value: rec.Value,
			})
			if err != nil {
				// A record that cannot be transformed is counted and
				// skipped; it never fails the batch.
				ic.Unparsed++
				cycleUnparsed++
				w.logger.Debug("Unparseable record",
					zap.String("identity", result.Identity),
					zap.String("uri", rec.URI),
					zap.Error(err))
				continue
			}
			grouped[transformed.Kind] = append(grouped[transformed.Kind], transformed)
			ic.Counts[transformed.Kind]++
		}
		counts = append(counts, ic)
	}

	if len(grouped) > 0 {
		if err := w.sink.Persist(ctx, w.cfg.Endpoint, grouped); err != nil {
			return fmt.Errorf("persist records: %w", err)
		}
	}

	ids := make([]int64, 0, len(claimed))
	for _, item := range claimed {
		ids = append(ids, item.ID)
	}
	if _, err := w.queues.Results.DeleteBatch(ctx, ids); err != nil {
		return fmt.Errorf("delete persisted rows: %w", err)
	}

	if len(counts) > 0 {
		if err := w.meta.RecordIdentityCounts(ctx, counts); err != nil {
			return fmt.Errorf("record identity counts: %w", err)
		}
	}

	w.persistMu.Lock()
	for kind, records := range grouped {
		w.recordsByKind[kind] += len(records)
		metrics.ObserveRecords(w.cfg.Endpoint, string(kind), len(records))
	}
	w.unparsed += cycleUnparsed
	w.persistMu.Unlock()

	metrics.ObserveFlush(w.cfg.Endpoint, "persist", w.clock.Now().Sub(start))
	if depth, err := w.queues.Results.Len(ctx); err == nil {
		metrics.SetQueueDepth(w.cfg.Endpoint, "results", depth)
	}
	return nil
}

func (w *Worker) persistDeadletters(ctx context.Context, claimed []queue.Item) error {
	counts := make([]backfill.IdentityCounts, 0, len(claimed))
	ids := make([]int64, 0, len(claimed))
	for _, item := range claimed {
		ids = append(ids, item.ID)
		var entry backfill.DeadletterEntry
		if err := json.Unmarshal([]byte(item.Payload), &entry); err != nil {
			w.logger.Error("Undecodable deadletter payload; dropping row",
				zap.Int64("id", item.ID),
				zap.Error(err))
			continue
		}
		counts = append(counts, backfill.IdentityCounts{
			Identity:   entry.Identity,
			Endpoint:   w.cfg.Endpoint,
			Counts:     map[transform.Kind]int{},
			Status:     backfill.StatusDeadlettered,
			RecordedAt: w.clock.Now(),
		})
	}

	if len(counts) > 0 {
		if err := w.meta.RecordIdentityCounts(ctx, counts); err != nil {
			return fmt.Errorf("record deadletter counts: %w", err)
		}
	}
	if _, err := w.queues.Deadletter.DeleteBatch(ctx, ids); err != nil {
		return fmt.Errorf("delete deadletter rows: %w", err)
	}
	return nil
}
