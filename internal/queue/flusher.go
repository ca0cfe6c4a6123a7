package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
)

// DefaultMaxAttempts is the retry budget of a pending report
const DefaultMaxAttempts = 20

// Deliverer sends one report to its URL
type Deliverer interface {
	DeliverReport(ctx context.Context, url string, report *job.Report) error
}

// FlushResult summarizes one flush pass
type FlushResult struct {
	Attempted int
	Delivered int
	Requeued  int
	Dropped   int
	Persisted bool
}

// Flusher retries queued reports and persists what is left
type Flusher struct {
	queue       *ReportQueue
	deliverer   Deliverer
	store       Store
	maxAttempts int
	metrics     *metrics.Collector
	log         logger.Logger

	// passMu serializes flush passes; saveMu serializes writes to the store
	passMu       sync.Mutex
	saveMu       sync.Mutex
	savedVersion uint64
	saved        bool
}

// NewFlusher creates a flusher. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewFlusher(q *ReportQueue, d Deliverer, store Store, maxAttempts int, m *metrics.Collector) *Flusher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Flusher{
		queue:       q,
		deliverer:   d,
		store:       store,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         logger.Default().WithComponent(logger.ComponentQueue),
	}
}

// LoadAtStartup restores the queue from the store. A missing document gives
// an empty queue. A corrupt one is logged and discarded. Neither is fatal.
func (f *Flusher) LoadAtStartup(ctx context.Context) int {
	entries, err := f.store.Load(ctx)
	if err != nil {
		f.log.Warn("Failed to load pending reports, starting with an empty queue", "error", err)
		return 0
	}

	cut := f.queue.Restore(entries)
	if cut > 0 {
		f.log.Warn("Persisted pending reports exceed capacity, dropped oldest", "dropped", cut)
		f.metrics.RecordDropped(cut)
	}
	if n := f.queue.Len(); n > 0 {
		f.log.Info("Loaded pending reports", "count", n)
	}

	// What is in memory now matches the store unless entries were cut
	f.saveMu.Lock()
	f.saved = cut == 0
	f.savedVersion = f.queue.currentVersion()
	f.saveMu.Unlock()

	return f.queue.Len()
}

// Flush drains the queue, attempts every entry once, requeues failures that
// still have budget and persists the remainder.
func (f *Flusher) Flush(ctx context.Context) FlushResult {
	f.passMu.Lock()
	defer f.passMu.Unlock()

	var res FlushResult
	items := f.queue.DrainAll()
	res.Attempted = len(items)

	if len(items) > 0 {
		f.log.Info("Flushing pending reports", "count", len(items))
	}

	stillPending := make([]job.PendingReport, 0, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			// Shutting down: keep the rest untouched for the final save
			stillPending = append(stillPending, item)
			continue
		}

		payload := item.Payload
		err := f.deliverer.DeliverReport(ctx, item.URL, &payload)
		f.metrics.RecordDelivery(err == nil)
		if err == nil {
			res.Delivered++
			f.log.Info("Pending report delivered", "url", item.URL, "attempts", item.Attempts)
			continue
		}

		item.Attempts++
		if item.Attempts > f.maxAttempts {
			res.Dropped++
			f.metrics.RecordDropped(1)
			f.log.Warn("Dropping pending report after exhausting retries",
				"url", item.URL,
				"attempts", item.Attempts,
				"error", err)
			continue
		}

		f.log.Warn("Pending report still failing", "url", item.URL, "attempt", item.Attempts, "error", err)
		stillPending = append(stillPending, item)
	}

	res.Requeued = len(stillPending)
	// Retried entries go back ahead of reports that arrived during the pass,
	// so trimming to capacity drops the oldest reports, not the newest.
	if trimmed := f.queue.Requeue(stillPending); trimmed > 0 {
		res.Dropped += trimmed
		f.metrics.RecordDropped(trimmed)
	}

	persisted, err := f.persist(context.WithoutCancel(ctx), len(items) > 0)
	if err != nil {
		f.log.Error("Failed to persist pending reports", "error", err)
	}
	res.Persisted = persisted
	return res
}

// Persist writes the current queue contents to the store
func (f *Flusher) Persist(ctx context.Context) error {
	_, err := f.persist(ctx, true)
	return err
}

// persist saves when forced or when the queue changed since the last save
func (f *Flusher) persist(ctx context.Context, force bool) (bool, error) {
	f.saveMu.Lock()
	defer f.saveMu.Unlock()

	if !force && f.saved && f.queue.currentVersion() == f.savedVersion {
		return false, nil
	}

	entries, version := f.queue.snapshot()
	if err := f.store.Save(ctx, entries); err != nil {
		return false, fmt.Errorf("persist %d pending reports: %w", len(entries), err)
	}
	f.saved = true
	f.savedVersion = version
	return true, nil
}
