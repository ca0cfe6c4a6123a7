// Package queue holds reports that could not be delivered to the controller
// and retries them until they go through or exhaust their attempt budget.
package queue

import (
	"sync"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
)

// DefaultCapacity is the maximum number of pending reports kept
const DefaultCapacity = 500

// ReportQueue is a bounded FIFO of pending reports. When full, admitting a
// new entry evicts the oldest one. The lock is never held across I/O.
type ReportQueue struct {
	mu       sync.Mutex
	entries  []job.PendingReport
	capacity int
	// version increments on every mutation so the flusher can skip idle saves
	version uint64
	log     logger.Logger
}

// NewReportQueue creates an empty queue holding at most capacity entries
func NewReportQueue(capacity int) *ReportQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &ReportQueue{
		entries:  make([]job.PendingReport, 0, capacity),
		capacity: capacity,
		log:      logger.Default().WithComponent(logger.ComponentQueue),
	}
}

// Capacity returns the queue bound
func (q *ReportQueue) Capacity() int {
	return q.capacity
}

// Enqueue appends entry, evicting the oldest entry first if the queue is
// full. It reports whether an eviction happened.
func (q *ReportQueue) Enqueue(entry job.PendingReport) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		evicted = true
		q.log.Warn("Pending reports queue full, dropping oldest entry",
			"capacity", q.capacity,
			"url", dropped.URL,
			"attempts", dropped.Attempts)
	}

	q.entries = append(q.entries, entry)
	q.version++
	q.log.Info("Queuing pending report", "url", entry.URL, "attempt", entry.Attempts)
	return evicted
}

// DrainAll atomically removes and returns every queued entry, oldest first
func (q *ReportQueue) DrainAll() []job.PendingReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	drained := q.entries
	q.entries = make([]job.PendingReport, 0, q.capacity)
	q.version++
	return drained
}

// Requeue puts retried entries back ahead of anything enqueued since they
// were drained, then trims from the oldest end down to capacity. It returns
// how many entries were trimmed.
func (q *ReportQueue) Requeue(retried []job.PendingReport) int {
	if len(retried) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]job.PendingReport, 0, len(retried)+len(q.entries))
	merged = append(merged, retried...)
	merged = append(merged, q.entries...)

	trimmed := 0
	if len(merged) > q.capacity {
		trimmed = len(merged) - q.capacity
		merged = merged[trimmed:]
		q.log.Warn("Pending reports queue full after flush, dropping oldest entries",
			"capacity", q.capacity,
			"dropped", trimmed)
	}

	q.entries = merged
	q.version++
	return trimmed
}

// Restore replaces the contents with entries loaded at startup, keeping the
// newest ones if there are more than capacity. It returns how many were cut.
func (q *ReportQueue) Restore(entries []job.PendingReport) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cut := 0
	if len(entries) > q.capacity {
		cut = len(entries) - q.capacity
		entries = entries[cut:]
	}
	q.entries = append(make([]job.PendingReport, 0, q.capacity), entries...)
	q.version++
	return cut
}

// Snapshot returns a copy of the queued entries, oldest first
func (q *ReportQueue) Snapshot() []job.PendingReport {
	entries, _ := q.snapshot()
	return entries
}

func (q *ReportQueue) snapshot() ([]job.PendingReport, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]job.PendingReport, len(q.entries))
	copy(out, q.entries)
	return out, q.version
}

func (q *ReportQueue) currentVersion() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// Len returns the number of queued entries
func (q *ReportQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
