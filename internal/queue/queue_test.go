package queue

import (
	"fmt"
	"testing"

	"github.com/muaviaUsmani/backupagent/internal/job"
)

func entry(n int) job.PendingReport {
	return job.PendingReport{
		URL:      fmt.Sprintf("https://controller.test/api/workers/backup-plans/p%d/report", n),
		Payload:  job.Report{Status: job.StatusSuccess, DurationMs: int64(n)},
		Attempts: 1,
	}
}

func urls(entries []job.PendingReport) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.URL
	}
	return out
}

func TestReportQueue_NeverExceedsCapacity(t *testing.T) {
	q := NewReportQueue(3)

	for i := 0; i < 10; i++ {
		q.Enqueue(entry(i))
		if q.Len() > 3 {
			t.Fatalf("queue exceeded capacity after %d enqueues: %d", i+1, q.Len())
		}
	}

	got := q.Snapshot()
	want := []string{entry(7).URL, entry(8).URL, entry(9).URL}
	for i := range want {
		if got[i].URL != want[i] {
			t.Errorf("entry %d mismatch: got %s, want %s", i, got[i].URL, want[i])
		}
	}
}

func TestReportQueue_EvictsSingleOldest(t *testing.T) {
	q := NewReportQueue(2)

	if q.Enqueue(entry(1)) || q.Enqueue(entry(2)) {
		t.Fatal("no eviction expected below capacity")
	}
	if !q.Enqueue(entry(3)) {
		t.Fatal("expected eviction at capacity")
	}

	got := urls(q.Snapshot())
	if len(got) != 2 || got[0] != entry(2).URL || got[1] != entry(3).URL {
		t.Errorf("unexpected contents after eviction: %v", got)
	}
}

func TestReportQueue_DrainAll(t *testing.T) {
	q := NewReportQueue(10)
	q.Enqueue(entry(1))
	q.Enqueue(entry(2))

	drained := q.DrainAll()
	if len(drained) != 2 || drained[0].URL != entry(1).URL {
		t.Fatalf("unexpected drained entries: %v", urls(drained))
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after drain, got %d", q.Len())
	}
	if again := q.DrainAll(); again != nil {
		t.Errorf("second drain should return nil, got %v", again)
	}

	// Entries enqueued after a drain are not visible in the drained slice
	q.Enqueue(entry(3))
	if len(drained) != 2 {
		t.Errorf("drained slice changed: %v", urls(drained))
	}
}

func TestReportQueue_RequeueOrderAndTrim(t *testing.T) {
	q := NewReportQueue(3)
	q.Enqueue(entry(1))
	q.Enqueue(entry(2))
	retried := q.DrainAll()

	// New arrivals while the flush was in progress
	q.Enqueue(entry(3))
	q.Enqueue(entry(4))

	trimmed := q.Requeue(retried)
	if trimmed != 1 {
		t.Errorf("trimmed mismatch: got %d, want 1", trimmed)
	}

	got := urls(q.Snapshot())
	want := []string{entry(2).URL, entry(3).URL, entry(4).URL}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d mismatch: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestReportQueue_RestoreKeepsNewest(t *testing.T) {
	q := NewReportQueue(2)

	cut := q.Restore([]job.PendingReport{entry(1), entry(2), entry(3)})
	if cut != 1 {
		t.Errorf("cut mismatch: got %d, want 1", cut)
	}
	got := urls(q.Snapshot())
	if len(got) != 2 || got[0] != entry(2).URL {
		t.Errorf("unexpected restored contents: %v", got)
	}
}

func TestReportQueue_SnapshotIsCopy(t *testing.T) {
	q := NewReportQueue(5)
	q.Enqueue(entry(1))

	snap := q.Snapshot()
	snap[0].Attempts = 99
	if q.Snapshot()[0].Attempts != 1 {
		t.Error("mutating a snapshot must not affect the queue")
	}
}

func TestNewReportQueue_DefaultCapacity(t *testing.T) {
	if got := NewReportQueue(0).Capacity(); got != DefaultCapacity {
		t.Errorf("capacity mismatch: got %d, want %d", got, DefaultCapacity)
	}
}
