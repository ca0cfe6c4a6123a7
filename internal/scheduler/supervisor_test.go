package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
)

// mockRunner records backup requests and returns a canned outcome
type mockRunner struct {
	mu     sync.Mutex
	calls  []job.BackupRequest
	result *job.CommandResult
	err    error
	panic  interface{}
}

func (m *mockRunner) RunBackup(ctx context.Context, req job.BackupRequest) (*job.CommandResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.panic != nil {
		panic(m.panic)
	}
	return m.result, m.err
}

func (m *mockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// mockDeliverer records delivered reports; fail makes every delivery error
type mockDeliverer struct {
	mu        sync.Mutex
	fail      bool
	delivered map[string][]*job.Report
}

func (m *mockDeliverer) ReportURL(planID string) string {
	return "https://controller.test/api/workers/backup-plans/" + planID + "/report"
}

func (m *mockDeliverer) DeliverReport(ctx context.Context, url string, r *job.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("connection refused")
	}
	if m.delivered == nil {
		m.delivered = make(map[string][]*job.Report)
	}
	m.delivered[url] = append(m.delivered[url], r)
	return nil
}

func (m *mockDeliverer) reports() []*job.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.Report
	for _, rs := range m.delivered {
		out = append(out, rs...)
	}
	return out
}

type mockPending struct {
	mu      sync.Mutex
	entries []job.PendingReport
}

func (m *mockPending) Enqueue(e job.PendingReport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return false
}

// inlineSpawner runs work synchronously so ticks are deterministic
type inlineSpawner struct{}

func (inlineSpawner) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	fn(ctx)
	return true
}

type refusingSpawner struct{}

func (refusingSpawner) Go(context.Context, func(context.Context)) bool { return false }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type supervisorFixture struct {
	sup       *Supervisor
	cache     *PlanCache
	runner    *mockRunner
	deliverer *mockDeliverer
	pending   *mockPending
	clock     *fakeClock
	metrics   *metrics.Collector
	spans     *tracetest.SpanRecorder
}

func setupSupervisor(t *testing.T, start time.Time) *supervisorFixture {
	t.Helper()
	code := 0
	f := &supervisorFixture{
		cache: NewPlanCache(),
		runner: &mockRunner{result: &job.CommandResult{
			Success:    true,
			Command:    []string{"rustic", "backup"},
			ExitCode:   &code,
			ParsedJSON: []byte(`{"id":"snap-1","time":"2024-01-01T10:00:05Z"}`),
		}},
		deliverer: &mockDeliverer{},
		pending:   &mockPending{},
		clock:     &fakeClock{now: start},
		metrics:   metrics.NewCollector(),
		spans:     tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))

	f.sup = NewSupervisor(SupervisorConfig{
		Cache:     f.cache,
		Guard:     NewTickGuard(DefaultDedupMaxKeys, time.UTC),
		Runner:    f.runner,
		Deliverer: f.deliverer,
		Pending:   f.pending,
		Spawner:   inlineSpawner{},
		Metrics:   f.metrics,
		Tracer:    tp.Tracer("test"),
		Location:  time.UTC,
		Now:       f.clock.Now,
	})
	return f
}

func TestSupervisor_EmptyCacheIsNoOp(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))

	if n := f.sup.Tick(context.Background()); n != 0 {
		t.Errorf("dispatch count mismatch: got %d, want 0", n)
	}
	if f.runner.count() != 0 {
		t.Errorf("runner should not be called, got %d calls", f.runner.count())
	}
}

func TestSupervisor_OneDispatchPerMinute(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f := setupSupervisor(t, start)
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *", Request: job.BackupRequest{Repository: "/repo", Paths: []string{"/data"}}}})

	total := 0
	for i := 0; i < 4; i++ {
		f.clock.Set(start.Add(time.Duration(i) * 15 * time.Second))
		total += f.sup.Tick(context.Background())
	}
	if total != 1 {
		t.Fatalf("dispatches within one minute mismatch: got %d, want 1", total)
	}
	if f.runner.count() != 1 {
		t.Fatalf("runner calls mismatch: got %d, want 1", f.runner.count())
	}

	for i := 0; i < 4; i++ {
		f.clock.Set(start.Add(time.Minute + time.Duration(i)*15*time.Second))
		total += f.sup.Tick(context.Background())
	}
	if total != 2 {
		t.Errorf("dispatches across two minutes mismatch: got %d, want 2", total)
	}
	if got := f.metrics.GetMetrics().PlansDispatched; got != 2 {
		t.Errorf("PlansDispatched mismatch: got %d, want 2", got)
	}
}

func TestSupervisor_SkipsInvalidCronButKeepsPlan(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.cache.Replace([]job.Plan{
		{ID: "bad", Cron: "*/0 * * * *"},
		{ID: "good", Cron: "0 10 * * *"},
	})

	if n := f.sup.Tick(context.Background()); n != 1 {
		t.Errorf("dispatch count mismatch: got %d, want 1", n)
	}
	if f.cache.Count() != 2 {
		t.Errorf("invalid plan should stay cached, got %d plans", f.cache.Count())
	}
}

func TestSupervisor_NotDue(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "0 3 * * *"}})

	if n := f.sup.Tick(context.Background()); n != 0 {
		t.Errorf("dispatch count mismatch: got %d, want 0", n)
	}
}

func TestSupervisor_SuccessReport(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 2, 30, 10, 0, time.UTC))
	f.cache.Replace([]job.Plan{{ID: "nightly", Cron: "30 2 * * *"}})

	f.sup.Tick(context.Background())

	reports := f.deliverer.delivered["https://controller.test/api/workers/backup-plans/nightly/report"]
	if len(reports) != 1 {
		t.Fatalf("delivered report count mismatch: got %d, want 1", len(reports))
	}
	r := reports[0]
	if r.Status != job.StatusSuccess {
		t.Errorf("status mismatch: got %s, want success", r.Status)
	}
	if r.SnapshotID == nil || *r.SnapshotID != "snap-1" {
		t.Errorf("snapshot id mismatch: got %v", r.SnapshotID)
	}
	if r.NextRunAt == nil || *r.NextRunAt != "2024-01-02T02:30:00Z" {
		t.Errorf("nextRunAt mismatch: got %v", r.NextRunAt)
	}
	if len(f.pending.entries) != 0 {
		t.Errorf("nothing should be queued, got %d", len(f.pending.entries))
	}
}

func TestSupervisor_FailedRunReportsError(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.runner.result = nil
	f.runner.err = errors.New("repository does not exist")
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *"}})

	f.sup.Tick(context.Background())

	reports := f.deliverer.reports()
	if len(reports) != 1 {
		t.Fatalf("report count mismatch: got %d, want 1", len(reports))
	}
	if reports[0].Status != job.StatusFailed {
		t.Errorf("status mismatch: got %s, want failed", reports[0].Status)
	}
	if reports[0].Error == nil || *reports[0].Error != "repository does not exist" {
		t.Errorf("error mismatch: got %v", reports[0].Error)
	}
	if got := f.metrics.GetMetrics().RunsFailed; got != 1 {
		t.Errorf("RunsFailed mismatch: got %d, want 1", got)
	}
}

func TestSupervisor_PanicBecomesFailedReport(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.runner.panic = "nil map write"
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *"}})

	f.sup.Tick(context.Background())

	reports := f.deliverer.reports()
	if len(reports) != 1 {
		t.Fatalf("report count mismatch: got %d, want 1", len(reports))
	}
	if reports[0].Error == nil || !strings.Contains(*reports[0].Error, "nil map write") {
		t.Errorf("panic message should be in the report, got %v", reports[0].Error)
	}
}

func TestSupervisor_DeliveryFailureQueuesReport(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.deliverer.fail = true
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *"}})

	f.sup.Tick(context.Background())

	if len(f.pending.entries) != 1 {
		t.Fatalf("queued count mismatch: got %d, want 1", len(f.pending.entries))
	}
	e := f.pending.entries[0]
	if e.Attempts != 1 {
		t.Errorf("attempts mismatch: got %d, want 1", e.Attempts)
	}
	if e.URL != f.deliverer.ReportURL("p1") {
		t.Errorf("url mismatch: got %s", e.URL)
	}
	if e.Payload.Status != job.StatusSuccess {
		t.Errorf("payload status mismatch: got %s", e.Payload.Status)
	}
	m := f.metrics.GetMetrics()
	if m.DeliveryFailures != 1 || m.ReportsQueued != 1 {
		t.Errorf("delivery metrics mismatch: failures=%d queued=%d", m.DeliveryFailures, m.ReportsQueued)
	}
}

func TestSupervisor_RefusedDispatch(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.sup.spawner = refusingSpawner{}
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *"}})

	if n := f.sup.Tick(context.Background()); n != 0 {
		t.Errorf("dispatch count mismatch: got %d, want 0", n)
	}
	if f.runner.count() != 0 {
		t.Errorf("runner should not run, got %d calls", f.runner.count())
	}
}

func TestSupervisor_ConcurrentExecutionsAreIndependent(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.sup.spawner = goSpawner{}

	block := make(chan struct{})
	slow := &blockingRunner{release: block, started: make(chan string, 2)}
	f.sup.runner = slow
	f.cache.Replace([]job.Plan{{ID: "a", Cron: "* * * * *"}, {ID: "b", Cron: "* * * * *"}})

	if n := f.sup.Tick(context.Background()); n != 2 {
		t.Fatalf("dispatch count mismatch: got %d, want 2", n)
	}

	// Both runs must be in flight at the same time
	for i := 0; i < 2; i++ {
		select {
		case <-slow.started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both executions to start")
		}
	}
	close(block)

	deadline := time.After(2 * time.Second)
	for len(f.deliverer.reports()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for reports, got %d", len(f.deliverer.reports()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type blockingRunner struct {
	release chan struct{}
	started chan string
}

func (b *blockingRunner) RunBackup(ctx context.Context, req job.BackupRequest) (*job.CommandResult, error) {
	b.started <- req.Repository
	<-b.release
	return &job.CommandResult{Success: true}, nil
}

func TestSupervisor_RecordsSpan(t *testing.T) {
	f := setupSupervisor(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	f.runner.result = nil
	f.runner.err = errors.New("boom")
	f.cache.Replace([]job.Plan{{ID: "p1", Cron: "* * * * *"}})

	f.sup.Tick(context.Background())

	spans := f.spans.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "backupagent.plan.run" {
		t.Errorf("span name mismatch: got %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status mismatch: got %v, want Error", spans[0].Status().Code)
	}

	found := false
	for _, a := range spans[0].Attributes() {
		if a.Key == attribute.Key("backupagent.plan.id") && a.Value.AsString() == "p1" {
			found = true
		}
	}
	if !found {
		t.Error("expected backupagent.plan.id attribute")
	}
}
