// Package scheduler decides which backup plans are due and dispatches them.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	agenterrors "github.com/muaviaUsmani/backupagent/internal/errors"
	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
)

const tracerName = "github.com/muaviaUsmani/backupagent/internal/scheduler"

// BackupRunner executes a plan's backup request
type BackupRunner interface {
	RunBackup(ctx context.Context, req job.BackupRequest) (*job.CommandResult, error)
}

// ReportDeliverer sends a report to the controller
type ReportDeliverer interface {
	ReportURL(planID string) string
	DeliverReport(ctx context.Context, url string, report *job.Report) error
}

// PendingQueue accepts reports whose first delivery failed. Enqueue returns
// true when admitting the entry evicted an older one.
type PendingQueue interface {
	Enqueue(entry job.PendingReport) bool
}

// Spawner runs fn on its own goroutine; it returns false if it refused the work
type Spawner interface {
	Go(ctx context.Context, fn func(ctx context.Context)) bool
}

// SupervisorConfig wires a Supervisor to its collaborators
type SupervisorConfig struct {
	Cache     *PlanCache
	Guard     *TickGuard
	Runner    BackupRunner
	Deliverer ReportDeliverer
	Pending   PendingQueue
	// Spawner defaults to a bare goroutine per dispatch
	Spawner Spawner
	Metrics *metrics.Collector
	Tracer  trace.Tracer
	// Location used to read the wall clock; nil means time.Local
	Location *time.Location
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Supervisor evaluates cached plans on every tick and launches one
// independent execution per plan per due minute.
type Supervisor struct {
	cache     *PlanCache
	guard     *TickGuard
	runner    BackupRunner
	deliverer ReportDeliverer
	pending   PendingQueue
	spawner   Spawner
	metrics   *metrics.Collector
	tracer    trace.Tracer
	loc       *time.Location
	now       func() time.Time
	log       logger.Logger
}

// NewSupervisor creates a supervisor
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		cache:     cfg.Cache,
		guard:     cfg.Guard,
		runner:    cfg.Runner,
		deliverer: cfg.Deliverer,
		pending:   cfg.Pending,
		spawner:   cfg.Spawner,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		loc:       cfg.Location,
		now:       cfg.Now,
		log:       logger.Default().WithComponent(logger.ComponentScheduler),
	}
	if s.spawner == nil {
		s.spawner = goSpawner{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.guard == nil {
		s.guard = NewTickGuard(DefaultDedupMaxKeys, s.loc)
	}
	return s
}

type goSpawner struct{}

func (goSpawner) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	go fn(ctx)
	return true
}

// Tick evaluates every cached plan against the current minute and returns
// how many executions were launched.
func (s *Supervisor) Tick(ctx context.Context) int {
	plans := s.cache.Snapshot()
	if len(plans) == 0 {
		return 0
	}

	now := s.now().In(s.loc)
	dispatched := 0

	for _, p := range plans {
		if p.ParseErr != nil || p.Spec == nil {
			s.log.Warn("Skipping plan with invalid cron",
				"plan_id", p.Plan.ID,
				"cron", p.Plan.Cron,
				"error", p.ParseErr)
			continue
		}

		if !p.Spec.Matches(now) {
			continue
		}
		if !s.guard.ShouldDispatch(p.Plan.ID, now) {
			continue
		}

		plan := p
		if !s.spawner.Go(ctx, func(ctx context.Context) { s.execute(ctx, plan) }) {
			s.log.Warn("Dispatch refused, agent is shutting down", "plan_id", plan.Plan.ID)
			continue
		}

		s.metrics.RecordDispatch()
		dispatched++
		s.log.Info("Plan dispatched", "plan_id", p.Plan.ID, "minute", s.guard.DedupKey(p.Plan.ID, now))
	}

	return dispatched
}

// execute runs one plan, builds its report and hands it to delivery
func (s *Supervisor) execute(ctx context.Context, plan CachedPlan) {
	runID := uuid.NewString()
	ctx = logger.WithPlanID(logger.WithRunID(ctx, runID), plan.Plan.ID)
	log := s.log.WithSource(logger.LogSourceRun)

	ctx, span := s.tracer.Start(ctx, "backupagent.plan.run",
		trace.WithAttributes(
			attribute.String("backupagent.plan.id", plan.Plan.ID),
			attribute.String("backupagent.plan.cron", plan.Plan.Cron),
			attribute.String("backupagent.run.id", runID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	log.InfoContext(ctx, "Backup run started")

	started := time.Now()
	var result *job.CommandResult
	runErr := agenterrors.Safely(func() error {
		var err error
		result, err = s.runner.RunBackup(ctx, plan.Plan.Request)
		return err
	})
	duration := time.Since(started)

	var nextRunAt *time.Time
	if next, ok := plan.Spec.NextRunAfter(s.now().In(s.loc)); ok {
		nextRunAt = &next
	}

	var report *job.Report
	if runErr != nil {
		if perr, ok := runErr.(*agenterrors.PanicError); ok {
			log.ErrorContext(ctx, "Backup run panicked", "panic", agenterrors.FormatPanicForLog(perr))
		}
		report = job.NewFailedReport(runErr, duration, nextRunAt)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		log.ErrorContext(ctx, "Backup run failed", "duration_ms", report.DurationMs, "error", runErr)
	} else {
		report = job.NewSuccessReport(result, duration, nextRunAt)
		span.SetStatus(codes.Ok, "")
		log.InfoContext(ctx, "Backup run succeeded", "duration_ms", report.DurationMs)
	}
	span.SetAttributes(attribute.String("backupagent.run.status", string(report.Status)))
	s.metrics.RecordRunFinished(report.Status == job.StatusSuccess, duration)

	s.deliver(ctx, plan.Plan.ID, report)
}

// deliver tries the controller once and queues the report for retry on failure
func (s *Supervisor) deliver(ctx context.Context, planID string, report *job.Report) {
	url := s.deliverer.ReportURL(planID)

	err := s.deliverer.DeliverReport(ctx, url, report)
	s.metrics.RecordDelivery(err == nil)
	if err == nil {
		s.log.InfoContext(ctx, "Backup plan run reported", "status", report.Status)
		return
	}

	s.log.ErrorContext(ctx, "Backup plan report failed, queuing for retry", "url", url, "error", err)
	evicted := s.pending.Enqueue(job.PendingReport{URL: url, Payload: *report, Attempts: 1})
	s.metrics.RecordQueued()
	if evicted {
		s.metrics.RecordDropped(1)
	}
}

