// Package agent wires the periodic loops of the backup agent together and
// owns its startup and shutdown sequence.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/muaviaUsmani/backupagent/internal/config"
	"github.com/muaviaUsmani/backupagent/internal/job"
	"github.com/muaviaUsmani/backupagent/internal/logger"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
	"github.com/muaviaUsmani/backupagent/internal/queue"
	"github.com/muaviaUsmani/backupagent/internal/scheduler"
	"github.com/muaviaUsmani/backupagent/internal/worker"
)

// Controller is everything the agent needs from the remote controller
type Controller interface {
	scheduler.PlanFetcher
	scheduler.ReportDeliverer
	SyncStats(ctx context.Context, hb job.Heartbeat) error
}

// Options are the agent's collaborators
type Options struct {
	Config     *config.Config
	Controller Controller
	Runner     scheduler.BackupRunner
	Store      queue.Store
	Metrics    *metrics.Collector
	// Location for cron evaluation; nil means time.Local
	Location *time.Location
}

// Agent runs plan sync, the scheduling tick, report flushing and the stats
// heartbeat on independent timers.
type Agent struct {
	cfg        *config.Config
	controller Controller
	metrics    *metrics.Collector
	loc        *time.Location

	cache      *scheduler.PlanCache
	guard      *scheduler.TickGuard
	syncer     *scheduler.PlanSyncer
	supervisor *scheduler.Supervisor
	queue      *queue.ReportQueue
	flusher    *queue.Flusher
	pool       *worker.Pool

	log logger.Logger
}

// New builds an agent from opts
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("agent: config is required")
	}
	if opts.Controller == nil || opts.Runner == nil || opts.Store == nil {
		return nil, fmt.Errorf("agent: controller, runner and store are required")
	}

	a := &Agent{
		cfg:        opts.Config,
		controller: opts.Controller,
		metrics:    opts.Metrics,
		loc:        opts.Location,
		log:        logger.Default().WithComponent(logger.ComponentAgent),
	}
	if a.metrics == nil {
		a.metrics = metrics.Default()
	}
	if a.loc == nil {
		a.loc = time.Local
	}

	a.cache = scheduler.NewPlanCache()
	a.guard = scheduler.NewTickGuard(a.cfg.DedupMaxKeys, a.loc)
	a.syncer = scheduler.NewPlanSyncer(a.controller, a.cache)
	a.queue = queue.NewReportQueue(a.cfg.PendingReportsMax)
	a.flusher = queue.NewFlusher(a.queue, a.controller, opts.Store, a.cfg.PendingReportMaxAttempts, a.metrics)
	a.pool = worker.NewPool()
	a.supervisor = scheduler.NewSupervisor(scheduler.SupervisorConfig{
		Cache:     a.cache,
		Guard:     a.guard,
		Runner:    opts.Runner,
		Deliverer: a.controller,
		Pending:   a.queue,
		Spawner:   a.pool,
		Metrics:   a.metrics,
		Location:  a.loc,
	})

	return a, nil
}

// Plans exposes the plan cache to the local API
func (a *Agent) Plans() *scheduler.PlanCache { return a.cache }

// Pending exposes the report queue to the local API
func (a *Agent) Pending() *queue.ReportQueue { return a.queue }

// DedupGuard exposes the tick guard to the local API
func (a *Agent) DedupGuard() *scheduler.TickGuard { return a.guard }

// Run loads persisted reports, starts the loops and blocks until ctx is
// cancelled. Shutdown waits for in-flight backups and persists the queue.
func (a *Agent) Run(ctx context.Context) error {
	a.flusher.LoadAtStartup(ctx)

	cl := cronLogger{log: a.log}
	chain := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	c := cron.New(cron.WithLocation(a.loc), cron.WithLogger(cl))

	// Executions outlive the loops' context so shutdown can wait for them
	runCtx := context.WithoutCancel(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"plan_sync", a.cfg.PlanSyncInterval, func() { _ = a.syncer.Sync(ctx) }},
		{"scheduler", a.cfg.SchedulerInterval, func() { a.supervisor.Tick(runCtx) }},
		{"report_flush", a.cfg.FlushInterval, func() { a.flusher.Flush(ctx) }},
		{"heartbeat", a.cfg.HeartbeatInterval, func() { a.heartbeat(ctx) }},
	}

	jobs := make([]cron.Job, 0, len(loops))
	for _, l := range loops {
		j := chain.Then(cron.FuncJob(l.fn))
		c.Schedule(cron.Every(l.interval), j)
		jobs = append(jobs, j)
		a.log.Info("Loop scheduled", "loop", l.name, "interval", l.interval.String())
	}

	c.Start()
	a.log.Info("Agent started", "endpoint", a.cfg.LocalAPIEndpoint)

	// First pass of every loop right away, in dependency order
	go func() {
		for _, j := range jobs {
			if ctx.Err() != nil {
				return
			}
			j.Run()
		}
	}()

	<-ctx.Done()
	return a.shutdown(c)
}

func (a *Agent) shutdown(c *cron.Cron) error {
	a.log.Info("Agent shutting down", "timeout", a.cfg.ShutdownTimeout.String())
	deadline := time.Now().Add(a.cfg.ShutdownTimeout)

	select {
	case <-c.Stop().Done():
	case <-time.After(a.cfg.ShutdownTimeout):
		a.log.Warn("Timed out waiting for loops to finish")
	}

	if !a.pool.Stop(time.Until(deadline)) {
		a.log.Warn("Backup runs still in flight at shutdown", "active", a.pool.Active())
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.flusher.Persist(persistCtx); err != nil {
		return fmt.Errorf("final persist of pending reports: %w", err)
	}

	a.log.Info("Agent stopped", "pending_reports", a.queue.Len())
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) {
	requests, errs := a.metrics.RequestCounts()
	hb := job.Heartbeat{
		Status:        "online",
		Endpoint:      a.cfg.LocalAPIEndpoint,
		UptimeMs:      a.metrics.Uptime().Milliseconds(),
		RequestsTotal: requests,
		ErrorTotal:    errs,
	}
	if err := a.controller.SyncStats(ctx, hb); err != nil {
		a.log.Warn("Stats sync failed", "error", err)
		return
	}
	a.log.Debug("Stats synced", "requests_total", requests, "error_total", errs)
}

// cronLogger adapts logger.Logger to cron.Logger. cron's info output is
// per-wakeup chatter, so it goes to debug.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
