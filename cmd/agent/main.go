// Package main runs the backup agent.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - only served when PPROF_PORT is set
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/muaviaUsmani/backupagent/internal/agent"
	"github.com/muaviaUsmani/backupagent/internal/api"
	"github.com/muaviaUsmani/backupagent/internal/config"
	"github.com/muaviaUsmani/backupagent/internal/controller"
	"github.com/muaviaUsmani/backupagent/internal/logger"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
	"github.com/muaviaUsmani/backupagent/internal/queue"
	"github.com/muaviaUsmani/backupagent/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backup agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()
	logger.SetDefault(log)

	agentLog := log.WithComponent(logger.ComponentAgent).WithSource(logger.LogSourceInternal)
	agentLog.Info("Backup agent starting",
		"controller_url", cfg.ControllerURL,
		"local_api", cfg.LocalAPIEndpoint,
		"state_dir", cfg.StateDir,
		"report_store", cfg.ReportStore)

	addr, err := cfg.ListenAddr()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := setupTracing(log.WithComponent(logger.ComponentAgent), cfg.TraceSpans)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			agentLog.Warn("Tracer provider shutdown failed", "error", err)
		}
	}()

	store, closeStore := openStore(ctx, cfg, agentLog)
	defer closeStore()

	if pprofPort := os.Getenv("PPROF_PORT"); pprofPort != "" {
		go func() {
			agentLog.Info("Starting pprof server", "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
			pprofServer := &http.Server{
				Addr:              "localhost:" + pprofPort,
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := pprofServer.ListenAndServe(); err != nil {
				agentLog.Error("pprof server failed", "error", err)
			}
		}()
	}

	executor := worker.NewExecutor(worker.ExecutorConfig{
		RusticBin: cfg.RusticBin,
		RcloneBin: cfg.RcloneBin,
		StateDir:  cfg.StateDir,
	})
	if v, err := executor.CheckVersion(ctx, cfg.RusticMinVersion); err != nil {
		agentLog.Warn("Rustic version check failed", "error", err)
	} else {
		agentLog.Info("Rustic detected", "version", v.String())
	}

	ctl := controller.NewClient(controller.Config{
		BaseURL:       cfg.ControllerURL,
		Token:         cfg.APIToken,
		PlanAPIPath:   cfg.PlanAPIPath,
		HeartbeatPath: cfg.HeartbeatPath,
		Timeout:       cfg.HTTPTimeout,
		RateLimit:     cfg.DeliveryRateLimit,
	})

	a, err := agent.New(agent.Options{
		Config:     cfg,
		Controller: ctl,
		Runner:     executor,
		Store:      store,
		Metrics:    metrics.Default(),
	})
	if err != nil {
		return err
	}

	apiLog := log.WithComponent(logger.ComponentAPI)
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = logger.NewWriter(apiLog, logger.LevelDebug)
	gin.DefaultErrorWriter = logger.NewWriter(apiLog, logger.LevelError)

	server := api.NewServer(api.Config{
		Token:     cfg.APIToken,
		Metrics:   metrics.Default(),
		Plans:     a.Plans(),
		Pending:   a.Pending(),
		DedupKeys: a.DedupGuard(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, addr) })

	if err := g.Wait(); err != nil {
		agentLog.Error("Backup agent stopped with error", "error", err)
		return err
	}
	agentLog.Info("Backup agent shut down successfully")
	return nil
}

// openStore selects where pending reports survive restarts. Store problems
// are never fatal: the file store is the fallback, and a directory that
// cannot be created now is retried on every save.
func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (queue.Store, func()) {
	if cfg.ReportStore == config.ReportStoreRedis {
		client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
		if err == nil {
			store := queue.NewRedisStore(client, queue.DefaultRedisKey)
			return store, func() { _ = store.Close() }
		}
		log.Warn("Redis report store unavailable, using file store", "error", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		log.Warn("Cannot create state dir, pending reports start empty", "state_dir", cfg.StateDir, "error", err)
	}
	return queue.NewFileStore(cfg.PendingReportsPath()), func() {}
}
