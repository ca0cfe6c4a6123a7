package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	agenterrors "github.com/muaviaUsmani/backupagent/internal/errors"
	"github.com/muaviaUsmani/backupagent/internal/logger"
)

// Pool runs backup executions on their own goroutines and tracks them so
// shutdown can wait for in-flight runs. It has no concurrency cap: every
// due plan gets a goroutine.
type Pool struct {
	mu       sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	active   atomic.Int64
	launched atomic.Int64
	log      logger.Logger
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{
		log: logger.Default().WithComponent(logger.ComponentAgent),
	}
}

// Go starts fn in a new goroutine. It returns false once Stop has been called.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.launched.Add(1)
	p.active.Add(1)
	go p.run(ctx, fn)
	return true
}

func (p *Pool) run(ctx context.Context, fn func(ctx context.Context)) {
	defer p.wg.Done()
	defer p.active.Add(-1)
	defer func() {
		if err := agenterrors.RecoverPanic(recover()); err != nil {
			p.log.ErrorContext(ctx, "Task recovered from panic",
				"panic", agenterrors.FormatPanicForLog(err.(*agenterrors.PanicError)))
		}
	}()

	fn(ctx)
}

// Active returns the number of running tasks
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Launched returns how many tasks were ever started
func (p *Pool) Launched() int64 {
	return p.launched.Load()
}

// Stop refuses new work and waits up to timeout for running tasks.
// It reports whether every task finished in time.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.log.Info("Stopping task pool", "active", p.active.Load())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Task pool stopped gracefully")
		return true
	case <-time.After(timeout):
		p.log.Warn("Task pool shutdown timed out", "timeout", timeout.String(), "active", p.active.Load())
		return false
	}
}
