package worker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPool_RunsTasks(t *testing.T) {
	pool := NewPool()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := 0

	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := pool.Go(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			seen++
			mu.Unlock()
		})
		if !ok {
			t.Fatalf("task %d refused", i)
		}
	}
	wg.Wait()

	if seen != 5 {
		t.Errorf("expected 5 tasks to run, got %d", seen)
	}
	if pool.Launched() != 5 {
		t.Errorf("expected 5 launched, got %d", pool.Launched())
	}
	if !pool.Stop(time.Second) {
		t.Error("expected clean stop")
	}
}

func TestPool_NoConcurrencyCap(t *testing.T) {
	pool := NewPool()
	release := make(chan struct{})
	started := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		pool.Go(context.Background(), func(ctx context.Context) {
			started <- struct{}{}
			<-release
		})
	}

	for i := 0; i < 10; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d tasks started concurrently", i)
		}
	}
	if got := pool.Active(); got != 10 {
		t.Errorf("expected 10 active, got %d", got)
	}

	close(release)
	if !pool.Stop(2 * time.Second) {
		t.Error("expected clean stop")
	}
	if got := pool.Active(); got != 0 {
		t.Errorf("expected 0 active after stop, got %d", got)
	}
}

func TestPool_RefusesAfterStop(t *testing.T) {
	pool := NewPool()
	pool.Stop(time.Second)

	if pool.Go(context.Background(), func(ctx context.Context) {}) {
		t.Error("expected Go to refuse work after Stop")
	}
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool()
	release := make(chan struct{})
	defer close(release)

	pool.Go(context.Background(), func(ctx context.Context) { <-release })

	if pool.Stop(50 * time.Millisecond) {
		t.Error("expected Stop to time out with a blocked task")
	}
}

func TestPool_RecoversPanic(t *testing.T) {
	pool := NewPool()

	pool.Go(context.Background(), func(ctx context.Context) {
		panic("boom")
	})

	if !pool.Stop(time.Second) {
		t.Fatal("expected stop after panicking task")
	}
	if pool.Active() != 0 {
		t.Errorf("expected active count to unwind, got %d", pool.Active())
	}
}

func TestPool_PassesContext(t *testing.T) {
	pool := NewPool()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	got := make(chan interface{}, 1)
	pool.Go(ctx, func(ctx context.Context) { got <- ctx.Value(key{}) })

	select {
	case v := <-got:
		if v != "v" {
			t.Errorf("context value mismatch: got %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	pool.Stop(time.Second)
}
