package job

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// KindPanic marks the error recorded on a job whose processor panicked.
const KindPanic = "panic"

// Processor handles execution of a claimed job.
type Processor interface {
	Process(ctx context.Context, j *Job) error
}

// WorkerPool runs a fixed number of goroutines that claim and process pending jobs.
type WorkerPool struct {
	repo         Repository
	processor    Processor
	workers      int
	notify       chan struct{}
	pollInterval time.Duration
}

type PoolOption func(*WorkerPool)

// WithPollInterval sets how often idle workers look for pending jobs
// without being notified.
func WithPollInterval(d time.Duration) PoolOption {
	return func(wp *WorkerPool) {
		if d > 0 {
			wp.pollInterval = d
		}
	}
}

// NewWorkerPool creates a pool with the given number of workers.
func NewWorkerPool(repo Repository, processor Processor, workers int, opts ...PoolOption) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	wp := &WorkerPool{
		repo:         repo,
		processor:    processor,
		workers:      workers,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
	}
	for _, o := range opts {
		o(wp)
	}
	return wp
}

// Notify wakes idle workers to check for pending jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Run starts worker goroutines and blocks until ctx is cancelled and all
// workers have drained.
func (wp *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range wp.workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (wp *WorkerPool) loop(ctx context.Context, id int) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all available pending jobs before waiting.
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		j, err := wp.repo.ClaimPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			slog.Error("worker: claim pending", "worker", id, "error", err)
			return
		}
		if j == nil {
			return // no more pending jobs
		}

		slog.Info("worker: processing job", "worker", id, "job", j.ID,
			"symbol", j.Symbol, "timeframe", j.Timeframe, "status", j.Status)

		if err := wp.process(ctx, j); err != nil {
			slog.Error("worker: process job", "worker", id, "job", j.ID, "error", err)
		}
	}
}

// process isolates a panicking job so the worker survives it. The job is
// marked failed rather than left running without an owner.
func (wp *WorkerPool) process(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker: panic", "job", j.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
			wp.fail(context.WithoutCancel(ctx), j.ID, err)
		}
	}()
	return wp.processor.Process(ctx, j)
}

func (wp *WorkerPool) fail(ctx context.Context, id string, cause error) {
	_, err := Mutate(ctx, wp.repo, id, func(cur *Job) error {
		if cur.Status.Terminal() || cur.Status == StatusPending {
			return ErrSkipUpdate
		}
		now := time.Now().UTC()
		cur.AddError(-1, KindPanic, cause.Error(), now)
		return cur.TransitionTo(StatusFailed, now)
	})
	if err != nil {
		slog.Error("worker: mark job failed", "job", id, "error", err)
	}
}
