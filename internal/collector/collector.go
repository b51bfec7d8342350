// Package collector executes claimed jobs: it probes for a start date when
// needed, plans the batches and drives them sequentially against the
// upstream terminal, recording progress through the job repository.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/planner"
	"github.com/ahmethakanbesel/candle-collector/internal/probe"
	"github.com/ahmethakanbesel/candle-collector/internal/telemetry"
	"github.com/ahmethakanbesel/candle-collector/internal/upstream"
)

// Sink receives the candles of every successful batch.
type Sink interface {
	Store(ctx context.Context, symbol string, tf market.Timeframe, candles []market.Candle) error
}

type nopSink struct{}

func (nopSink) Store(context.Context, string, market.Timeframe, []market.Candle) error { return nil }

// NopSink discards candles.
var NopSink Sink = nopSink{}

const (
	KindSink    = "sink"
	KindPlan    = "plan"
	KindOutage  = "outage"
	outcomeOK   = "ok"
	outcomeErr  = "error"
	outcomeDown = "outage"
)

// errStop aborts execution without touching the job any further.
var errStop = errors.New("collector: stop")

type Collector struct {
	repo            job.Repository
	fetcher         upstream.Fetcher
	prober          *probe.Prober
	sink            Sink
	cache           job.SnapshotCache
	metrics         *telemetry.Metrics
	attempts        int
	retryBackoff    time.Duration
	outageThreshold int
	now             func() time.Time
}

type Option func(*Collector)

func WithSink(s Sink) Option {
	return func(c *Collector) {
		if s != nil {
			c.sink = s
		}
	}
}

func WithCache(cache job.SnapshotCache) Option {
	return func(c *Collector) {
		if cache != nil {
			c.cache = cache
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithRetry sets the attempts per batch and the fixed pause between them.
func WithRetry(attempts int, pause time.Duration) Option {
	return func(c *Collector) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if pause >= 0 {
			c.retryBackoff = pause
		}
	}
}

// WithOutageThreshold sets how many consecutive unreachable batches fail a job.
func WithOutageThreshold(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.outageThreshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

func New(repo job.Repository, fetcher upstream.Fetcher, prober *probe.Prober, opts ...Option) *Collector {
	c := &Collector{
		repo:            repo,
		fetcher:         fetcher,
		prober:          prober,
		sink:            NopSink,
		cache:           job.NopCache,
		attempts:        3,
		retryBackoff:    2 * time.Second,
		outageThreshold: 2,
		now:             time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Process runs a claimed job until it reaches a terminal state, is
// cancelled, or ctx ends. Shutdown leaves the job in its current status for
// startup recovery to requeue.
func (c *Collector) Process(ctx context.Context, j *job.Job) error {
	id := j.ID
	if err := c.cache.Put(ctx, j); err != nil {
		slog.Warn("collector: snapshot cache write failed", "job", id, "error", err)
	}
	if !j.StartTrusted {
		probed, err := c.probe(ctx, j)
		if err != nil {
			return c.settle(ctx, id, err)
		}
		j = probed
	}

	batches, err := planner.PlanDates(j.StartDate, j.EndDate, j.Timeframe, j.BatchSize)
	if err == nil && j.TotalBatches > 0 && len(batches) != j.TotalBatches {
		err = fmt.Errorf("plan has %d batches, job expects %d", len(batches), j.TotalBatches)
	}
	if err != nil {
		_, uerr := c.update(ctx, j.ID, func(cur *job.Job) error {
			cur.AddError(-1, KindPlan, err.Error(), c.now().UTC())
			return cur.TransitionTo(job.StatusFailed, c.now().UTC())
		})
		if uerr == nil {
			slog.Error("collector: job failed, cannot plan", "job", id, "error", err)
			c.finished(ctx, job.StatusFailed)
		}
		return c.settle(ctx, id, uerr)
	}

	if j.TotalBatches == 0 {
		planned, err := c.update(ctx, id, func(cur *job.Job) error {
			cur.TotalBatches = len(batches)
			cur.CloseBatches(0)
			return nil
		})
		if err != nil {
			return c.settle(ctx, id, err)
		}
		j = planned
		slog.Info("collector: job planned", "job", id, "batches", len(batches), "candles", planner.TotalUnits(batches))
	}

	return c.settle(ctx, id, c.execute(ctx, j, batches))
}

func (c *Collector) probe(ctx context.Context, j *job.Job) (*job.Job, error) {
	var optimistic time.Time
	if j.RequestedStart != "" {
		optimistic = j.StartDate
	}
	res, err := c.prober.Probe(ctx, probe.Request{
		Symbol:     j.Symbol,
		Timeframe:  j.Timeframe,
		Optimistic: optimistic,
		EndDate:    j.EndDate,
		BatchSize:  j.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return c.update(ctx, j.ID, func(cur *job.Job) error {
		cur.StartDate = res.Start
		cur.StartTrusted = true
		cur.Warnings = append(cur.Warnings, res.Warnings...)
		return cur.TransitionTo(job.StatusRunning, c.now().UTC())
	})
}

func (c *Collector) execute(ctx context.Context, j *job.Job, batches []planner.Batch) error {
	var (
		deferred int
		streak   int
		done     int
		began    = time.Now()
	)

	for i := j.CompletedBatches; i < len(batches); i++ {
		b := batches[i]
		if _, err := c.update(ctx, j.ID, func(cur *job.Job) error {
			cur.CurrentBatch = i + 1
			return nil
		}); err != nil {
			return err
		}

		candles, batchErr := c.fetch(ctx, j, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if batchErr == nil && len(candles) > 0 {
			if err := c.sink.Store(ctx, j.Symbol, j.Timeframe, candles); err != nil {
				batchErr = &upstream.Error{Kind: KindSink, Message: err.Error()}
			}
		}

		now := c.now().UTC()
		outage := batchErr != nil && upstream.IsRetryable(batchErr) && c.fetcher.Ping(ctx) != nil
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case outage:
			streak++
			deferred++
			c.metrics.Batch(ctx, outcomeDown)
			slog.Warn("collector: upstream unreachable", "job", j.ID, "batch", i, "streak", streak, "error", batchErr)
		case batchErr != nil:
			c.metrics.Batch(ctx, outcomeErr)
			slog.Warn("collector: batch failed", "job", j.ID, "batch", i, "kind", upstream.KindOf(batchErr), "error", batchErr)
		default:
			c.metrics.Batch(ctx, outcomeOK)
			slog.Debug("collector: batch done", "job", j.ID, "batch", i, "candles", len(candles))
		}

		if !outage {
			done++
		}
		remaining := len(batches) - i - 1
		eta := estimate(time.Since(began), done, remaining)
		closing := 0
		if !outage {
			closing = 1 + deferred
			deferred, streak = 0, 0
		}
		failed := outage && streak >= c.outageThreshold

		next, err := c.update(ctx, j.ID, func(cur *job.Job) error {
			if batchErr != nil {
				kind := string(upstream.KindOf(batchErr))
				if outage {
					kind = KindOutage
				}
				cur.AddError(i, kind, batchErr.Error(), now)
			}
			cur.CloseBatches(closing)
			cur.EstimatedDuration = eta
			if failed {
				return cur.TransitionTo(job.StatusFailed, now)
			}
			return nil
		})
		if err != nil {
			return err
		}
		j = next
		if failed {
			slog.Error("collector: job failed, upstream unavailable", "job", j.ID,
				"completed_batches", j.CompletedBatches, "total_batches", j.TotalBatches)
			c.finished(ctx, job.StatusFailed)
			return nil
		}
	}

	final, err := c.update(ctx, j.ID, func(cur *job.Job) error {
		cur.CloseBatches(deferred)
		cur.EstimatedDuration = ""
		if len(cur.Errors) == 0 {
			return cur.TransitionTo(job.StatusCompleted, c.now().UTC())
		}
		return cur.TransitionTo(job.StatusCompletedWithErrors, c.now().UTC())
	})
	if err != nil {
		return err
	}
	slog.Info("collector: job finished", "job", final.ID, "status", final.Status,
		"batches", final.TotalBatches, "errors", len(final.Errors))
	c.finished(ctx, final.Status)
	return nil
}

// fetch runs one batch under the retry policy. NoData is an empty success.
func (c *Collector) fetch(ctx context.Context, j *job.Job, b planner.Batch) ([]market.Candle, error) {
	req := upstream.FetchRequest{
		Symbol:    j.Symbol,
		Timeframe: j.Timeframe,
		From:      b.From,
		To:        b.To,
		MaxRows:   j.BatchSize,
	}
	op := func() ([]market.Candle, error) {
		candles, err := c.fetcher.Fetch(ctx, req)
		switch {
		case err == nil:
			return candles, nil
		case upstream.IsNoData(err):
			return nil, nil
		case upstream.IsRetryable(err):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryBackoff)),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("collector: retrying batch", "job", j.ID, "batch", b.Index, "error", err, "in", next)
		}),
	)
}

// update applies fn through the repository, stopping when the job has been
// cancelled, and refreshes the snapshot cache.
func (c *Collector) update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	j, err := job.Mutate(ctx, c.repo, id, func(cur *job.Job) error {
		if cur.Status == job.StatusCancelled {
			return errStop
		}
		return fn(cur)
	})
	if err != nil {
		return nil, err
	}
	if cerr := c.cache.Put(ctx, j); cerr != nil {
		slog.Warn("collector: snapshot cache write failed", "job", id, "error", cerr)
	}
	return j, nil
}

// settle turns an execution error into the worker-facing result. Store
// failures hand the job back to the pending pool so it is not left running
// without an owner.
func (c *Collector) settle(ctx context.Context, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errStop):
		slog.Info("collector: job cancelled", "job", id)
		return nil
	case ctx.Err() != nil:
		slog.Info("collector: interrupted by shutdown", "job", id)
		return nil
	default:
		c.yield(ctx, id, err)
		return err
	}
}

// yield moves a job that could not be updated back to pending, retrying
// under the batch retry policy.
func (c *Collector) yield(ctx context.Context, id string, cause error) {
	op := func() (*job.Job, error) {
		j, err := c.repo.Update(ctx, id, func(cur *job.Job) error {
			if cur.Status.Terminal() || cur.Status == job.StatusPending {
				return job.ErrSkipUpdate
			}
			return cur.TransitionTo(job.StatusPending, c.now().UTC())
		})
		if errors.Is(err, job.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		return j, err
	}
	j, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryBackoff)),
		backoff.WithMaxTries(uint(c.attempts)),
	)
	if err != nil {
		slog.Error("collector: yield job", "job", id, "cause", cause, "error", err)
		return
	}
	if cerr := c.cache.Put(ctx, j); cerr != nil {
		slog.Warn("collector: snapshot cache write failed", "job", id, "error", cerr)
	}
	slog.Warn("collector: job returned to pending", "job", id, "status", j.Status, "cause", cause)
}

func (c *Collector) finished(ctx context.Context, s job.Status) {
	c.metrics.JobFinished(ctx, string(s))
}

func estimate(elapsed time.Duration, done, remaining int) string {
	if done == 0 || remaining == 0 {
		return ""
	}
	return (elapsed / time.Duration(done) * time.Duration(remaining)).Round(time.Second).String()
}
