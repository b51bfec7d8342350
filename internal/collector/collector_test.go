package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/platform/sqlite"
	"github.com/ahmethakanbesel/candle-collector/internal/probe"
	jobrepo "github.com/ahmethakanbesel/candle-collector/internal/repository/job"
	"github.com/ahmethakanbesel/candle-collector/internal/upstream"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	calls   []upstream.FetchRequest
	respond func(call int, req upstream.FetchRequest) ([]market.Candle, error)
	pingErr error
	pings   int
}

func (f *scriptedFetcher) Fetch(_ context.Context, req upstream.FetchRequest) ([]market.Candle, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	respond := f.respond
	f.mu.Unlock()
	return respond(call, req)
}

func (f *scriptedFetcher) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func candles(n int, from time.Time) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{Time: from.Add(time.Duration(i) * time.Minute), Open: 1, High: 1, Low: 1, Close: 1}
	}
	return out
}

func alwaysOK(_ int, req upstream.FetchRequest) ([]market.Candle, error) {
	return candles(1000, req.From), nil
}

// progressSpy records every snapshot the collector publishes.
type progressSpy struct {
	mu        sync.Mutex
	snapshots []job.Job
}

func (s *progressSpy) Put(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *j.Clone())
	return nil
}

func (s *progressSpy) Get(context.Context, string) (*job.Job, bool, error) { return nil, false, nil }
func (s *progressSpy) Delete(context.Context, string) error                { return nil }

type failingSink struct{}

func (failingSink) Store(context.Context, string, market.Timeframe, []market.Candle) error {
	return errors.New("disk full")
}

// lockedOnce fails one Update call the way a busy SQLite file does.
type lockedOnce struct {
	*jobrepo.Repository
	mu     sync.Mutex
	calls  int
	failOn int
}

func (r *lockedOnce) Update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls == r.failOn
	r.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return r.Repository.Update(ctx, id, fn)
}

type fixture struct {
	repo    *jobrepo.Repository
	fetcher *scriptedFetcher
	spy     *progressSpy
	col     *Collector
}

func newFixture(t *testing.T, respond func(int, upstream.FetchRequest) ([]market.Candle, error), opts ...Option) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		repo:    jobrepo.NewRepository(db.DB),
		fetcher: &scriptedFetcher{respond: respond},
		spy:     &progressSpy{},
	}
	base := []Option{WithRetry(3, time.Millisecond), WithCache(f.spy)}
	f.col = New(f.repo, f.fetcher, probe.New(f.fetcher), append(base, opts...)...)
	return f
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// submit creates a job and claims it the way a worker would.
func (f *fixture) submit(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	ctx := context.Background()
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	require.NoError(t, f.repo.Create(ctx, j))
	claimed, err := f.repo.ClaimPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, j.ID, claimed.ID)
	return claimed
}

func (f *fixture) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func dailyJob(symbol string, start, end time.Time, batchSize int) *job.Job {
	return &job.Job{
		Symbol:         symbol,
		Timeframe:      market.D1,
		StartDate:      start,
		EndDate:        end,
		RequestedStart: start.Format(job.DateFormat),
		StartTrusted:   true,
		BatchSize:      batchSize,
		Priority:       job.PriorityNormal,
	}
}

func TestProcess_SingleBatchCompletes(t *testing.T) {
	f := newFixture(t, alwaysOK)
	j := f.submit(t, &job.Job{
		Symbol:         "EURUSD",
		Timeframe:      market.M1,
		StartDate:      day(2023, 4, 11),
		EndDate:        day(2023, 5, 11),
		RequestedStart: "2023-04-11",
		StartTrusted:   true,
		BatchSize:      99000,
		Priority:       job.PriorityHigh,
	})

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.TotalBatches)
	assert.Equal(t, 1, got.CompletedBatches)
	assert.Equal(t, 1.0, got.Progress)
	assert.Empty(t, got.Errors)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	require.Equal(t, 1, f.fetcher.callCount())
	req := f.fetcher.calls[0]
	assert.Equal(t, day(2023, 4, 11), req.From)
	assert.Equal(t, day(2023, 5, 12), req.To)
	assert.Equal(t, 99000, req.MaxRows)
}

func TestProcess_InvalidSymbolEveryBatch(t *testing.T) {
	f := newFixture(t, func(int, upstream.FetchRequest) ([]market.Candle, error) {
		return nil, upstream.Errorf(upstream.KindInvalidSymbol, "symbol not found")
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 4, got.TotalBatches)
	assert.Equal(t, got.TotalBatches, got.CompletedBatches)
	require.Len(t, got.Errors, got.TotalBatches)
	for i, rec := range got.Errors {
		assert.Equal(t, i, rec.Batch)
		assert.Equal(t, string(upstream.KindInvalidSymbol), rec.Kind)
	}
	// Non-retryable errors are not retried.
	assert.Equal(t, 4, f.fetcher.callCount())
	assert.Zero(t, f.fetcher.pings)
}

func TestProcess_OutageFailsJob(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if call < 2 {
			return candles(10, req.From), nil
		}
		f.fetcher.mu.Lock()
		f.fetcher.pingErr = errors.New("terminal gone")
		f.fetcher.mu.Unlock()
		return nil, upstream.Errorf(upstream.KindConnectionRefused, "connection refused")
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 10), 2))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 5, got.TotalBatches)
	assert.Equal(t, 2, got.CompletedBatches)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, KindOutage, got.Errors[0].Kind)
	assert.Equal(t, 2, got.Errors[0].Batch)
	assert.Equal(t, 3, got.Errors[1].Batch)
	// Two successful calls, then three attempts for each outage batch.
	assert.Equal(t, 2+3+3, f.fetcher.callCount())
}

func TestProcess_OutageRecovers(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		f.fetcher.mu.Lock()
		defer f.fetcher.mu.Unlock()
		if req.From.Equal(day(2024, 1, 3)) {
			f.fetcher.pingErr = errors.New("terminal gone")
			return nil, upstream.Errorf(upstream.KindTimeout, "timed out")
		}
		f.fetcher.pingErr = nil
		return candles(5, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 4, got.CompletedBatches)
	assert.Equal(t, 4, got.TotalBatches)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, 1, got.Errors[0].Batch)
}

func TestProcess_RetryBudget(t *testing.T) {
	f := newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if call < 2 {
			return nil, upstream.Errorf(upstream.KindTimeout, "timed out")
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 1), 10))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, got.Errors)
	assert.Equal(t, 1, got.CompletedBatches)
	assert.Equal(t, 3, f.fetcher.callCount())
}

func TestProcess_RetriesExhaustedUpstreamAlive(t *testing.T) {
	f := newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if req.From.Equal(day(2024, 1, 1)) {
			return nil, upstream.Errorf(upstream.KindTimeout, "timed out")
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 4), 2))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 2, got.CompletedBatches)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, string(upstream.KindTimeout), got.Errors[0].Kind)
	assert.Equal(t, 1, f.fetcher.pings)
	assert.Equal(t, 3+1, f.fetcher.callCount())
}

func TestProcess_NoDataIsEmptySuccess(t *testing.T) {
	f := newFixture(t, func(int, upstream.FetchRequest) ([]market.Candle, error) {
		return nil, upstream.Errorf(upstream.KindNoData, "weekend")
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 6), day(2024, 1, 7), 5))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, got.Errors)
	assert.Equal(t, 1, f.fetcher.callCount())
}

func TestProcess_SinkFailureIsBatchError(t *testing.T) {
	f := newFixture(t, alwaysOK, WithSink(failingSink{}))
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 2), 1))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompletedWithErrors, got.Status)
	assert.Equal(t, 2, got.CompletedBatches)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, KindSink, got.Errors[0].Kind)
}

func TestProcess_Cancellation(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if call == 1 {
			// The operator cancels while batch 1 is in flight.
			jobs, err := f.repo.List(context.Background(), job.Filter{})
			if err != nil {
				return nil, err
			}
			_, err = f.repo.Update(context.Background(), jobs[0].ID, func(j *job.Job) error {
				return j.TransitionTo(job.StatusCancelled, time.Now())
			})
			if err != nil {
				return nil, err
			}
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, 1, got.CompletedBatches)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestProcess_ResumesFromCompletedBatches(t *testing.T) {
	f := newFixture(t, alwaysOK)
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	j, err := f.repo.Update(context.Background(), j.ID, func(j *job.Job) error {
		j.TotalBatches = 4
		j.CloseBatches(2)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.CompletedBatches)
	require.Equal(t, 2, f.fetcher.callCount())
	assert.Equal(t, day(2024, 1, 5), f.fetcher.calls[0].From)
}

func TestProcess_PlanMismatchFailsJob(t *testing.T) {
	f := newFixture(t, alwaysOK)
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	j, err := f.repo.Update(context.Background(), j.ID, func(j *job.Job) error {
		j.TotalBatches = 9
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, KindPlan, got.Errors[0].Kind)
	assert.Zero(t, f.fetcher.callCount())
}

func TestProcess_ProbesUntrustedStart(t *testing.T) {
	oldest := day(2024, 1, 1)
	f := newFixture(t, func(_ int, req upstream.FetchRequest) ([]market.Candle, error) {
		if req.From.Before(oldest) {
			return nil, upstream.Errorf(upstream.KindNoData, "no history")
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, &job.Job{
		Symbol:    "XAUUSD",
		Timeframe: market.D1,
		StartDate: day(2014, 6, 30),
		EndDate:   day(2024, 6, 30),
		BatchSize: 1000,
		Priority:  job.PriorityNormal,
	})
	require.Equal(t, job.StatusProbing, j.Status)

	require.NoError(t, f.col.Process(context.Background(), j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.True(t, got.StartTrusted)
	assert.Equal(t, day(2024, 3, 30), got.StartDate)
	assert.Len(t, got.Warnings, 3)
	assert.Equal(t, 1, got.TotalBatches)
}

func TestProcess_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if call%3 == 1 {
			return nil, upstream.Errorf(upstream.KindUnknown, "malformed response")
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 31), 3))

	require.NoError(t, f.col.Process(context.Background(), j))

	require.NotEmpty(t, f.spy.snapshots)
	prev := -1.0
	prevDone := -1
	for _, s := range f.spy.snapshots {
		assert.GreaterOrEqual(t, s.Progress, prev)
		assert.GreaterOrEqual(t, s.CompletedBatches, prevDone)
		assert.LessOrEqual(t, s.CompletedBatches, s.TotalBatches)
		prev, prevDone = s.Progress, s.CompletedBatches
	}
	last := f.spy.snapshots[len(f.spy.snapshots)-1]
	assert.Equal(t, job.StatusCompletedWithErrors, last.Status)
	assert.Equal(t, 11, last.TotalBatches)
	assert.Equal(t, 1.0, last.Progress)
}

func TestProcess_ShutdownLeavesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, func(call int, req upstream.FetchRequest) ([]market.Candle, error) {
		if call == 1 {
			cancel()
			return nil, upstream.Errorf(upstream.KindTimeout, "context canceled")
		}
		return candles(10, req.From), nil
	})
	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 8), 2))

	require.NoError(t, f.col.Process(ctx, j))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, 1, got.CompletedBatches)
	assert.Nil(t, got.CompletedAt)
}

func TestProcess_StoreErrorReturnsJobToPending(t *testing.T) {
	f := newFixture(t, alwaysOK)
	flaky := &lockedOnce{Repository: f.repo, failOn: 3}
	col := New(flaky, f.fetcher, probe.New(f.fetcher), WithRetry(3, time.Millisecond), WithCache(f.spy))

	j := f.submit(t, dailyJob("EURUSD", day(2024, 1, 1), day(2024, 1, 10), 2))

	err := col.Process(context.Background(), j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 0, got.CompletedBatches)
	assert.Equal(t, 5, got.TotalBatches)
	assert.Equal(t, job.StatusPending, f.spy.snapshots[len(f.spy.snapshots)-1].Status)

	reclaimed, err := f.repo.ClaimPending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, j.ID, reclaimed.ID)

	require.NoError(t, col.Process(context.Background(), reclaimed))
	done := f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, 5, done.CompletedBatches)
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, "", estimate(time.Second, 0, 4))
	assert.Equal(t, "", estimate(time.Second, 2, 0))
	assert.Equal(t, "20s", estimate(10*time.Second, 2, 4))
}
