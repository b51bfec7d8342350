package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ahmethakanbesel/candle-collector/internal/apperror"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/telemetry"
)

// Limits bounds what admission accepts.
type Limits struct {
	DefaultBatchSize int
	MaxBatchSize     int
	// ProbeDepthYears places the provisional start of jobs submitted
	// without a start date.
	ProbeDepthYears int
}

const (
	cancelAttempts   = 10
	cancelRetryPause = 10 * time.Millisecond
)

var DefaultLimits = Limits{DefaultBatchSize: 99000, MaxBatchSize: 100000, ProbeDepthYears: 10}

// Service is the admission surface: it validates and creates jobs and
// answers status queries.
type Service struct {
	repo    Repository
	catalog *market.Catalog
	cache   SnapshotCache
	metrics *telemetry.Metrics
	limits  Limits
	notify  func()
	now     func() time.Time
}

func NewService(repo Repository, catalog *market.Catalog, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: catalog,
		cache:   NopCache,
		limits:  DefaultLimits,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type Option func(*Service)

func WithCache(c SnapshotCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// SetNotify sets a callback invoked when a new pending job is created.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

func (s *Service) Catalog() *market.Catalog { return s.catalog }

func (s *Service) RecoverStaleJobs(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
	}
	return nil
}

// Submit validates req and enqueues a pending job.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	tf, _ := market.ParseTimeframe(req.Timeframe)
	priority, _ := ParsePriority(req.Priority)

	if !s.catalog.HasSymbol(symbol) {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("unknown symbol %q", symbol))
	}
	if !s.catalog.HasTimeframe(tf) {
		return nil, apperror.New(apperror.BadRequest, fmt.Sprintf("timeframe %s is not enabled", tf))
	}

	batchSize := s.limits.DefaultBatchSize
	if req.BatchSize != nil {
		batchSize = *req.BatchSize
	}
	if batchSize > s.limits.MaxBatchSize {
		return nil, apperror.New(apperror.BadRequest,
			fmt.Sprintf("batch_size must not exceed %d", s.limits.MaxBatchSize))
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	endDate := req.EndDate.UTC().Truncate(24 * time.Hour)
	if req.EndDate.IsZero() {
		endDate = today
	}

	j := &Job{
		Symbol:    symbol,
		Timeframe: tf,
		EndDate:   endDate,
		BatchSize: batchSize,
		Priority:  priority,
		Status:    StatusPending,
		Errors:    []Record{},
		Warnings:  []Record{},
	}
	switch {
	case req.StartDate.IsZero():
		j.StartDate = endDate.AddDate(-s.limits.ProbeDepthYears, 0, 0)
	default:
		j.StartDate = req.StartDate.UTC().Truncate(24 * time.Hour)
		j.RequestedStart = j.StartDate.Format(DateFormat)
		j.StartTrusted = !req.ProbeStart
	}
	if j.EndDate.Before(j.StartDate) {
		return nil, apperror.New(apperror.BadRequest, "end_date must not be before start_date")
	}

	active, err := s.repo.FindActive(ctx, j.Symbol, string(j.Timeframe), j.RequestedStart, j.EndDate.Format(DateFormat))
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	if active != nil {
		return nil, duplicateError(active.ID)
	}

	if err := s.repo.Create(ctx, j); err != nil {
		var dup *DuplicateJobError
		if errors.As(err, &dup) {
			return nil, duplicateError(dup.ExistingID)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job submitted", "job", j.ID, "symbol", j.Symbol, "timeframe", j.Timeframe,
		"start", j.StartDate.Format(DateFormat), "end", j.EndDate.Format(DateFormat),
		"batch_size", j.BatchSize, "priority", j.Priority, "probe", !j.StartTrusted)
	s.metrics.JobSubmitted(ctx)
	_ = s.cache.Put(ctx, j)

	if s.notify != nil {
		s.notify()
	}
	return j, nil
}

// Status returns a job snapshot, preferring the snapshot cache.
func (s *Service) Status(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if j, ok, err := s.cache.Get(ctx, req.ID); err == nil && ok {
		return j, nil
	} else if err != nil {
		slog.Warn("snapshot cache read failed", "job", req.ID, "error", err)
	}

	j, err := s.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	_ = s.cache.Put(ctx, j)
	return j, nil
}

// ListPending returns every non-terminal job in claim order.
func (s *Service) ListPending(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx, Filter{Statuses: ActiveStatuses})
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f := Filter{Symbol: strings.ToUpper(req.Symbol), Limit: 100}
	if req.Status != "" {
		f.Statuses = []Status{Status(req.Status)}
	}
	if req.Timeframe != "" {
		tf, _ := market.ParseTimeframe(req.Timeframe)
		f.Timeframe = string(tf)
	}
	return s.repo.List(ctx, f)
}

// Cancel moves a non-terminal job to cancelled. Cancelling a job that has
// already finished is a no-op.
func (s *Service) Cancel(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// A busy worker updates the job once per batch step, so cancel keeps
	// retrying lost races instead of surfacing them.
	op := func() (*Job, error) {
		j, err := s.repo.Update(ctx, req.ID, func(j *Job) error {
			if j.Status.Terminal() {
				return ErrSkipUpdate
			}
			return j.TransitionTo(StatusCancelled, s.now().UTC())
		})
		if err != nil && !errors.Is(err, ErrConcurrentModification) {
			return nil, backoff.Permanent(err)
		}
		return j, err
	}
	j, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(cancelRetryPause)),
		backoff.WithMaxTries(cancelAttempts),
	)
	if err != nil {
		return nil, mapStoreError(err)
	}
	slog.Info("job cancel requested", "job", j.ID, "status", j.Status)
	_ = s.cache.Put(ctx, j)
	return j, nil
}

// Purge deletes a finished job record.
func (s *Service) Purge(ctx context.Context, req GetJobRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if err := s.repo.Purge(ctx, req.ID); err != nil {
		return mapStoreError(err)
	}
	_ = s.cache.Delete(ctx, req.ID)
	slog.Info("job purged", "job", req.ID)
	return nil
}

func duplicateError(existingID string) *apperror.AppError {
	return apperror.New(apperror.Conflict, "an identical job is already pending or running").
		WithDetail("job_id", existingID)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperror.New(apperror.NotFound, "job not found")
	case errors.Is(err, ErrConcurrentModification):
		return apperror.New(apperror.Conflict, "job is being updated, retry")
	case errors.Is(err, ErrInvalidTransition):
		return apperror.New(apperror.Conflict, err.Error())
	default:
		return err
	}
}
