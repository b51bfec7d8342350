package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	domain "github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const columns = `job_id, symbol, timeframe, start_date, end_date, requested_start_date,
	start_trusted, batch_size, priority, status, progress, total_batches,
	completed_batches, current_batch, errors, warnings, created_at, started_at,
	completed_at, estimated_duration, updated_at, version`

// claimOrder is the order in which pending jobs are claimed.
const claimOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at, rowid`

const activeStatuses = `('pending', 'probing', 'running')`

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (job_id, symbol, timeframe, start_date, end_date,
		requested_start_date, start_trusted, batch_size, priority, status, errors, warnings,
		created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	if j.Status == "" {
		j.Status = domain.StatusPending
	}
	if j.Priority == "" {
		j.Priority = domain.PriorityNormal
	}
	if j.Errors == nil {
		j.Errors = []domain.Record{}
	}
	if j.Warnings == nil {
		j.Warnings = []domain.Record{}
	}
	errs, warns, err := encodeRecords(j)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, query,
		id, j.Symbol, string(j.Timeframe),
		j.StartDate.Format(domain.DateFormat), j.EndDate.Format(domain.DateFormat),
		j.RequestedStart, j.StartTrusted, j.BatchSize, string(j.Priority), string(j.Status),
		errs, warns, now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			active, ferr := r.FindActive(ctx, j.Symbol, string(j.Timeframe), j.RequestedStart, j.EndDate.Format(domain.DateFormat))
			if ferr == nil && active != nil {
				return &domain.DuplicateJobError{ExistingID: active.ID}
			}
			return domain.ErrDuplicate
		}
		return fmt.Errorf("create job: %w", err)
	}

	j.ID = id
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Version = 1
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE job_id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE 1=1`

	var args []any
	if len(f.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(f.Statuses)-1) + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, f.Symbol)
	}
	if f.Timeframe != "" {
		query += " AND timeframe = ?"
		args = append(args, f.Timeframe)
	}
	query += " ORDER BY " + claimOrder
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *Repository) FindActive(ctx context.Context, symbol, timeframe, requestedStart, endDate string) (*domain.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs
		WHERE symbol = ? AND timeframe = ?
		  AND requested_start_date = ? AND end_date = ?
		  AND status IN ` + activeStatuses + `
		LIMIT 1`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, symbol, timeframe, requestedStart, endDate))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

// Update reads the job, applies fn to a copy and writes it back guarded by
// the version column.
func (r *Repository) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, domain.ErrSkipUpdate) {
			return cur, nil
		}
		return nil, err
	}
	if err := domain.CheckUpdate(cur, next); err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}

	errs, warns, err := encodeRecords(next)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()

	const query = `UPDATE jobs SET start_date = ?, start_trusted = ?, status = ?, progress = ?,
		total_batches = ?, completed_batches = ?, current_batch = ?, errors = ?, warnings = ?,
		started_at = ?, completed_at = ?, estimated_duration = ?, updated_at = ?,
		version = version + 1
		WHERE job_id = ? AND version = ?`

	res, err := r.db.ExecContext(ctx, query,
		next.StartDate.Format(domain.DateFormat), next.StartTrusted, string(next.Status), next.Progress,
		next.TotalBatches, next.CompletedBatches, next.CurrentBatch, errs, warns,
		formatTimePtr(next.StartedAt), formatTimePtr(next.CompletedAt), nullString(next.EstimatedDuration),
		next.UpdatedAt.Format(timeFormat),
		id, cur.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return nil, domain.ErrConcurrentModification
	}
	next.Version = cur.Version + 1
	return next, nil
}

// ClaimPending atomically moves the highest-priority, oldest pending job to
// probing or running and returns it. It returns nil when nothing is pending.
func (r *Repository) ClaimPending(ctx context.Context) (*domain.Job, error) {
	query := `UPDATE jobs SET
		status = CASE WHEN start_trusted = 1 THEN 'running' ELSE 'probing' END,
		started_at = COALESCE(started_at, ?),
		updated_at = ?,
		version = version + 1
		WHERE job_id = (SELECT job_id FROM jobs WHERE status = 'pending' ORDER BY ` + claimOrder + ` LIMIT 1)
		  AND status = 'pending'
		RETURNING job_id`

	now := r.now().UTC().Format(timeFormat)
	var id string
	err := r.db.QueryRowContext(ctx, query, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return r.Get(ctx, id)
}

// RecoverStale requeues jobs left in probing or running by a previous
// process. Progress counters are kept.
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET status = 'pending', updated_at = ?, version = version + 1
		WHERE status IN ('probing', 'running')`

	res, err := r.db.ExecContext(ctx, query, r.now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes a job that has reached a terminal state.
func (r *Repository) Purge(ctx context.Context, id string) error {
	const query = `DELETE FROM jobs WHERE job_id = ?
		AND status IN ('completed', 'completed_with_errors', 'failed', 'cancelled')`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("purge job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, j.Status)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                             domain.Job
		timeframe, priority, status   string
		startStr, endStr              string
		errs, warns                   string
		createdStr, updatedStr        string
		startedStr, completedStr, eta sql.NullString
	)
	err := s.Scan(
		&j.ID, &j.Symbol, &timeframe, &startStr, &endStr, &j.RequestedStart,
		&j.StartTrusted, &j.BatchSize, &priority, &status, &j.Progress, &j.TotalBatches,
		&j.CompletedBatches, &j.CurrentBatch, &errs, &warns, &createdStr, &startedStr,
		&completedStr, &eta, &updatedStr, &j.Version,
	)
	if err != nil {
		return nil, err
	}

	j.Timeframe = market.Timeframe(timeframe)
	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	j.StartDate, _ = time.Parse(domain.DateFormat, startStr)
	j.EndDate, _ = time.Parse(domain.DateFormat, endStr)
	j.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	j.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)
	j.StartedAt = parseTimePtr(startedStr)
	j.CompletedAt = parseTimePtr(completedStr)
	if eta.Valid {
		j.EstimatedDuration = eta.String
	}
	if err := json.Unmarshal([]byte(errs), &j.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warns), &j.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	return &j, nil
}

func encodeRecords(j *domain.Job) (string, string, error) {
	errs := j.Errors
	if errs == nil {
		errs = []domain.Record{}
	}
	warns := j.Warnings
	if warns == nil {
		warns = []domain.Record{}
	}
	eb, err := json.Marshal(errs)
	if err != nil {
		return "", "", fmt.Errorf("encode errors: %w", err)
	}
	wb, err := json.Marshal(warns)
	if err != nil {
		return "", "", fmt.Errorf("encode warnings: %w", err)
	}
	return string(eb), string(wb), nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
