package job

import (
	"fmt"
	"slices"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

const DateFormat = "2006-01-02"

type Status string

const (
	StatusPending             Status = "pending"
	StatusProbing             Status = "probing"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// ActiveStatuses are the non-terminal statuses, in lifecycle order.
var ActiveStatuses = []Status{StatusPending, StatusProbing, StatusRunning}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s.Terminal() || slices.Contains(ActiveStatuses, s)
}

// CanTransition reports whether the state machine allows from -> to.
// Moving probing/running back to pending is the recovery and yield path.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProbing || to == StatusRunning
	case StatusProbing:
		return to == StatusRunning || to == StatusFailed || to == StatusPending
	case StatusRunning:
		return to == StatusCompleted || to == StatusCompletedWithErrors || to == StatusFailed || to == StatusPending
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("priority must be low, normal or high")
	}
}

// Rank orders priorities for claiming; lower ranks are claimed first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Record is one entry of a job's error or warning log. Batch is the
// zero-based batch index, or -1 for job-level entries such as probing.
type Record struct {
	Batch     int       `json:"batch"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type Job struct {
	ID                string           `json:"job_id"`
	Symbol            string           `json:"symbol"`
	Timeframe         market.Timeframe `json:"timeframe"`
	StartDate         time.Time        `json:"start_date"`
	EndDate           time.Time        `json:"end_date"`
	RequestedStart    string           `json:"requested_start_date,omitempty"`
	StartTrusted      bool             `json:"start_trusted"`
	BatchSize         int              `json:"batch_size"`
	Priority          Priority         `json:"priority"`
	Status            Status           `json:"status"`
	Progress          float64          `json:"progress"`
	TotalBatches      int              `json:"total_batches"`
	CompletedBatches  int              `json:"completed_batches"`
	CurrentBatch      int              `json:"current_batch"`
	Errors            []Record         `json:"errors"`
	Warnings          []Record         `json:"warnings"`
	CreatedAt         time.Time        `json:"created_at"`
	StartedAt         *time.Time       `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at"`
	EstimatedDuration string           `json:"estimated_duration,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"-"`
}

// Clone returns a deep copy safe to mutate.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Errors = slices.Clone(j.Errors)
	cp.Warnings = slices.Clone(j.Warnings)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (j *Job) TransitionTo(s Status, now time.Time) error {
	if j.Status == s {
		return nil
	}
	if !CanTransition(j.Status, s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, s)
	}
	j.Status = s
	if s.Terminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

func (j *Job) AddError(batch int, kind, msg string, at time.Time) {
	j.Errors = append(j.Errors, Record{Batch: batch, Kind: kind, Message: msg, Timestamp: at})
}

func (j *Job) AddWarning(batch int, kind, msg string, at time.Time) {
	j.Warnings = append(j.Warnings, Record{Batch: batch, Kind: kind, Message: msg, Timestamp: at})
}

// CloseBatches counts n more batches as done and refreshes progress.
func (j *Job) CloseBatches(n int) {
	j.CompletedBatches += n
	if j.TotalBatches > 0 && j.CompletedBatches > j.TotalBatches {
		j.CompletedBatches = j.TotalBatches
	}
	if j.TotalBatches > 0 {
		j.Progress = float64(j.CompletedBatches) / float64(j.TotalBatches)
	}
}

// CheckUpdate verifies that after is a legal successor of before.
func CheckUpdate(before, after *Job) error {
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("job id is immutable")
	case after.CompletedBatches < before.CompletedBatches:
		return fmt.Errorf("completed_batches cannot decrease (%d -> %d)", before.CompletedBatches, after.CompletedBatches)
	case after.TotalBatches > 0 && after.CompletedBatches > after.TotalBatches:
		return fmt.Errorf("completed_batches %d exceeds total_batches %d", after.CompletedBatches, after.TotalBatches)
	case after.Progress < before.Progress:
		return fmt.Errorf("progress cannot decrease")
	case !isPrefix(before.Errors, after.Errors):
		return fmt.Errorf("errors are append-only")
	case !isPrefix(before.Warnings, after.Warnings):
		return fmt.Errorf("warnings are append-only")
	}
	if before.Status != after.Status && !CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, after.Status)
	}
	return nil
}

func isPrefix(prefix, full []Record) bool {
	if len(full) < len(prefix) {
		return false
	}
	for i := range prefix {
		if !prefix[i].Timestamp.Equal(full[i].Timestamp) || prefix[i].Message != full[i].Message ||
			prefix[i].Batch != full[i].Batch || prefix[i].Kind != full[i].Kind {
			return false
		}
	}
	return true
}
