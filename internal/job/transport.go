package job

import (
	"strings"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/apperror"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

// SubmitRequest is a collection request as received by admission. A zero
// StartDate asks the engine to discover the start by probing.
type SubmitRequest struct {
	Symbol     string
	Timeframe  string
	StartDate  time.Time
	EndDate    time.Time
	BatchSize  *int
	Priority   string
	ProbeStart bool
}

func (r SubmitRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.Symbol) == "" {
		return apperror.New(apperror.BadRequest, "symbol is required")
	}
	if _, err := market.ParseTimeframe(r.Timeframe); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	if !r.StartDate.IsZero() && !r.EndDate.IsZero() && r.EndDate.Before(r.StartDate) {
		return apperror.New(apperror.BadRequest, "end_date must not be before start_date")
	}
	if r.ProbeStart && r.StartDate.IsZero() {
		return apperror.New(apperror.BadRequest, "probe_start requires start_date")
	}
	if r.BatchSize != nil && *r.BatchSize <= 0 {
		return apperror.New(apperror.BadRequest, "batch_size must be positive")
	}
	if _, err := ParsePriority(r.Priority); err != nil {
		return apperror.New(apperror.BadRequest, err.Error())
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.ID) == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status    string
	Symbol    string
	Timeframe string
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !Status(r.Status).Valid() {
		return apperror.New(apperror.BadRequest, "unknown status")
	}
	if r.Timeframe != "" {
		if _, err := market.ParseTimeframe(r.Timeframe); err != nil {
			return apperror.New(apperror.BadRequest, err.Error())
		}
	}
	return nil
}
