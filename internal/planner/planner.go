// Package planner splits a collection range into the ordered sequence of
// upstream fetch windows. Planning is pure: the same range and batch size
// always produce the same batches.
package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/market"
)

var (
	ErrInvalidRange     = errors.New("end date is before start date")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
)

// Batch is one fetch window [From, To) holding at most batch-size candles.
type Batch struct {
	Index int       `json:"index"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Units int       `json:"units"`
}

// DateRange converts inclusive calendar dates into the half-open instant
// range they cover.
func DateRange(startDate, endDate time.Time) (time.Time, time.Time) {
	from := truncateDay(startDate)
	to := truncateDay(endDate).AddDate(0, 0, 1)
	return from, to
}

// PlanDates plans the inclusive calendar range [startDate, endDate].
func PlanDates(startDate, endDate time.Time, tf market.Timeframe, batchSize int) ([]Batch, error) {
	if truncateDay(endDate).Before(truncateDay(startDate)) {
		return nil, ErrInvalidRange
	}
	from, to := DateRange(startDate, endDate)
	return Plan(from, to, tf, batchSize)
}

// Plan splits [from, to) into contiguous windows of at most batchSize
// candles. An empty range yields no batches.
func Plan(from, to time.Time, tf market.Timeframe, batchSize int) ([]Batch, error) {
	if to.Before(from) {
		return nil, ErrInvalidRange
	}
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("plan: unknown timeframe %q", tf)
	}

	var batches []Batch
	for cur := from; cur.Before(to); {
		end := tf.Advance(cur, min(batchSize, tf.Units(cur, to)))
		if end.After(to) {
			end = to
		}
		batches = append(batches, Batch{
			Index: len(batches),
			From:  cur,
			To:    end,
			Units: tf.Units(cur, end),
		})
		cur = end
	}
	return batches, nil
}

// TotalUnits sums the candle slots across batches.
func TotalUnits(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += b.Units
	}
	return n
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
