// Package probe discovers a usable start date for a symbol and timeframe
// by issuing small trial fetches at decreasing depths. The search is
// greedy: the oldest candidate that returns candles wins.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ahmethakanbesel/candle-collector/internal/job"
	"github.com/ahmethakanbesel/candle-collector/internal/market"
	"github.com/ahmethakanbesel/candle-collector/internal/telemetry"
	"github.com/ahmethakanbesel/candle-collector/internal/upstream"
)

const (
	KindTrialFailed = "probe_failed"
	KindExhausted   = "probe_exhausted"
)

// Request describes one probe. Optimistic, when set, is tried first.
type Request struct {
	Symbol     string
	Timeframe  market.Timeframe
	Optimistic time.Time
	EndDate    time.Time
	BatchSize  int
}

// Result is the outcome of a probe. Warnings holds one record per failed
// candidate plus one when every candidate failed.
type Result struct {
	Start     time.Time
	Trials    int
	Exhausted bool
	Warnings  []job.Record
}

type Prober struct {
	fetcher    upstream.Fetcher
	metrics    *telemetry.Metrics
	maxDepth   int
	windowDays int
	now        func() time.Time
}

type Option func(*Prober)

func WithMaxDepthYears(years int) Option {
	return func(p *Prober) {
		if years > 0 {
			p.maxDepth = years
		}
	}
}

func WithWindowDays(days int) Option {
	return func(p *Prober) {
		if days > 0 {
			p.windowDays = days
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Prober) { p.now = now }
}

func New(fetcher upstream.Fetcher, opts ...Option) *Prober {
	p := &Prober{
		fetcher:    fetcher,
		maxDepth:   10,
		windowDays: 30,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Candidates returns the start dates to try, oldest first. Every candidate
// lies strictly before the fallback start.
func (p *Prober) Candidates(optimistic, endDate time.Time) []time.Time {
	end := day(endDate)
	fallback := p.Fallback(end)

	raw := []time.Time{
		end.AddDate(-p.maxDepth, 0, 0),
		end.AddDate(-1, 0, 0),
		end.AddDate(0, -6, 0),
		end.AddDate(0, -3, 0),
	}
	if !optimistic.IsZero() {
		raw = append(raw, day(optimistic))
	}

	out := make([]time.Time, 0, len(raw))
	for _, c := range raw {
		if !c.Before(fallback) {
			continue
		}
		if slices.ContainsFunc(out, c.Equal) {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// Fallback is the start used when every candidate fails: one trial window
// ending at the end of endDate.
func (p *Prober) Fallback(endDate time.Time) time.Time {
	return day(endDate).AddDate(0, 0, 1-p.windowDays)
}

// Probe runs trials until one returns candles. Only context cancellation
// is returned as an error.
func (p *Prober) Probe(ctx context.Context, req Request) (Result, error) {
	var res Result
	window := time.Duration(p.windowDays) * 24 * time.Hour

	for _, c := range p.Candidates(req.Optimistic, req.EndDate) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Trials++

		candles, err := p.fetcher.Fetch(ctx, upstream.FetchRequest{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			From:      c,
			To:        c.Add(window),
			MaxRows:   req.BatchSize,
		})
		if err != nil && ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err == nil && len(candles) > 0 {
			p.metrics.ProbeTrial(ctx, "ok")
			slog.Info("probe: start found", "symbol", req.Symbol, "timeframe", req.Timeframe,
				"start", c.Format(job.DateFormat), "trials", res.Trials)
			res.Start = c
			return res, nil
		}

		kind := string(upstream.KindNoData)
		msg := fmt.Sprintf("probe %s: no candles", c.Format(job.DateFormat))
		if err != nil {
			kind = string(upstream.KindOf(err))
			msg = fmt.Sprintf("probe %s: %v", c.Format(job.DateFormat), err)
		}
		p.metrics.ProbeTrial(ctx, kind)
		slog.Debug("probe: candidate failed", "symbol", req.Symbol, "timeframe", req.Timeframe,
			"candidate", c.Format(job.DateFormat), "kind", kind)
		res.Warnings = append(res.Warnings, job.Record{
			Batch: -1, Kind: KindTrialFailed, Message: msg, Timestamp: p.now().UTC(),
		})
	}

	res.Start = p.Fallback(req.EndDate)
	res.Exhausted = true
	res.Warnings = append(res.Warnings, job.Record{
		Batch:     -1,
		Kind:      KindExhausted,
		Message:   fmt.Sprintf("no probe candidate returned data, falling back to %s", res.Start.Format(job.DateFormat)),
		Timestamp: p.now().UTC(),
	})
	slog.Warn("probe: candidates exhausted", "symbol", req.Symbol, "timeframe", req.Timeframe,
		"fallback", res.Start.Format(job.DateFormat))
	return res, nil
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
