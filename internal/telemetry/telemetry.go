// Package telemetry wires OpenTelemetry metrics for the collection engine.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/ahmethakanbesel/candle-collector"

// Init installs a global meter provider. With export disabled the provider
// is a noop and the returned shutdown does nothing.
func Init(ctx context.Context, serviceName string, export bool, interval time.Duration) (metric.MeterProvider, func(context.Context) error, error) {
	if !export {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("otel resource: %w", err)
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("telemetry: metrics export enabled", "interval", interval.String())

	return mp, mp.Shutdown, nil
}

// Metrics holds the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	jobsSubmitted metric.Int64Counter
	jobsFinished  metric.Int64Counter
	batches       metric.Int64Counter
	probeTrials   metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var m Metrics
	var err error
	if m.jobsSubmitted, err = meter.Int64Counter("collector_jobs_submitted_total",
		metric.WithDescription("Jobs accepted by admission")); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("collector_jobs_finished_total",
		metric.WithDescription("Jobs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.batches, err = meter.Int64Counter("collector_batches_total",
		metric.WithDescription("Batches executed against the terminal")); err != nil {
		return nil, err
	}
	if m.probeTrials, err = meter.Int64Counter("collector_probe_trials_total",
		metric.WithDescription("Range probe trial fetches")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) JobSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsSubmitted.Add(ctx, 1)
}

func (m *Metrics) JobFinished(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) Batch(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ProbeTrial(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.probeTrials.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
