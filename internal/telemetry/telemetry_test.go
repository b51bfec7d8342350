package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Sum[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Sum[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				out[m.Name] = sum
			}
		}
	}
	return out
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.JobSubmitted(ctx)
	m.JobSubmitted(ctx)
	m.Batch(ctx, "ok")
	m.Batch(ctx, "ok")
	m.Batch(ctx, "error")
	m.JobFinished(ctx, "completed")
	m.ProbeTrial(ctx, "miss")

	got := collect(t, reader)

	require.Contains(t, got, "collector_jobs_submitted_total")
	assert.Equal(t, int64(2), got["collector_jobs_submitted_total"].DataPoints[0].Value)

	batches := got["collector_batches_total"]
	byOutcome := map[string]int64{}
	for _, dp := range batches.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 2, "error": 1}, byOutcome)
	assert.Contains(t, got, "collector_jobs_finished_total")
	assert.Contains(t, got, "collector_probe_trials_total")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobSubmitted(context.Background())
		m.Batch(context.Background(), "ok")
		m.JobFinished(context.Background(), "failed")
		m.ProbeTrial(context.Background(), "hit")
	})
}

func TestInit_Disabled(t *testing.T) {
	mp, shutdown, err := Init(context.Background(), "candle-collector", false, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NoError(t, shutdown(context.Background()))

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	m.JobSubmitted(context.Background())
}
