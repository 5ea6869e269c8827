package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestEngineMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewEngineMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("op", "Insert"))
	m.OpsStartedCounter.Add(ctx, 1, attrs)
	m.OpsStartedCounter.Add(ctx, 1, attrs)
	m.OpLatencyHistogram.Record(ctx, 0.5, attrs)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]bool{}
	for _, mm := range rm.ScopeMetrics[0].Metrics {
		found[mm.Name] = true
		if mm.Name == "bptdb.engine.started_total" {
			sum, ok := mm.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			require.Equal(t, int64(2), sum.DataPoints[0].Value)
		}
	}
	require.True(t, found["bptdb.engine.started_total"])
	require.True(t, found["bptdb.engine.duration"])
}
