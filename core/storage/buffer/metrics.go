package buffer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type poolMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	writes    metric.Int64Counter
}

func newPoolMetrics(meter metric.Meter) (*poolMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	var (
		m   poolMetrics
		err error
	)
	if m.hits, err = meter.Int64Counter("bptdb.buffer.hits",
		metric.WithDescription("Page fetches served from a resident frame."),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	if m.misses, err = meter.Int64Counter("bptdb.buffer.misses",
		metric.WithDescription("Page fetches that had to read the table file."),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("bptdb.buffer.evictions",
		metric.WithDescription("Frames reclaimed from the LRU tail."),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.writes, err = meter.Int64Counter("bptdb.buffer.writes",
		metric.WithDescription("Dirty pages written back to table files."),
		metric.WithUnit("{page}")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *poolMetrics) add(c metric.Int64Counter) {
	c.Add(context.Background(), 1)
}
