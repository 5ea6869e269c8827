package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds the metric instruments for engine operations.
type EngineMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Float64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
	TxnOutcomeCounter      metric.Int64Counter
}

// NewEngineMetrics creates and registers the engine metrics on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"bptdb.engine.started_total",
		metric.WithDescription("Total number of engine operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"bptdb.engine.handled_total",
		metric.WithDescription("Total number of engine operations completed, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Float64Histogram(
		"bptdb.engine.duration",
		metric.WithDescription("The latency of engine operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeOpsUpDownCounter, err := meter.Int64UpDownCounter(
		"bptdb.engine.active_operations",
		metric.WithDescription("Number of engine operations in progress, including those waiting for the engine lock."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	txnOutcomeCounter, err := meter.Int64Counter(
		"bptdb.engine.transactions_total",
		metric.WithDescription("Transactions ended, by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		OpsStartedCounter:      opsStartedCounter,
		OpsHandledCounter:      opsHandledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		ActiveOpsUpDownCounter: activeOpsUpDownCounter,
		TxnOutcomeCounter:      txnOutcomeCounter,
	}, nil
}
