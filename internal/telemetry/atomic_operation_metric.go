package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AtomicOperationMetrics holds the metric instruments of the atomic operations
// manager.
type AtomicOperationMetrics struct {
	StartedCounter    metric.Int64Counter
	CommittedCounter  metric.Int64Counter
	RolledBackCounter metric.Int64Counter
	DurationHistogram metric.Int64Histogram
	ActiveUpDown      metric.Int64UpDownCounter
}

func NewAtomicOperationMetrics(meter metric.Meter) (*AtomicOperationMetrics, error) {
	startedCounter, err := meter.Int64Counter(
		"gojostore.atomic_operations.started_total",
		metric.WithDescription("Total number of atomic operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committedCounter, err := meter.Int64Counter(
		"gojostore.atomic_operations.committed_total",
		metric.WithDescription("Total number of atomic operations committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rolledBackCounter, err := meter.Int64Counter(
		"gojostore.atomic_operations.rolled_back_total",
		metric.WithDescription("Total number of atomic operations rolled back."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	durationHistogram, err := meter.Int64Histogram(
		"gojostore.atomic_operations.duration",
		metric.WithDescription("Time between start and end of an atomic operation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeUpDown, err := meter.Int64UpDownCounter(
		"gojostore.atomic_operations.active",
		metric.WithDescription("Number of atomic operations in progress."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &AtomicOperationMetrics{
		StartedCounter:    startedCounter,
		CommittedCounter:  committedCounter,
		RolledBackCounter: rolledBackCounter,
		DurationHistogram: durationHistogram,
		ActiveUpDown:      activeUpDown,
	}, nil
}

func (m *AtomicOperationMetrics) RecordStart() {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.StartedCounter.Add(ctx, 1)
	m.ActiveUpDown.Add(ctx, 1)
}

func (m *AtomicOperationMetrics) RecordEnd(rollback bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.ActiveUpDown.Add(ctx, -1)
	if rollback {
		m.RolledBackCounter.Add(ctx, 1)
	} else {
		m.CommittedCounter.Add(ctx, 1)
	}
	m.DurationHistogram.Record(ctx, elapsed.Milliseconds(),
		metric.WithAttributes(attribute.Bool("rollback", rollback)))
}
