package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WALMetrics holds the metric instruments of the write-ahead log.
type WALMetrics struct {
	RecordsCounter metric.Int64Counter
	BytesCounter   metric.Int64Counter
	FlushesCounter metric.Int64Counter
}

func NewWALMetrics(meter metric.Meter) (*WALMetrics, error) {
	recordsCounter, err := meter.Int64Counter(
		"gojostore.wal.records_total",
		metric.WithDescription("Total number of log records appended."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bytesCounter, err := meter.Int64Counter(
		"gojostore.wal.bytes_total",
		metric.WithDescription("Total number of bytes appended to the log."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	flushesCounter, err := meter.Int64Counter(
		"gojostore.wal.flushes_total",
		metric.WithDescription("Total number of log flushes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &WALMetrics{
		RecordsCounter: recordsCounter,
		BytesCounter:   bytesCounter,
		FlushesCounter: flushesCounter,
	}, nil
}

func (m *WALMetrics) RecordAppend(recordType string, size int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.RecordsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", recordType)))
	m.BytesCounter.Add(ctx, int64(size))
}

func (m *WALMetrics) RecordFlush() {
	if m == nil {
		return
	}
	m.FlushesCounter.Add(context.Background(), 1)
}
