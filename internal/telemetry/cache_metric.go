package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// ReadCacheMetrics holds all the metric instruments for the read cache.
type ReadCacheMetrics struct {
	RequestsCounter     metric.Int64Counter
	HitsCounter         metric.Int64Counter
	EvictionsCounter    metric.Int64Counter
	DrainsCounter       metric.Int64Counter
	ForcedDrainsCounter metric.Int64Counter
}

// NewReadCacheMetrics creates and registers all the metrics for the read cache.
func NewReadCacheMetrics(meter metric.Meter) (*ReadCacheMetrics, error) {
	requestsCounter, err := meter.Int64Counter(
		"gojostore.read_cache.requests_total",
		metric.WithDescription("Total number of page load requests."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	hitsCounter, err := meter.Int64Counter(
		"gojostore.read_cache.hits_total",
		metric.WithDescription("Total number of page loads served from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"gojostore.read_cache.evictions_total",
		metric.WithDescription("Total number of pages evicted by the eviction policy."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	drainsCounter, err := meter.Int64Counter(
		"gojostore.read_cache.drains_total",
		metric.WithDescription("Total number of buffer drains."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	forcedDrainsCounter, err := meter.Int64Counter(
		"gojostore.read_cache.forced_drains_total",
		metric.WithDescription("Number of drains forced because the cache overflowed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ReadCacheMetrics{
		RequestsCounter:     requestsCounter,
		HitsCounter:         hitsCounter,
		EvictionsCounter:    evictionsCounter,
		DrainsCounter:       drainsCounter,
		ForcedDrainsCounter: forcedDrainsCounter,
	}, nil
}

// RegisterSizeGauge exposes the number of resident pages as an observable gauge.
func RegisterSizeGauge(meter metric.Meter, size func() int64) error {
	_, err := meter.Int64ObservableGauge(
		"gojostore.read_cache.size_pages",
		metric.WithDescription("Number of pages resident in the read cache."),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(size())
			return nil
		}),
	)
	return err
}

func (m *ReadCacheMetrics) RecordRequest(hit bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.RequestsCounter.Add(ctx, 1)
	if hit {
		m.HitsCounter.Add(ctx, 1)
	}
}

func (m *ReadCacheMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.EvictionsCounter.Add(context.Background(), 1)
}

func (m *ReadCacheMetrics) RecordDrain(forced bool) {
	if m == nil {
		return
	}
	if forced {
		m.ForcedDrainsCounter.Add(context.Background(), 1)
		return
	}
	m.DrainsCounter.Add(context.Background(), 1)
}
