package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)
	require.Nil(t, tel.MeterProvider)
	require.NoError(t, shutdown(context.Background()))
	require.NoError(t, tel.Serve(context.Background(), nil))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnabledTelemetryExportsMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojostore-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := tel.Meter.Int64Counter("gojostore.test.events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	server := httptest.NewServer(tel.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "gojostore_test_events_total")
	require.Contains(t, string(body), "go_goroutines")
}

func TestServeStopsWithContext(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, PrometheusPort: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tel.Serve(ctx, nil) }()
	cancel()
	require.NoError(t, <-done)
}
