package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)

	counter, err := tel.Meter.Int64Counter("bptdb.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledExportsCounters(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "bptdb_test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("bptdb.buffer.hits")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "bptdb_buffer_hits")
}
