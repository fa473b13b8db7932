package cqueue

import (
	"context"
	"testing"

	"github.com/pelageech/cqueue/pkg/sync/lockfree"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestInstrumentQueue(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() {
		require.NoError(t, provider.Shutdown(context.Background()))
	}()

	q := lockfree.NewQueue[int]()
	reg, err := InstrumentQueue("test", q, WithMeter(provider.Meter(OTelScopeName)))
	require.NoError(t, err)

	for i := range 10 {
		q.Enqueue(i)
	}
	for range 4 {
		_, _ = q.TryDequeue()
	}
	q.Clear()
	q.Enqueue(1)

	got := collect(t, reader)
	require.Equal(t, int64(11), got[MeterPrefix+"queue.enqueued"])
	require.Equal(t, int64(4), got[MeterPrefix+"queue.dequeued"])
	require.Equal(t, int64(1), got[MeterPrefix+"queue.cleared"])
	require.Equal(t, int64(1), got[MeterPrefix+"queue.length"])
	require.Contains(t, got, MeterPrefix+"queue.retries")
	require.Contains(t, got, MeterPrefix+"queue.helps")

	require.NoError(t, reg.Unregister())
}

func TestSystemAttributes(t *testing.T) {
	defer SetService("unspecified")
	SetService("svc")
	require.Contains(t, SystemAttributes(), attribute.String(MeterPrefix+"service", "svc"))
	require.Contains(t, SystemAttributes(), attribute.String(MeterPrefix+"version", Version()))
}
