package observe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordSignalByType(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordSignal(ctx, "offer")
	m.RecordSignal(ctx, "offer")
	m.RecordSignal(ctx, "answer")

	got := findMetric(collect(t, reader), "rally.signal.messages")
	require.NotNil(t, got)
	sum, ok := got.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byType := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("type"))
		byType[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"offer": 2, "answer": 1}, byType)
}

func TestActiveRoomsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveRooms.Add(ctx, 1)
	m.ActiveRooms.Add(ctx, 1)
	m.ActiveRooms.Add(ctx, -1)

	got := findMetric(collect(t, reader), "rally.rooms.active")
	require.NotNil(t, got)
	sum := got.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestPeerRTTHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.PeerRTT.Record(context.Background(), 0.02)

	got := findMetric(collect(t, reader), "rally.session.rtt")
	require.NotNil(t, got)
	hist := got.Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	assert.Same(t, DefaultMetrics(), DefaultMetrics())
}
