// Package observe holds the OpenTelemetry instruments shared by the
// signaling server and the session manager. InitProvider bridges them to
// a Prometheus /metrics endpoint; tests build their own Metrics with
// NewMetrics and a manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dkeye/Rally"

type Metrics struct {
	// Server side.
	ActiveRooms       metric.Int64UpDownCounter
	SignalConnections metric.Int64UpDownCounter
	SignalMessages    metric.Int64Counter
	DroppedFrames     metric.Int64Counter
	ReapedRooms       metric.Int64Counter
	RejectedJoins     metric.Int64Counter

	// Peer side.
	ReconnectAttempts metric.Int64Counter
	Snapshots         metric.Int64Counter
	PeerRTT           metric.Float64Histogram
	StateTransitions  metric.Int64Counter
}

var rttBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveRooms, err = m.Int64UpDownCounter("rally.rooms.active",
		metric.WithDescription("Number of rooms currently registered on the signaling server."),
	); err != nil {
		return nil, err
	}
	if met.SignalConnections, err = m.Int64UpDownCounter("rally.signal.connections",
		metric.WithDescription("Number of open signaling websockets."),
	); err != nil {
		return nil, err
	}
	if met.SignalMessages, err = m.Int64Counter("rally.signal.messages",
		metric.WithDescription("Control messages handled by type."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("rally.signal.dropped",
		metric.WithDescription("Control frames dropped because a member's send buffer was full."),
	); err != nil {
		return nil, err
	}
	if met.ReapedRooms, err = m.Int64Counter("rally.rooms.reaped",
		metric.WithDescription("Rooms removed by the reaper."),
	); err != nil {
		return nil, err
	}
	if met.RejectedJoins, err = m.Int64Counter("rally.rooms.rejected_joins",
		metric.WithDescription("Join attempts rejected by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("rally.session.reconnect_attempts",
		metric.WithDescription("Reconnection attempts scheduled by the session manager."),
	); err != nil {
		return nil, err
	}
	if met.Snapshots, err = m.Int64Counter("rally.session.snapshots",
		metric.WithDescription("State snapshots by outcome (sent, applied, discarded)."),
	); err != nil {
		return nil, err
	}
	if met.PeerRTT, err = m.Float64Histogram("rally.session.rtt",
		metric.WithDescription("Data channel round trip time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(rttBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("rally.session.transitions",
		metric.WithDescription("Connection state transitions by target state."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics is built on the global meter provider the first time it
// is called.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordSignal(ctx context.Context, typ string) {
	m.SignalMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

func (m *Metrics) RecordSnapshot(ctx context.Context, outcome string) {
	m.Snapshots.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordRejectedJoin(ctx context.Context, reason string) {
	m.RejectedJoins.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}
