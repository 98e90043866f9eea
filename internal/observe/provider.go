package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitProvider installs a global meter provider backed by the Prometheus
// exporter. The exporter registers with the default Prometheus registry,
// so promhttp.Handler serves the result. Call the returned shutdown from
// main.
func InitProvider() (shutdown func(context.Context) error, err error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
