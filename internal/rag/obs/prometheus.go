package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewPrometheusMetrics wires an OpenTelemetry meter provider to a
// Prometheus exporter and installs it as the global meter provider, so
// OtelMetrics' counters/histograms are scraped in Prometheus text format.
// It returns the http.Handler to mount at GET /metrics.
func NewPrometheusMetrics() (http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), nil
}
