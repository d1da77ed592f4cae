// Package prometheus exposes the OpenTelemetry metrics in Prometheus format
// for the /metrics endpoint, independent of the OTLP pipeline.
package prometheus

import (
	"context"

	"go.opentelemetry.io/otel"

	promclient "github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nilroute/wikihop/pkg/telemetry"
)

// SetupPrometheusMetrics installs a meter provider backed by a private
// Prometheus registry and returns the registry as the gatherer for the
// /metrics handler, along with the provider's shutdown function.
func SetupPrometheusMetrics(
	ctx context.Context,
	serviceName, serviceVersion string,
) (promclient.Gatherer, func(context.Context) error, error) {
	res, err := telemetry.NewResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, nil, err
	}

	// A private registry keeps the endpoint free of the default Go collector
	// noise other libraries register globally.
	registry := promclient.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Instrumented packages pick the provider up globally.
	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
