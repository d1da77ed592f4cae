package wiki

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Direction constants for metrics.
	DirectionForward  = "forward"
	DirectionBackward = "backward"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// requestsTotal tracks total HTTP requests issued to the upstream.
	//nolint:gochecknoglobals
	requestsTotal metric.Int64Counter

	// retriesTotal tracks total retried requests.
	//nolint:gochecknoglobals
	retriesTotal metric.Int64Counter

	// failuresTotal tracks requests that exhausted all retries.
	//nolint:gochecknoglobals
	failuresTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	requestsTotal, err = meter.Int64Counter(
		"wikihop_upstream_requests_total",
		metric.WithDescription("Total number of HTTP requests issued to the upstream encyclopedia"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	retriesTotal, err = meter.Int64Counter(
		"wikihop_upstream_retries_total",
		metric.WithDescription("Total number of retried upstream requests"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		panic(err)
	}

	failuresTotal, err = meter.Int64Counter(
		"wikihop_upstream_failures_total",
		metric.WithDescription("Total number of upstream requests that exhausted all retries"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}
}
