package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/nilroute/wikihop/pkg/lock"

	// Lock mode attribute values.
	ModeLocal       = "local"
	ModeDistributed = "distributed"

	// Acquisition result attribute values.
	ResultSuccess    = "success"
	ResultContention = "contention"
	ResultFailure    = "failure"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// acquisitionsTotal counts cache-lock acquisition attempts by result,
	// the contention signal for the shared segment cache.
	//nolint:gochecknoglobals
	acquisitionsTotal metric.Int64Counter

	// holdSeconds observes how long the cache lock is held per critical
	// section.
	//nolint:gochecknoglobals
	holdSeconds metric.Float64Histogram

	// retriesTotal counts distributed-lock retry rounds.
	//nolint:gochecknoglobals
	retriesTotal metric.Int64Counter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	acquisitionsTotal, err = meter.Int64Counter(
		"wikihop_cache_lock_acquisitions_total",
		metric.WithDescription("Segment-cache lock acquisition attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	holdSeconds, err = meter.Float64Histogram(
		"wikihop_cache_lock_hold_seconds",
		metric.WithDescription("How long the segment-cache lock is held"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}

	retriesTotal, err = meter.Int64Counter(
		"wikihop_cache_lock_retries_total",
		metric.WithDescription("Distributed cache-lock retry rounds"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordAcquisition counts one acquisition attempt.
func RecordAcquisition(ctx context.Context, mode, result string) {
	acquisitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
}

// RecordHold observes one held critical section.
func RecordHold(ctx context.Context, mode string, seconds float64) {
	holdSeconds.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordRetry counts one retry round.
func RecordRetry(ctx context.Context, mode string) {
	retriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}
