package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nilroute/wikihop/pkg/telemetry"
)

func newResource(ctx context.Context, cmd *cli.Command) (*resource.Resource, error) {
	return telemetry.NewResource(ctx, cmd.Root().Name, Version)
}

// setupOTelSDK installs the trace, metric and log providers. Signals go to
// the collector when --otel-enabled and --otel-grpc-url are both set, to
// stdout when only --otel-enabled is set, and are discarded otherwise
// (including when only --otel-grpc-url is set) so instrumented code
// needs no enabled-checks. The returned shutdown flushes all three
// pipelines.
func setupOTelSDK(
	ctx context.Context,
	cmd *cli.Command,
	otelResource *resource.Resource,
) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	shutdown := func(ctx context.Context) error {
		defer func() { shutdownFuncs = nil }()

		g, ctx := errgroup.WithContext(ctx)

		for _, fn := range shutdownFuncs {
			g.Go(func() error { return fn(ctx) })
		}

		return g.Wait()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	colURL := cmd.String("otel-grpc-url")
	enabled := cmd.Bool("otel-enabled")

	ctx = zerolog.Ctx(ctx).
		With().
		Bool("otel-enabled", enabled).
		Str("otel-grpc-url", colURL).
		Logger().
		WithContext(ctx)

	traceExporter, err := newTraceExporter(ctx, enabled, colURL)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error creating the trace exporter")

		return shutdown, errors.Join(err, shutdown(ctx))
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(otelResource),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := newMetricExporter(ctx, enabled, colURL)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error creating the metric exporter")

		return shutdown, errors.Join(err, shutdown(ctx))
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(otelResource),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := newLogExporter(ctx, enabled, colURL)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error creating the log exporter")

		return shutdown, errors.Join(err, shutdown(ctx))
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(otelResource),
	)
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

func newTraceExporter(ctx context.Context, enabled bool, colURL string) (sdktrace.SpanExporter, error) {
	switch {
	case enabled && colURL != "":
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	case enabled:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}
}

func newMetricExporter(ctx context.Context, enabled bool, colURL string) (sdkmetric.Exporter, error) {
	switch {
	case enabled && colURL != "":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
	case enabled:
		return stdoutmetric.New()
	default:
		return stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
	}
}

func newLogExporter(ctx context.Context, enabled bool, colURL string) (sdklog.Exporter, error) {
	switch {
	case enabled && colURL != "":
		return otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(colURL))
	case enabled:
		return stdoutlog.New()
	default:
		return stdoutlog.New(stdoutlog.WithWriter(io.Discard))
	}
}
