// Package telemetry builds the OpenTelemetry resource shared by the tracing,
// metrics and logging pipelines.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

// NewResource describes this service instance: name, version, runtime,
// process, OS, container and host attributes, plus anything from
// OTEL_RESOURCE_ATTRIBUTES. resource.WithProcess is deliberately not used;
// it would record the full command line, and flags can carry credentials.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}, extraAttrs...)

	return resource.New(
		ctx,
		// NOTE: resource.New fails when a detector carries a different
		// semconv schema version than the import above; bump them together.
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessExecutablePath(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessRuntimeDescription(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}
