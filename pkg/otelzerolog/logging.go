// Package otelzerolog mirrors the zerolog stream to an OpenTelemetry
// collector. The writer decodes each JSON log line back into a log.Record,
// mapping the level and message fields onto severity and body and everything
// else onto attributes.
package otelzerolog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// OtelWriter implements zerolog.LevelWriter on top of an OTLP log exporter.
type OtelWriter struct {
	logger      log.Logger
	serviceName string
	logExporter *otlploggrpc.Exporter
}

// NewOtelWriter builds a writer that ships log records to the OTLP gRPC
// endpoint.
func NewOtelWriter(ctx context.Context, endpoint, serviceName string) (*OtelWriter, error) {
	logExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)

	return &OtelWriter{
		logger:      provider.Logger("zerolog-otel"),
		serviceName: serviceName,
		logExporter: logExporter,
	}, nil
}

// Write implements io.Writer. Each p is one zerolog JSON line.
func (w *OtelWriter) Write(p []byte) (int, error) {
	var entry map[string]interface{}

	if err := json.Unmarshal(p, &entry); err != nil {
		return 0, err
	}

	var rec log.Record

	if levelStr, ok := entry["level"].(string); ok {
		level := zerolog.InfoLevel
		if parsed, err := zerolog.ParseLevel(levelStr); err == nil {
			level = parsed
		}

		rec.SetSeverity(convertLevel(level))
		rec.SetSeverityText(level.String())

		delete(entry, "level")
	}

	if msg, ok := entry["message"].(string); ok {
		rec.SetBody(log.StringValue(msg))

		delete(entry, "message")
	}

	rec.AddAttributes(getKeyValueForMap(entry)...)

	w.logger.Emit(context.Background(), rec)

	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter; the level also rides inside the
// JSON payload, so Write handles it.
func (w *OtelWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

// Close shuts down the exporter, flushing buffered records.
func (w *OtelWriter) Close(ctx context.Context) error {
	return w.logExporter.Shutdown(ctx)
}

// convertLevel maps a zerolog level onto an OpenTelemetry severity. Levels
// without a counterpart (NoLevel, Disabled) report as info.
func convertLevel(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return log.SeverityFatal
	case zerolog.InfoLevel, zerolog.NoLevel, zerolog.Disabled:
		return log.SeverityInfo
	default:
		return log.SeverityInfo
	}
}

// getKeyValueForMap converts a decoded JSON object into log attributes.
// json.Unmarshal only produces bool, float64, string, slice and map values;
// anything else is stringified rather than dropped.
func getKeyValueForMap(m map[string]interface{}) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(m))

	for k, v := range m {
		switch val := v.(type) {
		case bool:
			kvs = append(kvs, log.Bool(k, val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				kvs = append(kvs, log.Int64(k, ival))
			} else {
				kvs = append(kvs, log.Float64(k, val))
			}
		case string:
			kvs = append(kvs, log.String(k, val))
		case []interface{}:
			kvs = append(kvs, log.Slice(k, getValuesForSlice(val)...))
		case map[string]interface{}:
			kvs = append(kvs, log.Map(k, getKeyValueForMap(val)...))
		default:
			kvs = append(kvs, log.String(k, fmt.Sprint(v)))
		}
	}

	return kvs
}

// getValuesForSlice converts a decoded JSON array into log values.
func getValuesForSlice(vals []interface{}) []log.Value {
	var vs []log.Value

	for _, v := range vals {
		switch val := v.(type) {
		case bool:
			vs = append(vs, log.BoolValue(val))
		case float64:
			if ival := int64(val); float64(ival) == val {
				vs = append(vs, log.Int64Value(ival))
			} else {
				vs = append(vs, log.Float64Value(val))
			}
		case string:
			vs = append(vs, log.StringValue(val))
		case []interface{}:
			vs = append(vs, log.SliceValue(getValuesForSlice(val)...))
		case map[string]interface{}:
			vs = append(vs, log.MapValue(getKeyValueForMap(val)...))
		default:
			vs = append(vs, log.StringValue(fmt.Sprint(v)))
		}
	}

	return vs
}
