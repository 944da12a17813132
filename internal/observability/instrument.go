// Package observability wires the process-wide logging pipeline. The default
// slog logger is replaced according to the configured format: plain text and
// JSON write to stderr, while the otel format exports structured records
// through an OTLP log exporter.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const instrumentationName = "github.com/flightdeck-labs/iapflow"

// Instrument installs the default slog logger for the given level and
// format. Supported formats are "text", "json" and "otel".
func Instrument(level slog.Level, format string) error {
	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	case "otel":
		handler, err := newOTelHandler(level)
		if err != nil {
			return fmt.Errorf("configuring otel logging: %w", err)
		}
		slog.SetDefault(slog.New(handler))
	default:
		return fmt.Errorf("unsupported log format: %q", format)
	}

	return nil
}

// newOTelHandler builds a slog handler backed by the OTLP log exporter.
// The exporter transport follows OTEL_EXPORTER_OTLP_PROTOCOL; without a
// configured endpoint the records go to stdout instead.
func newOTelHandler(level slog.Level) (slog.Handler, error) {
	ctx := context.Background()

	exporter, err := newLogExporter(ctx)
	if err != nil {
		return nil, err
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severityFor(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	return otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)), nil
}

func newLogExporter(ctx context.Context) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" &&
		os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
		return stdoutlog.New()
	}

	protocol := os.Getenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL")
	if protocol == "" {
		protocol = os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")
	}

	if strings.HasPrefix(protocol, "grpc") {
		return otlploggrpc.New(ctx)
	}
	return otlploghttp.New(ctx)
}

func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
