package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "coursechat"

// LoggerOptions controls where and how verbosely the application logs
type LoggerOptions struct {
	Dir   string
	Level string
	// Mirror receives a copy of every record when non-nil (stderr for the server).
	Mirror io.Writer
}

// ParseLevel maps a level name onto slog levels, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation
func InitLogger(opts LoggerOptions) (*slog.Logger, io.Closer, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatingFile(opts.Dir, "coursechat.log")

	var w io.Writer = logFile
	if opts.Mirror != nil {
		w = io.MultiWriter(logFile, opts.Mirror)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, logFile, nil
}

// TelemetryOptions describes the deployment being instrumented
type TelemetryOptions struct {
	Dir            string
	ServiceVersion string
	Provider       string
	Model          string
	StoreDriver    string
	// Interval between metric exports; defaults to 10s.
	Interval time.Duration
}

// Telemetry owns the tracer and meter providers and their export files
type Telemetry struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	Resource *resource.Resource

	tp    *sdktrace.TracerProvider
	mp    *sdkmetric.MeterProvider
	files []*lumberjack.Logger
}

// dbSystem maps a database/sql driver name onto the db.system convention
func dbSystem(driver string) string {
	switch driver {
	case "sqlite3":
		return "sqlite"
	case "pgx":
		return "postgresql"
	default:
		return driver
	}
}

// InitTelemetry installs global tracer and meter providers. Spans go to
// <dir>/coursechat_traces.log and metrics to <dir>/coursechat_metrics.log.
// Every record carries the service version, the LLM provider and model, and
// the conversation store backend.
func InitTelemetry(ctx context.Context, opts TelemetryOptions) (*Telemetry, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = "dev"
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	}
	if opts.Provider != "" {
		attrs = append(attrs, attribute.String("llm.provider", opts.Provider))
	}
	if opts.Model != "" {
		attrs = append(attrs, attribute.String("llm.model", opts.Model))
	}
	if opts.StoreDriver != "" {
		attrs = append(attrs, attribute.String("db.system", dbSystem(opts.StoreDriver)))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	t := &Telemetry{Resource: res}

	traceFile := rotatingFile(opts.Dir, "coursechat_traces.log")
	t.files = append(t.files, traceFile)
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		t.closeFiles()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	t.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricsFile := rotatingFile(opts.Dir, "coursechat_metrics.log")
	t.files = append(t.files, metricsFile)
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		t.closeFiles()
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	t.mp = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.Interval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(t.tp)
	otel.SetMeterProvider(t.mp)

	t.Tracer = t.tp.Tracer(serviceName)
	t.Meter = t.mp.Meter(serviceName)
	return t, nil
}

// Shutdown flushes pending spans and metrics and closes the export files.
func (t *Telemetry) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.tp.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown tracer provider", "error", err)
	}
	if err := t.mp.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown meter provider", "error", err)
	}
	t.closeFiles()
}

func (t *Telemetry) closeFiles() {
	for _, f := range t.files {
		if err := f.Close(); err != nil {
			slog.Error("failed to close telemetry file", "file", f.Filename, "error", err)
		}
	}
}
