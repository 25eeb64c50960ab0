// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the engine.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_runs_total",
			Help: "Flow runs by terminal status.",
		},
		[]string{"flow", "status"},
	)
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_steps_total",
			Help: "Step executions by terminal status.",
		},
		[]string{"flow", "status"},
	)
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Step execution duration.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flow"},
	)
)

func init() {
	prometheus.MustRegister(RunsTotal, StepsTotal, StepDuration)
}

// Init installs the global tracer provider per cfg and returns a shutdown
// function. An empty or "none" exporter leaves the default no-op provider.
func Init(cfg config.TelemetryConfig) func(context.Context) error {
	var exp sdktrace.SpanExporter
	var err error
	switch cfg.TraceExporter {
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(context.Background(), opts...)
	default:
		return func(context.Context) error { return nil }
	}
	if err != nil {
		logger.Warnw("trace exporter init failed, tracing disabled", "exporter", cfg.TraceExporter, "error", err)
		return func(context.Context) error { return nil }
	}

	res, _ := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("loom")))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the engine's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/loomworks/loom/engine")
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ServeMetrics exposes /metrics on addr in a background goroutine.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warnw("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}

// ObserveStep records one finished step.
func ObserveStep(flow, status string, d time.Duration) {
	StepsTotal.WithLabelValues(flow, status).Inc()
	StepDuration.WithLabelValues(flow).Observe(d.Seconds())
}

// ObserveRun records one finished run.
func ObserveRun(flow, status string) {
	RunsTotal.WithLabelValues(flow, status).Inc()
}
