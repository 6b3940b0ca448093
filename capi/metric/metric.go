// Package metric records scoring-pipeline measurements: job and run.sh
// command durations, in-flight job counts, and HTTP response times.
// Instruments hang off the global meter provider, so everything is a no-op
// until the OTLP exporter is configured at startup.
package metric

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initOnce sync.Once

	jobDuration     metric.Float64Histogram
	jobsRunning     metric.Int64UpDownCounter
	commandDuration metric.Float64Histogram
	httpDuration    metric.Float64Histogram
)

func instruments() {
	initOnce.Do(func() {
		meter := otel.Meter("github.com/aixcc-sc/capi")

		jobDuration, _ = meter.Float64Histogram(
			"capi.job.duration",
			metric.WithDescription("scoring job duration"),
			metric.WithUnit("s"),
		)
		jobsRunning, _ = meter.Int64UpDownCounter(
			"capi.jobs.running",
			metric.WithDescription("scoring jobs in flight"),
		)
		commandDuration, _ = meter.Float64Histogram(
			"capi.command.duration",
			metric.WithDescription("run.sh command duration"),
			metric.WithUnit("s"),
		)
		httpDuration, _ = meter.Float64Histogram(
			"capi.http.duration",
			metric.WithDescription("http response time"),
			metric.WithUnit("s"),
		)
	})
}

func JobStarted(ctx context.Context, kind string) {
	instruments()
	jobsRunning.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func JobFinished(ctx context.Context, kind string, elapsed time.Duration, outcome string) {
	instruments()
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	jobsRunning.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
	jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func CommandFinished(ctx context.Context, command string, elapsed time.Duration, returnCode int) {
	instruments()
	commandDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("command", command),
		attribute.Int("return_code", returnCode),
	))
}

// WrapHandler measures response time and status for one route.
func WrapHandler(route string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instruments()
		captured := httpsnoop.CaptureMetrics(handler, w, r)
		httpDuration.Record(r.Context(), captured.Duration.Seconds(), metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("method", r.Method),
			attribute.Int("status", captured.Code),
		))
	})
}
