package goodjob

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry emits spans/span-events for the discrete occurrences spec.md
// calls out: concurrency-limit exceedance (§4.6, categorized :enqueue or
// :perform) and perform outcomes (§4.7 step 7 "Emit telemetry").
type Telemetry struct {
	tracer trace.Tracer
}

var (
	telemetryOnce     sync.Once
	telemetryShutdown func(context.Context) error
)

// InitTelemetry wires a tracer provider the same way
// yungbote-neurobridge-backend/internal/observability/otel.go does:
// OTLP/HTTP if GOODJOB_OTEL_EXPORTER_OTLP_ENDPOINT is set, stdout
// otherwise, no-op unless GOODJOB_OTEL_ENABLED is truthy. Returns a
// shutdown func and the Telemetry handle to pass into Runtime.
func InitTelemetry(ctx context.Context, log *Logger, serviceName string) (*Telemetry, func(context.Context) error) {
	var tel *Telemetry
	telemetryOnce.Do(func() {
		if !telemetryEnabled() {
			tel = &Telemetry{tracer: otel.Tracer("goodjob")}
			telemetryShutdown = func(context.Context) error { return nil }
			return
		}
		if serviceName == "" {
			serviceName = "goodjob"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
		))
		if err != nil && log != nil {
			log.Warn("otel resource init failed (continuing)", "error", err)
		}

		exporter, expErr := buildTraceExporter(ctx, log)
		if expErr != nil && log != nil {
			log.Warn("otel exporter init failed (continuing)", "error", expErr)
		}

		var opts []sdktrace.TracerProviderOption
		if exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
		}
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(telemetrySampleRatio()))))
		if res != nil {
			opts = append(opts, sdktrace.WithResource(res))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		telemetryShutdown = tp.Shutdown
		tel = &Telemetry{tracer: tp.Tracer("goodjob")}
		if log != nil {
			log.Info("otel tracing initialized", "service", serviceName)
		}
	})
	if tel == nil {
		tel = &Telemetry{tracer: otel.Tracer("goodjob")}
	}
	if telemetryShutdown == nil {
		telemetryShutdown = func(context.Context) error { return nil }
	}
	return tel, telemetryShutdown
}

// ConcurrencyExceeded records a §4.6 exceedance event.
func (t *Telemetry) ConcurrencyExceeded(ctx context.Context, ev ConcurrencyExceededEvent) {
	if t == nil || t.tracer == nil {
		return
	}
	_, span := t.tracer.Start(ctx, "goodjob.concurrency_limit_exceeded")
	defer span.End()
	span.SetAttributes(
		attribute.String("concurrency_key", ev.Key),
		attribute.String("phase", ev.Phase),
	)
	if ev.JobID != nil {
		span.SetAttributes(attribute.String("job_id", ev.JobID.String()))
	}
}

// PerformOutcome records the outcome of a single perform attempt.
func (t *Telemetry) PerformOutcome(ctx context.Context, j *Job, kind OutcomeKind, duration time.Duration) {
	if t == nil || t.tracer == nil {
		return
	}
	_, span := t.tracer.Start(ctx, "goodjob.perform")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", j.ID.String()),
		attribute.String("job_class", j.JobClass),
		attribute.String("queue_name", j.QueueName),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.String("outcome", outcomeKindName(kind)),
	)
}

func outcomeKindName(k OutcomeKind) string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeError:
		return "error"
	case OutcomeDiscard:
		return "discard"
	case OutcomeCancel:
		return "cancel"
	case OutcomeSnooze:
		return "snooze"
	default:
		return "unknown"
	}
}

func telemetryEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("GOODJOB_OTEL_ENABLED")))
	return v == "1" || v == "true" || v == "yes"
}

func telemetrySampleRatio() float64 {
	v := strings.TrimSpace(os.Getenv("GOODJOB_OTEL_SAMPLER_RATIO"))
	if v == "" {
		return 1.0
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return 0
		}
		if f > 1 {
			return 1
		}
		return f
	}
	return 1.0
}

func buildTraceExporter(ctx context.Context, log *Logger) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(os.Getenv("GOODJOB_OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if strings.TrimSpace(strings.ToLower(os.Getenv("GOODJOB_OTEL_EXPORTER_OTLP_INSECURE"))) == "true" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	if log != nil {
		log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
	}
	return exp, nil
}
