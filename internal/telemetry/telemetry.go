// Package telemetry wires OpenTelemetry tracing for mayor. Traces export
// over OTLP gRPC; spans wrap supervisor runs so a run's claim, worker
// lifetime and board mutation show up as one trace.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/beadworks/mayor/pkg/config"
)

const instrumentationName = "github.com/beadworks/mayor"

// Telemetry holds the installed providers and instruments.
type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider

	BeadsCompleted metric.Int64Counter
	SupervisorRuns metric.Int64Counter
	WatchdogKills  metric.Int64Counter
}

// Init installs the OTLP trace pipeline. With telemetry disabled it
// returns a no-op Telemetry that is still safe to use everywhere.
func Init(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{}

	if cfg.Enabled {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}

		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		))
		if err != nil {
			return nil, fmt.Errorf("build resource: %w", err)
		}

		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(t.provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		log.Printf("[Telemetry] exporting traces to %s", cfg.OTLPEndpoint)
	}

	t.tracer = otel.Tracer(instrumentationName)

	meter := otel.Meter(instrumentationName)
	var err error
	if t.BeadsCompleted, err = meter.Int64Counter("mayor.beads.completed"); err != nil {
		return nil, err
	}
	if t.SupervisorRuns, err = meter.Int64Counter("mayor.supervisor.runs"); err != nil {
		return nil, err
	}
	if t.WatchdogKills, err = meter.Int64Counter("mayor.watchdog.kills"); err != nil {
		return nil, err
	}
	return t, nil
}

// StartSpan begins a span named after an orchestration step.
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name)
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
