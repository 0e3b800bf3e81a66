// Package observer provides OTEL-backed observability for the runtime: a
// numina.Tracer implementation, token and cost metrics derived from the
// model-defaults registry, and OTLP HTTP export wired from standard OTEL
// environment variables.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/scarnecchia/numina"
)

const scopeName = "github.com/scarnecchia/numina/observer"

// Instruments holds the OTEL instruments the runtime records into.
type Instruments struct {
	TokenUsage      metric.Int64Counter
	CostTotal       metric.Float64Counter
	TurnCount       metric.Int64Counter
	ToolExecutions  metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	ToolDuration    metric.Float64Histogram
	CompressionRuns metric.Int64Counter
}

// Init configures OTEL trace and metric providers with OTLP HTTP
// exporters (endpoint and headers from standard OTEL env vars). The
// returned shutdown function must run on exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "numina"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	tokenUsage, err := meter.Int64Counter("agent.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	costTotal, err := meter.Float64Counter("agent.cost.total",
		metric.WithDescription("Cumulative model cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}
	turnCount, err := meter.Int64Counter("agent.turns",
		metric.WithDescription("Completed agent turns"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}
	toolExecutions, err := meter.Int64Counter("agent.tool.executions",
		metric.WithDescription("Tool executions"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram("agent.turn.duration",
		metric.WithDescription("Agent turn duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	toolDuration, err := meter.Float64Histogram("agent.tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	compressionRuns, err := meter.Int64Counter("agent.compression.runs",
		metric.WithDescription("History compression passes"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		TokenUsage:      tokenUsage,
		CostTotal:       costTotal,
		TurnCount:       turnCount,
		ToolExecutions:  toolExecutions,
		TurnDuration:    turnDuration,
		ToolDuration:    toolDuration,
		CompressionRuns: compressionRuns,
	}, nil
}

// RecordUsage records one model call's tokens and, when the model's
// registry entry carries prices, its cost.
func (i *Instruments) RecordUsage(ctx context.Context, model numina.ModelInfo, usage numina.Usage) {
	i.TokenUsage.Add(ctx, int64(usage.InputTokens+usage.OutputTokens))
	if cost := CallCost(model, usage); cost > 0 {
		i.CostTotal.Add(ctx, cost)
	}
}

// CallCost derives one call's USD cost from the model's per-1k prices.
func CallCost(model numina.ModelInfo, usage numina.Usage) float64 {
	return float64(usage.InputTokens)/1000*model.CostPer1kPrompt +
		float64(usage.OutputTokens)/1000*model.CostPer1kCompletion
}
