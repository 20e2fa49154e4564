package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zatekoja/clinicflow"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCount      metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	TransitionCount   metric.Int64Counter
	GateDecisionCount metric.Int64Counter
	VerificationCount metric.Int64Counter
	TokenFetchCount   metric.Int64Counter
	AuditDropCount    metric.Int64Counter
}

// Setup initializes OpenTelemetry tracing, metrics export and runtime metrics
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
	}

	return shutdown, nil
}

// InitMetrics initializes application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	requestCount, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	transitionCount, err := meter.Int64Counter(
		"visit.transition.count",
		metric.WithDescription("Visit transitions by action and outcome"),
	)
	if err != nil {
		return nil, err
	}

	gateDecisionCount, err := meter.Int64Counter(
		"authorization.gate.decision.count",
		metric.WithDescription("Authorization gate decisions by status"),
	)
	if err != nil {
		return nil, err
	}

	verificationCount, err := meter.Int64Counter(
		"authorization.verification.count",
		metric.WithDescription("Insurer card verifications by resulting status"),
	)
	if err != nil {
		return nil, err
	}

	tokenFetchCount, err := meter.Int64Counter(
		"authorization.token.fetch.count",
		metric.WithDescription("Calls to the insurer token endpoint"),
	)
	if err != nil {
		return nil, err
	}

	auditDropCount, err := meter.Int64Counter(
		"audit.event.dropped.count",
		metric.WithDescription("Audit events dropped because the dispatcher buffer was full"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCount:      requestCount,
		RequestDuration:   requestDuration,
		TransitionCount:   transitionCount,
		GateDecisionCount: gateDecisionCount,
		VerificationCount: verificationCount,
		TokenFetchCount:   tokenFetchCount,
		AuditDropCount:    auditDropCount,
	}, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// SetSpanAttributes sets attributes on a span
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// RecordRequestMetric records an HTTP request
func RecordRequestMetric(ctx context.Context, metrics *Metrics, method, path string, statusCode int, duration time.Duration) {
	if metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", path),
		attribute.Int("http.status_code", statusCode),
	}

	metrics.RequestCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordTransition records a visit transition attempt
func RecordTransition(ctx context.Context, metrics *Metrics, action, outcome string) {
	if metrics == nil {
		return
	}
	metrics.TransitionCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("visit.action", action),
		attribute.String("visit.outcome", outcome),
	))
}

// RecordGateDecision records an authorization gate decision
func RecordGateDecision(ctx context.Context, metrics *Metrics, status string, allowed bool) {
	if metrics == nil {
		return
	}
	metrics.GateDecisionCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("authorization.status", status),
		attribute.Bool("authorization.allowed", allowed),
	))
}

// RecordVerification records an insurer verification result
func RecordVerification(ctx context.Context, metrics *Metrics, status string) {
	if metrics == nil {
		return
	}
	metrics.VerificationCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("authorization.status", status),
	))
}

// RecordTokenFetch records a token endpoint call
func RecordTokenFetch(ctx context.Context, metrics *Metrics, success bool) {
	if metrics == nil {
		return
	}
	metrics.TokenFetchCount.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordAuditDrop records an audit event lost to a full buffer
func RecordAuditDrop(ctx context.Context, metrics *Metrics, action string) {
	if metrics == nil {
		return
	}
	metrics.AuditDropCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("audit.action", action),
	))
}
