package pipeline

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type pipelineMetrics struct {
	requests  metric.Int64Counter
	duration  metric.Int64Histogram
	timeouts  metric.Int64Counter
	abandoned metric.Int64UpDownCounter
	hooks     metric.Int64Counter
	hookTime  metric.Int64Histogram
}

func newPipelineMetrics(logger pslog.Logger) *pipelineMetrics {
	meter := otel.Meter("pkt.systems/routed/pipeline")
	m := &pipelineMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"routed.request.count",
		metric.WithDescription("Requests executed by the pipeline"),
	)
	logMetricInitError(logger, "routed.request.count", err)

	m.duration, err = meter.Int64Histogram(
		"routed.request.duration_ms",
		metric.WithDescription("Pipeline duration per request"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "routed.request.duration_ms", err)

	m.timeouts, err = meter.Int64Counter(
		"routed.handler.timeout",
		metric.WithDescription("Handlers that exceeded their timeout"),
	)
	logMetricInitError(logger, "routed.handler.timeout", err)

	m.abandoned, err = meter.Int64UpDownCounter(
		"routed.handler.abandoned",
		metric.WithDescription("Handler goroutines still running after their timeout"),
	)
	logMetricInitError(logger, "routed.handler.abandoned", err)

	m.hooks, err = meter.Int64Counter(
		"routed.hook.run",
		metric.WithDescription("Hook invocations"),
	)
	logMetricInitError(logger, "routed.hook.run", err)

	m.hookTime, err = meter.Int64Histogram(
		"routed.hook.duration_ms",
		metric.WithDescription("Hook duration including retries"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "routed.hook.duration_ms", err)

	return m
}

func (m *pipelineMetrics) recordRequest(ctx context.Context, route Route, status int, d time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("routed.route.method", route.Method),
		attribute.String("routed.route.pattern", route.Pattern),
		attribute.String("routed.response.class", statusClass(status)),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *pipelineMetrics) recordTimeout(ctx context.Context, route Route) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("routed.route.pattern", route.Pattern),
	))
}

func (m *pipelineMetrics) recordAbandoned(ctx context.Context, delta int64) {
	if m == nil || m.abandoned == nil {
		return
	}
	m.abandoned.Add(metricContext(ctx), delta)
}

func (m *pipelineMetrics) recordHook(ctx context.Context, out Outcome) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("routed.hook.type", string(out.Type)),
		attribute.String("routed.hook.scope", string(out.Scope)),
		attribute.String("routed.hook.outcome", outcomeOf(out.Err)),
	)
	if m.hooks != nil {
		m.hooks.Add(ctx, 1, attrs)
	}
	if m.hookTime != nil {
		m.hookTime.Record(ctx, out.Duration.Milliseconds(), attrs)
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
