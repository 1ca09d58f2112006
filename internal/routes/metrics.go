package routes

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type swapMetrics struct {
	swaps     metric.Int64Counter
	duration  metric.Int64Histogram
	conflicts metric.Int64Counter
}

func newSwapMetrics(logger pslog.Logger) *swapMetrics {
	meter := otel.Meter("pkt.systems/routed/routes")
	m := &swapMetrics{}
	var err error

	m.swaps, err = meter.Int64Counter(
		"routed.routes.swap",
		metric.WithDescription("Route table builds"),
	)
	logMetricInitError(logger, "routed.routes.swap", err)

	m.duration, err = meter.Int64Histogram(
		"routed.routes.build.duration_ms",
		metric.WithDescription("Route table build duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "routed.routes.build.duration_ms", err)

	m.conflicts, err = meter.Int64Counter(
		"routed.routes.conflict",
		metric.WithDescription("Route conflicts detected while building"),
	)
	logMetricInitError(logger, "routed.routes.conflict", err)

	return m
}

func (m *swapMetrics) recordSwap(ctx context.Context, result string, d time.Duration, conflicts int) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("routed.routes.result", result))
	if m.swaps != nil {
		m.swaps.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
	if m.conflicts != nil && conflicts > 0 {
		m.conflicts.Add(ctx, int64(conflicts))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
