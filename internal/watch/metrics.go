package watch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type watchMetrics struct {
	events   metric.Int64Counter
	batches  metric.Int64Counter
	units    metric.Int64Counter
	duration metric.Int64Histogram
}

func newWatchMetrics(logger pslog.Logger) *watchMetrics {
	meter := otel.Meter("pkt.systems/routed/watch")
	m := &watchMetrics{}
	var err error

	m.events, err = meter.Int64Counter(
		"routed.watch.event",
		metric.WithDescription("Filesystem events received"),
	)
	logMetricInitError(logger, "routed.watch.event", err)

	m.batches, err = meter.Int64Counter(
		"routed.watch.batch",
		metric.WithDescription("Debounced batches processed"),
	)
	logMetricInitError(logger, "routed.watch.batch", err)

	m.units, err = meter.Int64Counter(
		"routed.watch.unit",
		metric.WithDescription("Units touched by batches"),
	)
	logMetricInitError(logger, "routed.watch.unit", err)

	m.duration, err = meter.Int64Histogram(
		"routed.watch.batch.duration_ms",
		metric.WithDescription("Batch processing duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "routed.watch.batch.duration_ms", err)

	return m
}

func (m *watchMetrics) recordEvent(ctx context.Context) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(metricContext(ctx), 1)
}

func (m *watchMetrics) recordBatch(ctx context.Context, b Batch) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.batches != nil {
		m.batches.Add(ctx, 1)
	}
	if m.units != nil {
		add := func(result string, n int) {
			if n > 0 {
				m.units.Add(ctx, int64(n), metric.WithAttributes(attribute.String("routed.watch.result", result)))
			}
		}
		add("upserted", len(b.Upserted))
		add("removed", len(b.Removed))
		add("unchanged", b.Unchanged)
		add("error", len(b.Errors))
	}
	if m.duration != nil {
		m.duration.Record(ctx, b.Finished.Sub(b.Started).Milliseconds())
	}
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
