package routes

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/unit"
)

// Live holds the table that serves traffic. Requests read it without
// locking; rebuilds are serialized and publish with a single pointer store.
type Live struct {
	current atomic.Pointer[Table]
	mu      sync.Mutex
	build   func(version uint64, descs []unit.Descriptor) (*Table, error)
	clock   clock.Clock
	logger  pslog.Logger
	metrics *swapMetrics
}

// NewLive starts with an empty version 0 table.
func NewLive(builder *Builder, logger pslog.Logger) *Live {
	logger = svcfields.WithSubsystem(logger, "routes.swap")
	l := &Live{
		build:   builder.Build,
		clock:   builder.clock,
		logger:  logger,
		metrics: newSwapMetrics(logger),
	}
	empty, _ := builder.Build(0, nil)
	l.current.Store(empty)
	return l
}

// Current returns the published table. Callers capture it once per request.
func (l *Live) Current() *Table {
	return l.current.Load()
}

// Rebuild builds the next version from descs and publishes it. On failure
// the previous table keeps serving and is returned with the error.
func (l *Live) Rebuild(ctx context.Context, descs []unit.Descriptor) (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.current.Load()
	version := prev.Version() + 1
	start := l.clock.Now()
	next, err := l.build(version, descs)
	elapsed := l.clock.Since(start)
	if err != nil {
		l.metrics.recordSwap(ctx, "error", elapsed, 0)
		l.logger.Error("route.swap.failed", "version", version, "serving", prev.Version(), "error", err)
		return prev, err
	}
	l.current.Store(next)
	l.metrics.recordSwap(ctx, "ok", elapsed, len(next.conflicts))
	l.logger.Info("route.swap",
		"version", next.Version(),
		"routes", next.Len(),
		"conflicts", len(next.conflicts),
		"unresolved", len(next.unresolved),
		"modules", len(next.modules),
		"duration", elapsed,
	)
	return next, nil
}
