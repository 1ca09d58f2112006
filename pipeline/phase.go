package pipeline

import "sync/atomic"

// Phase is a lifecycle state of one request.
type Phase int32

const (
	PhaseReceived Phase = iota
	PhaseMiddleware
	PhaseContextBuilt
	PhaseBeforeHooks
	PhaseExecuting
	PhaseAfterHooks
	PhaseCatchHooks
	PhaseCleanupHooks
	PhaseCompleted
)

var phaseNames = [...]string{
	PhaseReceived:     "received",
	PhaseMiddleware:   "middleware",
	PhaseContextBuilt: "context-built",
	PhaseBeforeHooks:  "before-hooks",
	PhaseExecuting:    "executing",
	PhaseAfterHooks:   "after-hooks",
	PhaseCatchHooks:   "catch-hooks",
	PhaseCleanupHooks: "cleanup-hooks",
	PhaseCompleted:    "completed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// phaseTracker only ever moves forward.
type phaseTracker struct {
	v atomic.Int32
}

func (t *phaseTracker) load() Phase {
	return Phase(t.v.Load())
}

// advance moves to p and reports true when p is strictly ahead of the current
// phase. Moving to the same or an earlier phase is refused.
func (t *phaseTracker) advance(p Phase) bool {
	for {
		cur := t.v.Load()
		if int32(p) <= cur {
			return false
		}
		if t.v.CompareAndSwap(cur, int32(p)) {
			return true
		}
	}
}
