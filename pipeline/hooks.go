package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/svcfields"
)

// HookType selects the lifecycle point a hook runs at.
type HookType string

const (
	HookBefore  HookType = "before"
	HookAfter   HookType = "after"
	HookCatch   HookType = "catch"
	HookCleanup HookType = "cleanup"
)

func (t HookType) valid() bool {
	switch t {
	case HookBefore, HookAfter, HookCatch, HookCleanup:
		return true
	}
	return false
}

func (t HookType) phase() Phase {
	switch t {
	case HookBefore:
		return PhaseBeforeHooks
	case HookAfter:
		return PhaseAfterHooks
	case HookCatch:
		return PhaseCatchHooks
	default:
		return PhaseCleanupHooks
	}
}

// Scope is where a hook was registered. Same-type hooks run global first,
// then route, then local.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeRoute  Scope = "route"
	ScopeLocal  Scope = "local"
)

// ErrHookTimeout is wrapped by hook failures caused by a hook timeout.
var ErrHookTimeout = errors.New("pipeline: hook timed out")

// HookFunc is a lifecycle hook. cause is the primary pipeline error for
// catch and cleanup hooks and nil otherwise.
type HookFunc func(ctx context.Context, l *Local, cause error) error

// Registration describes one hook.
type Registration struct {
	ID    string
	Type  HookType
	Scope Scope
	// Route is the source id a route-scoped hook applies to when it is
	// registered on the orchestrator rather than on an Entry.
	Route   string
	Timeout time.Duration
	Retries int
	Fn      HookFunc
}

func (r Registration) validate() error {
	switch {
	case r.ID == "":
		return errors.New("pipeline: hook id required")
	case r.Fn == nil:
		return fmt.Errorf("pipeline: hook %s has no function", r.ID)
	case !r.Type.valid():
		return fmt.Errorf("pipeline: hook %s has unknown type %q", r.ID, r.Type)
	case r.Timeout < 0 || r.Retries < 0:
		return fmt.Errorf("pipeline: hook %s has negative timeout or retries", r.ID)
	}
	return nil
}

// HookOption adjusts a registration.
type HookOption func(*Registration)

// HookTimeout bounds every attempt of the hook.
func HookTimeout(d time.Duration) HookOption {
	return func(r *Registration) { r.Timeout = d }
}

// HookRetries sets how many extra attempts a failing hook gets.
func HookRetries(n int) HookOption {
	return func(r *Registration) { r.Retries = n }
}

// Outcome is the result of one hook invocation including its retries.
type Outcome struct {
	HookID   string
	Type     HookType
	Scope    Scope
	Started  time.Time
	Duration time.Duration
	Attempts int
	Err      error
}

// Outcomes collects the results of one Run.
type Outcomes []Outcome

// Err joins every hook failure, or returns nil.
func (o Outcomes) Err() error {
	var errs []error
	for _, out := range o {
		if out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed counts failed hooks.
func (o Outcomes) Failed() int {
	n := 0
	for _, out := range o {
		if out.Err != nil {
			n++
		}
	}
	return n
}

// Hooks orchestrates lifecycle hooks.
type Hooks struct {
	mu     sync.RWMutex
	global map[HookType][]Registration
	routes map[string]map[HookType][]Registration
	clock  clock.Clock
	logger pslog.Logger
}

// HooksOption configures a Hooks orchestrator.
type HooksOption func(*Hooks)

// WithHooksClock overrides the clock used for hook timeouts and timing.
func WithHooksClock(c clock.Clock) HooksOption {
	return func(h *Hooks) { h.clock = clock.Or(c) }
}

// WithHooksLogger sets the logger used when a hook fails.
func WithHooksLogger(l pslog.Logger) HooksOption {
	return func(h *Hooks) { h.logger = svcfields.WithSubsystem(l, "pipeline.hooks") }
}

// NewHooks returns an empty orchestrator.
func NewHooks(opts ...HooksOption) *Hooks {
	h := &Hooks{
		global: make(map[HookType][]Registration),
		routes: make(map[string]map[HookType][]Registration),
		clock:  clock.Real{},
		logger: svcfields.Noop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a global hook, or a route hook when Scope is ScopeRoute and
// Route names a source id. Local hooks are registered via Local.Hooks.
func (h *Hooks) Register(reg Registration) error {
	if reg.Scope == "" {
		reg.Scope = ScopeGlobal
	}
	if err := reg.validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch reg.Scope {
	case ScopeGlobal:
		h.global[reg.Type] = append(h.global[reg.Type], reg)
	case ScopeRoute:
		if reg.Route == "" {
			return fmt.Errorf("pipeline: route hook %s needs a route", reg.ID)
		}
		byType := h.routes[reg.Route]
		if byType == nil {
			byType = make(map[HookType][]Registration)
			h.routes[reg.Route] = byType
		}
		byType[reg.Type] = append(byType[reg.Type], reg)
	default:
		return fmt.Errorf("pipeline: hook %s: scope %q cannot be registered globally", reg.ID, reg.Scope)
	}
	return nil
}

// collect returns the hooks of typ in execution order.
func (h *Hooks) collect(typ HookType, l *Local) []Registration {
	h.mu.RLock()
	regs := slices.Clone(h.global[typ])
	if l != nil {
		regs = append(regs, h.routes[l.route.SourceID][typ]...)
	}
	h.mu.RUnlock()
	if l == nil {
		return regs
	}
	for _, reg := range l.route.Entry.Hooks {
		if reg.Type == typ {
			reg.Scope = ScopeRoute
			regs = append(regs, reg)
		}
	}
	return append(regs, l.localHooks(typ)...)
}

// Run invokes every hook of typ for the request, in scope order. A failing
// hook never stops the hooks after it.
func (h *Hooks) Run(ctx context.Context, typ HookType, l *Local, cause error) Outcomes {
	regs := h.collect(typ, l)
	if len(regs) == 0 {
		return nil
	}
	outcomes := make(Outcomes, 0, len(regs))
	for _, reg := range regs {
		out := h.invoke(ctx, reg, l, cause)
		outcomes = append(outcomes, out)
		if l == nil {
			continue
		}
		if l.trace != nil {
			l.trace.add(traceHookKind(out.Type), out.HookID, out.Started, out.Duration, outcomeOf(out.Err), out.Err)
		}
		l.metrics.recordHook(ctx, out)
		if out.Err != nil {
			logger := h.logger
			if l.logger != nil {
				logger = l.logger
			}
			logger.Warn("hook.failed",
				"hook", out.HookID,
				"type", string(out.Type),
				"scope", string(out.Scope),
				"attempts", out.Attempts,
				"error", out.Err,
			)
		}
	}
	return outcomes
}

func (h *Hooks) invoke(ctx context.Context, reg Registration, l *Local, cause error) Outcome {
	out := Outcome{HookID: reg.ID, Type: reg.Type, Scope: reg.Scope}
	// Timing is only collected when a trace or metrics will consume it.
	timed := l != nil && (l.trace != nil || l.metrics != nil)
	if timed {
		out.Started = h.clock.Now()
	}
	var err error
	for attempt := 0; attempt <= reg.Retries; attempt++ {
		out.Attempts = attempt + 1
		err = h.call(ctx, reg, l, cause)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if timed {
		out.Duration = h.clock.Since(out.Started)
	}
	if err != nil {
		out.Err = &HookError{HookID: reg.ID, Type: reg.Type, Scope: reg.Scope, Attempts: out.Attempts, Err: err}
	}
	return out
}

func (h *Hooks) call(ctx context.Context, reg Registration, l *Local, cause error) error {
	if reg.Timeout <= 0 {
		return safeHook(ctx, reg.Fn, l, cause)
	}
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- safeHook(hctx, reg.Fn, l, cause)
	}()
	select {
	case err := <-done:
		return err
	case <-h.clock.After(reg.Timeout):
		return fmt.Errorf("%w after %s", ErrHookTimeout, reg.Timeout)
	}
}

func safeHook(ctx context.Context, fn HookFunc, l *Local, cause error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()
	return fn(ctx, l, cause)
}
