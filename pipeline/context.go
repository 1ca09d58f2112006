package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/svcfields"
)

// Modules is the process-wide module registry. Registration is only
// allowed until Freeze; afterwards reads take no lock.
type Modules struct {
	mu     sync.Mutex
	frozen atomic.Bool
	byName map[string]any
	order  []string
}

// NewModules returns an empty, writable registry.
func NewModules() *Modules {
	return &Modules{byName: make(map[string]any)}
}

// Register stores handle under name.
func (m *Modules) Register(name string, handle any) error {
	if name == "" {
		return errors.New("pipeline: module name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen.Load() {
		return fmt.Errorf("%w: %s", ErrFrozen, name)
	}
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("pipeline: module %q already registered", name)
	}
	m.byName[name] = handle
	m.order = append(m.order, name)
	return nil
}

// Freeze makes the registry read-only. It is idempotent.
func (m *Modules) Freeze() {
	m.mu.Lock()
	m.frozen.Store(true)
	m.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (m *Modules) Frozen() bool {
	return m.frozen.Load()
}

// Get returns the handle registered under name.
func (m *Modules) Get(name string) (any, bool) {
	if !m.frozen.Load() {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	handle, ok := m.byName[name]
	return handle, ok
}

// Names lists module names in registration order.
func (m *Modules) Names() []string {
	if !m.frozen.Load() {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	return slices.Clone(m.order)
}

// Close releases module handles in reverse registration order. Handles may
// implement io.Closer, Close(ctx) error or Shutdown(ctx) error; all of them
// are attempted and the failures joined.
func (m *Modules) Close(ctx context.Context) error {
	m.Freeze()
	var errs []error
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		var err error
		switch h := m.byName[name].(type) {
		case interface{ Shutdown(context.Context) error }:
			err = h.Shutdown(ctx)
		case interface{ Close(context.Context) error }:
			err = h.Close(ctx)
		case io.Closer:
			err = h.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Settings is an immutable configuration snapshot.
type Settings struct {
	values map[string]any
}

// NewSettings copies values into a new snapshot.
func NewSettings(values map[string]any) Settings {
	return Settings{values: maps.Clone(values)}
}

// Get returns the value stored under key.
func (s Settings) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// String returns the value under key when it is a string.
func (s Settings) String(key string) string {
	v, _ := s.values[key].(string)
	return v
}

// Keys lists the setting keys in sorted order.
func (s Settings) Keys() []string {
	return slices.Sorted(maps.Keys(s.values))
}

// Global is shared by every request for the lifetime of the process.
type Global struct {
	modules  *Modules
	settings Settings
	hooks    *Hooks
}

// NewGlobal assembles the process context. A nil modules registry is
// replaced by an empty frozen one and a nil hooks orchestrator by an empty
// one.
func NewGlobal(modules *Modules, settings Settings, hooks *Hooks) *Global {
	if modules == nil {
		modules = NewModules()
		modules.Freeze()
	}
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Global{modules: modules, settings: settings, hooks: hooks}
}

// Module returns the handle registered under name.
func (g *Global) Module(name string) (any, bool) {
	return g.modules.Get(name)
}

// Modules exposes the module registry.
func (g *Global) Modules() *Modules {
	return g.modules
}

// Settings returns the configuration snapshot.
func (g *Global) Settings() Settings {
	return g.settings
}

// Hooks returns the hook orchestrator.
func (g *Global) Hooks() *Hooks {
	return g.hooks
}

// LocalOptions seeds a Local.
type LocalOptions struct {
	RequestID string
	TraceID   string
	Route     Route
	Logger    pslog.Logger
	// Trace enables per-request trace recording.
	Trace bool
	// Started is the request start time recorded in the trace.
	Started time.Time
}

// Local holds everything scoped to a single request.
type Local struct {
	global    *Global
	requestID string
	traceID   string
	route     Route
	logger    pslog.Logger
	phase     phaseTracker

	mu     sync.Mutex
	state  map[string]any
	hooks  map[HookType][]Registration
	trace  *Trace

	metrics *pipelineMetrics
}

// NewLocal builds the request context. The Global is referenced, never
// copied.
func NewLocal(g *Global, opts LocalOptions) *Local {
	l := &Local{
		global:    g,
		requestID: opts.RequestID,
		traceID:   opts.TraceID,
		route:     opts.Route,
		logger:    svcfields.Ensure(opts.Logger),
		state:     make(map[string]any),
	}
	if opts.Trace {
		l.trace = newTrace(l, opts.Started)
	}
	return l
}

// Global returns the shared process context.
func (l *Local) Global() *Global { return l.global }

// RequestID returns the unique id of this request.
func (l *Local) RequestID() string { return l.requestID }

// TraceID returns the trace id correlated with this request.
func (l *Local) TraceID() string { return l.traceID }

// Phase returns the current lifecycle phase.
func (l *Local) Phase() Phase { return l.phase.load() }

// Logger returns the request-scoped logger.
func (l *Local) Logger() pslog.Logger { return l.logger }

// Route describes the matched route.
func (l *Local) Route() Route { return l.route }

// Param returns a path parameter or "".
func (l *Local) Param(name string) string {
	return l.route.Params[name]
}

// Params returns a copy of the path parameters.
func (l *Local) Params() map[string]string {
	return maps.Clone(l.route.Params)
}

// Set stores a request-scoped value.
func (l *Local) Set(key string, value any) {
	l.mu.Lock()
	l.state[key] = value
	l.mu.Unlock()
}

// Get returns a request-scoped value.
func (l *Local) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.state[key]
	return v, ok
}

// Delete removes a request-scoped value.
func (l *Local) Delete(key string) {
	l.mu.Lock()
	delete(l.state, key)
	l.mu.Unlock()
}

// Trace returns the request trace or nil when tracing is off.
func (l *Local) Trace() *Trace { return l.trace }

// Hooks returns the registry for hooks local to this request.
func (l *Local) Hooks() LocalHooks { return LocalHooks{l: l} }

// OnCleanup registers a local cleanup hook.
func (l *Local) OnCleanup(id string, fn HookFunc) error {
	return l.Hooks().Register(HookCleanup, id, fn)
}

func (l *Local) advance(p Phase) bool {
	return l.phase.advance(p)
}

func (l *Local) localHooks(typ HookType) []Registration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.hooks[typ])
}

// LocalHooks registers hooks that only apply to one request.
type LocalHooks struct {
	l *Local
}

// Register adds a local hook. Registering a type whose phase already
// started fails with ErrHookPhasePassed.
func (h LocalHooks) Register(typ HookType, id string, fn HookFunc, opts ...HookOption) error {
	reg := Registration{ID: id, Type: typ, Scope: ScopeLocal, Fn: fn}
	for _, opt := range opts {
		opt(&reg)
	}
	if err := reg.validate(); err != nil {
		return err
	}
	l := h.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase.load() >= typ.phase() {
		return fmt.Errorf("%w: %s", ErrHookPhasePassed, typ)
	}
	if l.hooks == nil {
		l.hooks = make(map[HookType][]Registration)
	}
	l.hooks[typ] = append(l.hooks[typ], reg)
	return nil
}
