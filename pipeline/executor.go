package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/svcfields"
)

// HandlerFunc is a compiled request handler. Returning an error hands the
// request to the catch hooks and produces a sanitized error response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, g *Global, l *Local) error

// Entry is a compiled handler together with its route hooks and an optional
// timeout overriding the executor default.
type Entry struct {
	Handler HandlerFunc
	Hooks   []Registration
	Timeout time.Duration
}

// Route is the resolved target of one request.
type Route struct {
	Method   string
	Pattern  string
	SourceID string
	EntryRef string
	Version  uint64
	Params   map[string]string
	Entry    Entry
}

// Config configures an Executor.
type Config struct {
	Global *Global
	Chain  Chain
	// Timeout is the default handler timeout. Zero disables it.
	Timeout time.Duration
	// Tracing enables traces, per-hook timing and metric emission.
	Tracing bool
	// Traces retains finished traces when tracing is on.
	Traces *TraceStore
	Clock  clock.Clock
	Logger pslog.Logger
}

// Request identifies one call to Serve.
type Request struct {
	RequestID string
	TraceID   string
	Logger    pslog.Logger
}

// Result summarizes a finished request.
type Result struct {
	Status int
	Err    error
	Local  *Local
}

// Executor runs requests through the middleware chain, the hooks and the
// handler.
type Executor struct {
	global  *Global
	chain   Chain
	timeout time.Duration
	tracing bool
	traces  *TraceStore
	clock   clock.Clock
	logger  pslog.Logger
	metrics *pipelineMetrics

	mu     sync.Mutex
	active int
	idle   chan struct{}

	abandoned atomic.Int64
}

// NewExecutor builds an executor. A nil Global is replaced by an empty one.
func NewExecutor(cfg Config) *Executor {
	g := cfg.Global
	if g == nil {
		g = NewGlobal(nil, Settings{}, nil)
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "pipeline.executor")
	e := &Executor{
		global:  g,
		chain:   cfg.Chain,
		timeout: cfg.Timeout,
		tracing: cfg.Tracing,
		traces:  cfg.Traces,
		clock:   clock.Or(cfg.Clock),
		logger:  logger,
	}
	if e.tracing {
		e.metrics = newPipelineMetrics(logger)
		if e.traces == nil {
			e.traces = NewTraceStore(0, 0, e.clock)
		}
	}
	return e
}

// Global returns the process context shared by all requests.
func (e *Executor) Global() *Global { return e.global }

// Traces returns the trace store, or nil when tracing is off.
func (e *Executor) Traces() *TraceStore {
	if !e.tracing {
		return nil
	}
	return e.traces
}

// Tracing reports whether tracing is on.
func (e *Executor) Tracing() bool { return e.tracing }

// Abandoned returns the number of timed-out handlers still running.
func (e *Executor) Abandoned() int64 { return e.abandoned.Load() }

// InFlight returns the number of requests inside Serve.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Wait blocks until no request is inside Serve or ctx is done. Abandoned
// handlers are not waited for.
func (e *Executor) Wait(ctx context.Context) error {
	e.mu.Lock()
	if e.active == 0 {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) enter() {
	e.mu.Lock()
	if e.active == 0 {
		e.idle = make(chan struct{})
	}
	e.active++
	e.mu.Unlock()
}

func (e *Executor) leave() {
	e.mu.Lock()
	e.active--
	if e.active == 0 {
		close(e.idle)
	}
	e.mu.Unlock()
}

// Serve runs one request against route and writes the response to w. The
// response is decided before cleanup hooks run and written after them.
func (e *Executor) Serve(w http.ResponseWriter, r *http.Request, route Route, req Request) Result {
	e.enter()
	defer e.leave()

	start := e.clock.Now()
	l := NewLocal(e.global, LocalOptions{
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
		Route:     route,
		Logger:    req.Logger,
		Trace:     e.tracing,
		Started:   start,
	})
	l.metrics = e.metrics
	hooks := e.global.hooks
	// Catch and cleanup hooks outlive a cancelled request.
	hookCtx := context.WithoutCancel(r.Context())
	buf := newResponseBuffer()

	l.advance(PhaseMiddleware)
	err := e.chain.run(buf, r, e.global, l, e.clock.Now, func(r *http.Request) error {
		return e.execute(buf, r, l)
	})

	var (
		status int
		body   ErrorBody
	)
	if err != nil {
		l.advance(PhaseCatchHooks)
		hooks.Run(hookCtx, HookCatch, l, err)
		buf.detach()
		status, body = Classify(err, l.requestID)
		e.logFailure(l, status, err)
	} else {
		status = buf.statusCode()
	}

	l.advance(PhaseCleanupHooks)
	hooks.Run(hookCtx, HookCleanup, l, err)

	var writeErr error
	if err != nil {
		writeErr = WriteError(w, status, body)
	} else {
		writeErr = buf.flushTo(w)
	}
	if writeErr != nil {
		l.logger.Debug("http.response.write_failed", "error", writeErr)
	}
	l.advance(PhaseCompleted)

	end := e.clock.Now()
	if l.trace != nil {
		e.traces.Put(l.trace.finish(status, outcomeOf(err), end))
	}
	e.metrics.recordRequest(hookCtx, route, status, end.Sub(start))
	return Result{Status: status, Err: err, Local: l}
}

func (e *Executor) execute(buf *responseBuffer, r *http.Request, l *Local) error {
	l.advance(PhaseContextBuilt)
	parent := r.Context()
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(parent, l.logger))
	defer cancel()
	r = r.WithContext(ctx)

	l.advance(PhaseBeforeHooks)
	if err := e.global.hooks.Run(ctx, HookBefore, l, nil).Err(); err != nil {
		return err
	}

	l.advance(PhaseExecuting)
	if err := e.invoke(buf, r, l, parent, cancel); err != nil {
		return err
	}

	l.advance(PhaseAfterHooks)
	e.global.hooks.Run(ctx, HookAfter, l, nil)
	return nil
}

// invoke races the handler against its timeout and the client.
func (e *Executor) invoke(buf *responseBuffer, r *http.Request, l *Local, parent context.Context, cancel context.CancelFunc) error {
	handler := l.route.Entry.Handler
	if handler == nil {
		return &HandlerError{Status: http.StatusInternalServerError, Err: errors.New("route has no handler")}
	}
	timeout := l.route.Entry.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	start := e.clock.Now()
	if timeout <= 0 {
		err := safeHandler(handler, buf, r, e.global, l)
		e.traceHandler(l, start, err)
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- safeHandler(handler, buf, r, e.global, l)
	}()
	select {
	case err := <-done:
		e.traceHandler(l, start, err)
		return err
	case <-e.clock.After(timeout):
		cancel()
		buf.detach()
		e.abandon(parent, done)
		err := &TimeoutError{Timeout: timeout}
		e.traceHandler(l, start, err)
		e.metrics.recordTimeout(parent, l.route)
		return err
	case <-parent.Done():
		cancel()
		buf.detach()
		e.abandon(parent, done)
		err := &HandlerError{Status: 499, Code: "client_closed_request", Err: parent.Err()}
		e.traceHandler(l, start, err)
		return err
	}
}

func (e *Executor) abandon(ctx context.Context, done <-chan error) {
	e.abandoned.Add(1)
	e.metrics.recordAbandoned(ctx, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		<-done
		e.abandoned.Add(-1)
		e.metrics.recordAbandoned(ctx, -1)
	}()
}

func (e *Executor) traceHandler(l *Local, start time.Time, err error) {
	if l.trace == nil {
		return
	}
	l.trace.add(TraceHandler, l.route.EntryRef, start, e.clock.Since(start), outcomeOf(err), err)
}

func (e *Executor) logFailure(l *Local, status int, err error) {
	if status < http.StatusInternalServerError {
		l.logger.Debug("http.request.rejected", "status", status, "error", err)
		return
	}
	var he *HandlerError
	if errors.As(err, &he) && len(he.Stack) > 0 {
		l.logger.Error("http.request.error", "status", status, "error", err, "stack", string(he.Stack))
		return
	}
	l.logger.Error("http.request.error", "status", status, "error", err)
}

func safeHandler(fn HandlerFunc, w http.ResponseWriter, r *http.Request, g *Global, l *Local) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()
	return fn(w, r, g, l)
}
