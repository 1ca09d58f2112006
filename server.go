package routed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/httpapi"
	"pkt.systems/routed/internal/manifest"
	"pkt.systems/routed/internal/routes"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/watch"
	"pkt.systems/routed/pipeline"
	"pkt.systems/routed/registry"
)

// Server wires the watcher, the route table and the request pipeline behind
// one HTTP listener.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	clock      clock.Clock
	index      *manifest.Index
	entries    *registry.Entries
	modules    *pipeline.Modules
	live       *routes.Live
	exec       *pipeline.Executor
	watcher    *watch.Watcher
	handler    *httpapi.Handler
	httpSrv    *http.Server
	telemetry  *telemetry
	listener   net.Listener
	socketPath string

	buildFailed atomic.Bool

	mu           sync.Mutex
	shutdown     bool
	watchCancel  context.CancelFunc
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Registry     *registry.Entries
	OTLPEndpoint string
	entries      []func(*registry.Entries) error
	modules      []namedModule
	middleware   []pipeline.Middleware
	hooks        []pipeline.Registration
}

type namedModule struct {
	name   string
	handle any
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithRegistry uses entries as the compiled entry registry. Entries added
// with WithEntry are registered into it.
func WithRegistry(entries *registry.Entries) Option {
	return func(o *options) {
		o.Registry = entries
	}
}

// WithEntry registers a compiled entry for the unit sourceID under entryRef.
func WithEntry(sourceID, entryRef string, entry pipeline.Entry) Option {
	return func(o *options) {
		o.entries = append(o.entries, func(r *registry.Entries) error {
			return r.Register(sourceID, entryRef, entry)
		})
	}
}

// WithNamedEntry registers an entry that any unit can reference by name.
func WithNamedEntry(name string, entry pipeline.Entry) Option {
	return func(o *options) {
		o.entries = append(o.entries, func(r *registry.Entries) error {
			return r.RegisterNamed(name, entry)
		})
	}
}

// WithModule registers a named module handle. Modules are frozen before the
// first request and closed in reverse order on shutdown.
func WithModule(name string, handle any) Option {
	return func(o *options) {
		o.modules = append(o.modules, namedModule{name: name, handle: handle})
	}
}

// WithMiddleware appends a step to the middleware chain.
func WithMiddleware(name string, fn pipeline.MiddlewareFunc) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, pipeline.Middleware{Name: name, Fn: fn})
	}
}

// WithHook registers a global or route scoped hook.
func WithHook(reg pipeline.Registration) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, reg)
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer validates cfg, registers modules, scans the source root and
// publishes the first route table. It does not listen; call Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	logger := svcfields.Ensure(o.Logger)
	serverClock := clock.Or(o.Clock)
	ctx := context.Background()

	s := &Server{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "server"),
		clock:   serverClock,
		readyCh: make(chan struct{}),
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.release(shutdownCtx)
	}

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s.telemetry = tel

	s.entries = o.Registry
	if s.entries == nil {
		s.entries = registry.New()
	}
	for _, add := range o.entries {
		if err := add(s.entries); err != nil {
			cleanup()
			return nil, err
		}
	}

	s.modules = pipeline.NewModules()
	for _, m := range o.modules {
		if err := s.modules.Register(m.name, m.handle); err != nil {
			cleanup()
			return nil, err
		}
	}
	s.modules.Freeze()

	hooks := pipeline.NewHooks(pipeline.WithHooksClock(serverClock), pipeline.WithHooksLogger(logger))
	for _, reg := range o.hooks {
		if err := hooks.Register(reg); err != nil {
			cleanup()
			return nil, err
		}
	}
	global := pipeline.NewGlobal(s.modules, pipeline.NewSettings(cfg.Settings), hooks)

	var traces *pipeline.TraceStore
	if cfg.Trace {
		traces = pipeline.NewTraceStore(cfg.TraceRetention, cfg.TraceMaxEntries, serverClock)
	}
	s.exec = pipeline.NewExecutor(pipeline.Config{
		Global:  global,
		Chain:   pipeline.NewChain(o.middleware...),
		Timeout: cfg.HandlerTimeout,
		Tracing: cfg.Trace,
		Traces:  traces,
		Clock:   serverClock,
		Logger:  logger,
	})

	s.index, err = openManifest(ctx, cfg.Manifest, svcfields.WithSubsystem(logger, "manifest"), serverClock)
	if err != nil {
		cleanup()
		return nil, err
	}
	builder := routes.NewBuilder(routes.NewResolver(s.entries), routes.WithClock(serverClock), routes.WithLogger(logger))
	s.live = routes.NewLive(builder, logger)

	s.watcher, err = watch.New(watch.Config{
		Root:     cfg.SourceRoot,
		Index:    s.index,
		Debounce: cfg.Debounce,
		Clock:    serverClock,
		Logger:   logger,
		OnBatch:  s.onBatch,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	if _, err := s.watcher.Scan(ctx); err != nil {
		cleanup()
		return nil, err
	}
	if s.live.Current().Version() == 0 {
		if err := s.rebuild(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("build initial route table: %w", err)
		}
	}

	s.handler = httpapi.New(httpapi.Config{
		Routes:       s.live,
		Executor:     s.exec,
		Manifest:     s.index,
		Logger:       logger,
		DebugPrefix:  cfg.DebugPrefix,
		MaxBodyBytes: cfg.MaxBodyBytes,
		HTTPTracing:  tel != nil && tel.tracing,
		Ready:        func() bool { return s.live.Current().Version() > 0 },
	})
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(serverErrorWriter{svcfields.WithSubsystem(logger, "http")}, "", 0),
	}
	s.logger.Info("server.ready",
		"source_root", s.watcher.Root(),
		"manifest", cfg.Manifest,
		"units", s.index.Len(),
		"routes", s.live.Current().Len(),
		"route_version", s.live.Current().Version(),
		"modules", len(s.modules.Names()),
		"entries", s.entries.Len(),
		"trace", cfg.Trace,
		"handler_timeout", cfg.HandlerTimeout,
	)
	return s, nil
}

// onBatch rebuilds the route table after the manifest changed or while the
// previous build is still failing.
func (s *Server) onBatch(ctx context.Context, batch watch.Batch) {
	if s.live == nil {
		return
	}
	if !batch.Changed() && !s.buildFailed.Load() && s.live.Current().Version() > 0 {
		return
	}
	_ = s.rebuild(ctx)
}

func (s *Server) rebuild(ctx context.Context) error {
	_, err := s.live.Rebuild(ctx, s.index.All())
	s.buildFailed.Store(err != nil)
	return err
}

// Reload rescans the whole source root and rebuilds the table when anything
// changed. Per-file analysis failures are logged by the watcher and do not
// fail the reload.
func (s *Server) Reload(ctx context.Context) error {
	if _, err := s.watcher.Scan(ctx); err != nil {
		return err
	}
	if s.buildFailed.Load() {
		return errors.New("route table rebuild failed; previous version still serving")
	}
	return nil
}

// Handler returns the HTTP handler so the runtime can be mounted inside an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Executor exposes the request pipeline.
func (s *Server) Executor() *pipeline.Executor {
	return s.exec
}

// RouteVersion returns the version of the table currently serving traffic.
func (s *Server) RouteVersion() uint64 {
	return s.live.Current().Version()
}

// Start begins watching the source root and serving requests. It blocks
// until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	if !s.cfg.DisableWatch {
		watchCtx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		if err := s.watcher.Start(watchCtx); err != nil {
			cancel()
			s.watchCancel = nil
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()
	if !s.cfg.DisableWatch {
		// Files touched between the startup scan and the watch registration.
		if _, err := s.watcher.Scan(context.Background()); err != nil {
			s.logger.Warn("watch.rescan.failed", "error", err)
		}
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "debug_prefix", s.handler.DebugPrefix())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains HTTP traffic and in-flight requests, then stops the
// watcher, closes modules in reverse registration order, closes the manifest
// and finally telemetry. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.exec.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain requests: %w", err))
		s.logger.Warn("server.drain.incomplete", "in_flight", s.exec.InFlight(), "error", err)
	}
	if n := s.exec.Abandoned(); n > 0 {
		s.logger.Warn("server.shutdown.abandoned_handlers", "count", n)
	}
	if err := s.release(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// release stops everything behind the HTTP listener in lifecycle order.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	s.mu.Lock()
	cancel := s.watchCancel
	s.watchCancel = nil
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher close: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if s.modules != nil {
		if err := s.modules.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("modules close: %w", err))
		}
	}
	if s.index != nil {
		if err := s.index.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manifest close: %w", err))
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready to accept connections. The returned stop function shuts it down.
// Example:
//
//	cfg := routed.Config{SourceRoot: "./routes", Listen: "127.0.0.1:0"}
//	srv, stop, err := routed.StartServer(ctx, cfg, routed.WithEntry("users", "GET", entry))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// serverErrorWriter routes net/http's internal error log into pslog.
type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}
