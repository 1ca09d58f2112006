// Package httpapi exposes the live route table over HTTP together with a
// small set of introspection endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/routed/internal/ids"
	"pkt.systems/routed/internal/manifest"
	"pkt.systems/routed/internal/routes"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/pipeline"
)

const (
	headerRequestID     = "X-Request-Id"
	headerCorrelationID = "X-Correlation-Id"
	contentTypeJSON     = "application/json"

	// DefaultDebugPrefix is where introspection endpoints live.
	DefaultDebugPrefix = "/_routed"
)

// TableSource returns the table every request captures once.
type TableSource interface {
	Current() *routes.Table
}

// ManifestSource exposes the aggregate manifest document.
type ManifestSource interface {
	Document() manifest.Document
}

// Config wires a Handler.
type Config struct {
	Routes   TableSource
	Executor *pipeline.Executor
	Manifest ManifestSource
	Logger   pslog.Logger
	// DebugPrefix mounts introspection endpoints. A "-" disables them.
	DebugPrefix string
	// MaxBodyBytes caps request bodies when positive.
	MaxBodyBytes int64
	// HTTPTracing creates a span per request and wraps handlers with otelhttp.
	HTTPTracing bool
	// Ready reports whether the first route table was published.
	Ready func() bool
}

// Handler dispatches requests to the pipeline.
type Handler struct {
	routes      TableSource
	exec        *pipeline.Executor
	manifest    ManifestSource
	logger      pslog.Logger
	debugPrefix string
	maxBody     int64
	tracing     bool
	tracer      trace.Tracer
	ready       func() bool
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New builds a handler from cfg.
func New(cfg Config) *Handler {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.DebugPrefix), "/")
	switch {
	case prefix == "":
		prefix = DefaultDebugPrefix
	case prefix == "-":
		prefix = ""
	case !strings.HasPrefix(prefix, "/"):
		prefix = "/" + prefix
	}
	exec := cfg.Executor
	if exec == nil {
		exec = pipeline.NewExecutor(pipeline.Config{Logger: cfg.Logger})
	}
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handler{
		routes:      cfg.Routes,
		exec:        exec,
		manifest:    cfg.Manifest,
		logger:      svcfields.Ensure(cfg.Logger),
		debugPrefix: prefix,
		maxBody:     cfg.MaxBodyBytes,
		tracing:     cfg.HTTPTracing,
		tracer:      otel.Tracer("pkt.systems/routed/httpapi"),
		ready:       ready,
	}
}

// DebugPrefix returns the mount point of the introspection endpoints or ""
// when they are disabled.
func (h *Handler) DebugPrefix() string {
	return h.debugPrefix
}

// Register mounts the introspection endpoints and the dispatcher on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if p := h.debugPrefix; p != "" {
		mux.Handle("GET "+p+"/healthz", h.wrap("debug.healthz", h.handleHealthz))
		mux.Handle("GET "+p+"/routes", h.wrap("debug.routes", h.handleRoutes))
		if h.manifest != nil {
			mux.Handle("GET "+p+"/manifest", h.wrap("debug.manifest", h.handleManifest))
		}
		if h.exec.Tracing() {
			mux.Handle("GET "+p+"/traces/{id}", h.wrap("debug.traces", h.handleTrace))
		}
	}
	mux.Handle("/", h.instrument(http.HandlerFunc(h.dispatch), "routed.http.dispatch"))
}

func (h *Handler) instrument(handler http.Handler, name string) http.Handler {
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, name,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// begin assigns ids, the correlation id and the request logger.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, sys string) (*http.Request, string, pslog.Logger) {
	reqID := ids.RequestID()
	ctx, cid := ids.EnsureCorrelation(r.Context(), r.Header.Get(headerCorrelationID))
	logger := svcfields.WithSubsystem(h.logger, sys).With(
		"req_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"cid", cid,
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	w.Header().Set(headerRequestID, reqID)
	w.Header().Set(headerCorrelationID, cid)
	return r.WithContext(ctx), reqID, logger
}

// dispatch captures the current table once and runs the matched route.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, reqID, logger := h.begin(w, r, "http.dispatch")
	ctx := r.Context()
	var span trace.Span
	if h.tracing {
		ctx, span = h.tracer.Start(ctx, "routed.request", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		r = r.WithContext(ctx)
	} else {
		span = trace.SpanFromContext(ctx)
	}
	if h.maxBody > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

	table := h.routes.Current()
	match, err := table.Lookup(r)
	if err != nil {
		status, code := http.StatusNotFound, "not_found"
		if errors.Is(err, routes.ErrMethodNotAllowed) {
			status, code = http.StatusMethodNotAllowed, "method_not_allowed"
		}
		logger.Debug("http.route.miss", "status", status, "table_version", table.Version())
		if span.IsRecording() {
			span.SetAttributes(attribute.Int("http.response.status_code", status))
		}
		_ = pipeline.WriteError(w, status, pipeline.ErrorBody{
			ErrorCode: code,
			Detail:    strings.ReplaceAll(code, "_", " "),
			RequestID: reqID,
		})
		return
	}

	traceID := ids.TraceID()
	if sc := span.SpanContext(); span.IsRecording() && sc.HasTraceID() {
		traceID = sc.TraceID().String()
		span.SetAttributes(
			attribute.String("routed.route.pattern", match.Entry.Pattern),
			attribute.String("routed.route.source_id", match.Entry.SourceID),
			attribute.Int64("routed.route.version", int64(match.Version)),
		)
	}
	reqLogger := logger.With("route", match.Entry.Pattern, "table_version", match.Version)
	res := h.exec.Serve(w, r, match.Route(), pipeline.Request{
		RequestID: reqID,
		TraceID:   traceID,
		Logger:    reqLogger,
	})
	if span.IsRecording() {
		span.SetAttributes(attribute.Int("http.response.status_code", res.Status))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "handler_error")
		}
	}
	reqLogger.Trace("http.request.complete", "status", res.Status, "elapsed", time.Since(start))
}

// wrap is used for the introspection endpoints.
func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("http", operation)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _, logger := h.begin(w, r, sys)
		if err := fn(w, r); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("http.request.canceled")
				return
			}
			h.handleError(r.Context(), w, err)
		}
	})
	return h.instrument(handler, "routed.http."+operation)
}
