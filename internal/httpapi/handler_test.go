package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/routed/internal/routes"
	"pkt.systems/routed/internal/unit"
	"pkt.systems/routed/pipeline"
	"pkt.systems/routed/registry"
)

type fixture struct {
	live    *routes.Live
	entries *registry.Entries
	exec    *pipeline.Executor
	server  *httptest.Server
}

func desc(sourceID, method, pattern string) unit.Descriptor {
	return unit.Descriptor{SourceID: sourceID, Kind: unit.KindHandler, Method: method, PathPattern: pattern, EntryRef: method, Path: sourceID + ".go"}
}

func newFixture(t *testing.T, tracing bool, descs ...unit.Descriptor) *fixture {
	t.Helper()
	entries := registry.New()
	if err := entries.Handle("users/[id]", http.MethodGet, func(w http.ResponseWriter, _ *http.Request, _ *pipeline.Global, l *pipeline.Local) error {
		w.Header().Set("Content-Type", "text/plain")
		_, err := io.WriteString(w, "user "+l.Param("id"))
		return err
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := entries.Handle("users/index", http.MethodGet, func(w http.ResponseWriter, _ *http.Request, _ *pipeline.Global, _ *pipeline.Local) error {
		_, err := io.WriteString(w, "index")
		return err
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := entries.Handle("boom", http.MethodGet, func(http.ResponseWriter, *http.Request, *pipeline.Global, *pipeline.Local) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := entries.Handle("echo", http.MethodPost, func(w http.ResponseWriter, r *http.Request, _ *pipeline.Global, _ *pipeline.Local) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return pipeline.WithStatus(err, http.StatusRequestEntityTooLarge)
		}
		_, err = w.Write(body)
		return err
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	live := routes.NewLive(routes.NewBuilder(routes.NewResolver(entries)), nil)
	if _, err := live.Rebuild(context.Background(), descs); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	exec := pipeline.NewExecutor(pipeline.Config{Tracing: tracing})
	h := New(Config{Routes: live, Executor: exec, MaxBodyBytes: 16})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{live: live, entries: entries, exec: exec, server: srv}
}

func defaultDescs() []unit.Descriptor {
	return []unit.Descriptor{
		desc("users/[id]", http.MethodGet, "/users/:id"),
		desc("boom", http.MethodGet, "/boom"),
		desc("echo", http.MethodPost, "/echo"),
	}
}

func do(t *testing.T, method, url string, body io.Reader, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(data)
}

func TestDispatchRoutesToHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	resp, body := do(t, http.MethodGet, f.server.URL+"/users/42", nil, map[string]string{headerCorrelationID: "corr-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if body != "user 42" {
		t.Fatalf("unexpected body %q", body)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Fatalf("missing request id header")
	}
	if got := resp.Header.Get(headerCorrelationID); got != "corr-1" {
		t.Fatalf("expected correlation echo, got %q", got)
	}
}

func TestDispatchDoesNotLeakHandlerErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	resp, body := do(t, http.MethodGet, f.server.URL+"/boom", nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if strings.Contains(body, "boom") {
		t.Fatalf("internal error leaked: %s", body)
	}
	var payload pipeline.ErrorBody
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.RequestID == "" || payload.RequestID != resp.Header.Get(headerRequestID) {
		t.Fatalf("request id mismatch: body %q header %q", payload.RequestID, resp.Header.Get(headerRequestID))
	}
	if payload.ErrorCode != "internal_error" {
		t.Fatalf("unexpected error code %q", payload.ErrorCode)
	}
}

func TestDispatchNotFoundAndMethodNotAllowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	resp, body := do(t, http.MethodGet, f.server.URL+"/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "not_found") {
		t.Fatalf("expected 404 not_found, got %d: %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodDelete, f.server.URL+"/users/1", nil, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed || !strings.Contains(body, "method_not_allowed") {
		t.Fatalf("expected 405, got %d: %s", resp.StatusCode, body)
	}
}

func TestDeletedRouteIs404AfterSwap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	if resp, _ := do(t, http.MethodGet, f.server.URL+"/boom", nil, nil); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected route to exist, got %d", resp.StatusCode)
	}
	if _, err := f.live.Rebuild(context.Background(), defaultDescs()[:1]); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if resp, _ := do(t, http.MethodGet, f.server.URL+"/boom", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after swap, got %d", resp.StatusCode)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	resp, body := do(t, http.MethodPost, f.server.URL+"/echo", strings.NewReader("small"), nil)
	if resp.StatusCode != http.StatusOK || body != "small" {
		t.Fatalf("expected echo, got %d %q", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, f.server.URL+"/echo", strings.NewReader(strings.Repeat("x", 64)), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestIntrospectionEndpoints(t *testing.T) {
	t.Parallel()
	index := desc("users/index", http.MethodGet, "/users/:id")
	index.Index = true
	f := newFixture(t, true, append(defaultDescs(), index)...)

	resp, body := do(t, http.MethodGet, f.server.URL+DefaultDebugPrefix+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"status": "ok"`) {
		t.Fatalf("unexpected healthz %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, f.server.URL+DefaultDebugPrefix+"/routes", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected routes status %d", resp.StatusCode)
	}
	var doc struct {
		Version   uint64                 `json:"version"`
		Entries   []routes.Entry         `json:"entries"`
		Conflicts []routes.ConflictError `json:"conflicts"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("decode routes: %v", err)
	}
	if doc.Version != 1 || len(doc.Entries) != 3 || len(doc.Conflicts) != 1 {
		t.Fatalf("unexpected routes document: %+v", doc)
	}

	resp, _ = do(t, http.MethodGet, f.server.URL+"/users/5", nil, nil)
	reqID := resp.Header.Get(headerRequestID)
	resp, body = do(t, http.MethodGet, f.server.URL+DefaultDebugPrefix+"/traces/"+reqID, nil, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"kind": "handler"`) {
		t.Fatalf("unexpected trace %d: %s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, f.server.URL+DefaultDebugPrefix+"/traces/unknown", nil, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "trace_not_found") {
		t.Fatalf("expected trace_not_found, got %d: %s", resp.StatusCode, body)
	}
}

func TestTraceEndpointRequiresTracing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, defaultDescs()...)
	resp, body := do(t, http.MethodGet, f.server.URL+DefaultDebugPrefix+"/traces/abc", nil, nil)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, `"not_found"`) {
		t.Fatalf("expected dispatcher 404, got %d: %s", resp.StatusCode, body)
	}
}

func TestHealthzNotReady(t *testing.T) {
	t.Parallel()
	live := routes.NewLive(routes.NewBuilder(nil), nil)
	h := New(Config{Routes: live, Ready: func() bool { return false }})
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultDebugPrefix+"/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDebugPrefixDisabled(t *testing.T) {
	t.Parallel()
	h := New(Config{Routes: routes.NewLive(routes.NewBuilder(nil), nil), DebugPrefix: "-"})
	if h.DebugPrefix() != "" {
		t.Fatalf("expected disabled prefix, got %q", h.DebugPrefix())
	}
	if got := New(Config{DebugPrefix: "ops/"}).DebugPrefix(); got != "/ops" {
		t.Fatalf("expected /ops, got %q", got)
	}
}
