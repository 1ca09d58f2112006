package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/routed/internal/clock"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) hook(name string) HookFunc {
	return func(context.Context, *Local, error) error {
		r.add("%s", name)
		return nil
	}
}

func serve(e *Executor, route Route, id string) (*httptest.ResponseRecorder, Result) {
	req := httptest.NewRequest(http.MethodGet, "/users/7", nil)
	rec := httptest.NewRecorder()
	res := e.Serve(rec, req, route, Request{RequestID: id})
	return rec, res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func okHandler(body string) HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request, _ *Global, _ *Local) error {
		w.Header().Set("Content-Type", "text/plain")
		_, err := w.Write([]byte(body))
		return err
	}
}

func TestServeRunsHooksInScopeOrder(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	hooks := NewHooks()
	for _, typ := range []HookType{HookBefore, HookAfter, HookCleanup} {
		require.NoError(t, hooks.Register(Registration{ID: "g-" + string(typ), Type: typ, Fn: rec.hook("global." + string(typ))}))
		require.NoError(t, hooks.Register(Registration{ID: "r-" + string(typ), Type: typ, Scope: ScopeRoute, Route: "users/[id]", Fn: rec.hook("route-registered." + string(typ))}))
	}
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})
	route := Route{
		Method:   http.MethodGet,
		Pattern:  "/users/:id",
		SourceID: "users/[id]",
		Params:   map[string]string{"id": "7"},
		Entry: Entry{
			Hooks: []Registration{
				{ID: "entry-before", Type: HookBefore, Fn: rec.hook("route-entry.before")},
				{ID: "entry-cleanup", Type: HookCleanup, Fn: rec.hook("route-entry.cleanup")},
			},
			Handler: func(w http.ResponseWriter, r *http.Request, g *Global, l *Local) error {
				rec.add("handler %s", l.Param("id"))
				require.NoError(t, l.Hooks().Register(HookAfter, "local-after", rec.hook("local.after")))
				require.NoError(t, l.OnCleanup("local-cleanup", rec.hook("local.cleanup")))
				_, err := w.Write([]byte("ok"))
				return err
			},
		},
	}

	resp, res := serve(e, route, "req-1")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "ok", resp.Body.String())
	require.NoError(t, res.Err)
	assert.Equal(t, PhaseCompleted, res.Local.Phase())
	assert.Equal(t, []string{
		"global.before",
		"route-registered.before",
		"route-entry.before",
		"handler 7",
		"global.after",
		"route-registered.after",
		"local.after",
		"global.cleanup",
		"route-registered.cleanup",
		"route-entry.cleanup",
		"local.cleanup",
	}, rec.list())
}

func TestHandlerErrorIsNotLeaked(t *testing.T) {
	t.Parallel()
	var caught atomic.Value
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "catch", Type: HookCatch, Fn: func(_ context.Context, _ *Local, cause error) error {
		caught.Store(cause)
		return nil
	}}))
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})
	route := Route{Entry: Entry{Handler: func(w http.ResponseWriter, _ *http.Request, _ *Global, _ *Local) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("boom")
	}}}

	resp, res := serve(e, route, "req-boom")
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "boom")
	assert.NotContains(t, resp.Body.String(), "partial")
	body := decodeError(t, resp)
	assert.Equal(t, "internal_error", body.ErrorCode)
	assert.Equal(t, "internal server error", body.Detail)
	assert.Equal(t, "req-boom", body.RequestID)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))
	require.EqualError(t, res.Err, "boom")
	require.EqualError(t, caught.Load().(error), "boom")
}

func TestHandlerErrorStatusAndPublicDetail(t *testing.T) {
	t.Parallel()
	e := NewExecutor(Config{})
	notFound := Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		return WithStatus(errors.New("row 7 missing in users table"), http.StatusNotFound)
	}}}
	resp, _ := serve(e, notFound, "a")
	require.Equal(t, http.StatusNotFound, resp.Code)
	body := decodeError(t, resp)
	assert.Equal(t, "not_found", body.ErrorCode)
	assert.Equal(t, "not found", body.Detail)
	assert.NotContains(t, resp.Body.String(), "users table")

	invalid := Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		return &HandlerError{Status: http.StatusUnprocessableEntity, Code: "invalid_name", Detail: "name is required", Err: errors.New("validate: empty name")}
	}}}
	resp, _ = serve(e, invalid, "b")
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	body = decodeError(t, resp)
	assert.Equal(t, "invalid_name", body.ErrorCode)
	assert.Equal(t, "name is required", body.Detail)
}

func TestHandlerTimeoutReturnsPromptly(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var sawCancel atomic.Bool
	e := NewExecutor(Config{Timeout: 100 * time.Millisecond})
	route := Route{Pattern: "/slow", Entry: Entry{Handler: func(w http.ResponseWriter, r *http.Request, _ *Global, _ *Local) error {
		select {
		case <-r.Context().Done():
			sawCancel.Store(true)
		case <-time.After(5 * time.Second):
		}
		<-release
		_, err := w.Write([]byte("late"))
		return err
	}}}

	start := time.Now()
	resp, res := serve(e, route, "req-slow")
	elapsed := time.Since(start)

	require.Equal(t, http.StatusGatewayTimeout, resp.Code)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	assert.Equal(t, 100*time.Millisecond, timeout.Timeout)
	body := decodeError(t, resp)
	assert.Equal(t, "handler_timeout", body.ErrorCode)
	assert.NotContains(t, resp.Body.String(), "late")
	assert.Equal(t, int64(1), e.Abandoned())
	require.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return e.Abandoned() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, resp.Body.String(), "late")
}

func TestHandlerTimeoutWithManualClock(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	e := NewExecutor(Config{Clock: clk, Timeout: time.Second})
	entered := make(chan struct{})
	route := Route{Entry: Entry{Timeout: 100 * time.Millisecond, Handler: func(_ http.ResponseWriter, r *http.Request, _ *Global, _ *Local) error {
		close(entered)
		<-r.Context().Done()
		return r.Context().Err()
	}}}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		resp, _ := serve(e, route, "manual")
		done <- resp
	}()
	<-entered
	require.True(t, clk.WaitForTimers(1, time.Second))
	clk.Advance(99 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("request finished before its timeout")
	case <-time.After(20 * time.Millisecond):
	}
	clk.Advance(time.Millisecond)
	select {
	case resp := <-done:
		require.Equal(t, http.StatusGatewayTimeout, resp.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestFailingCleanupHookDoesNotStopSiblingsOrChangeResponse(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "first", Type: HookCleanup, Fn: rec.hook("first")}))
	require.NoError(t, hooks.Register(Registration{ID: "fails", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
		rec.add("fails")
		return errors.New("cleanup exploded")
	}}))
	require.NoError(t, hooks.Register(Registration{ID: "panics", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
		rec.add("panics")
		panic("cleanup panic")
	}}))
	require.NoError(t, hooks.Register(Registration{ID: "last", Type: HookCleanup, Fn: rec.hook("last")}))
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})

	resp, res := serve(e, Route{Entry: Entry{Handler: okHandler("fine")}}, "req-cleanup")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "fine", resp.Body.String())
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"first", "fails", "panics", "last"}, rec.list())
}

func TestCleanupRunsExactlyOnceOnEveryPath(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		handler HandlerFunc
		before  HookFunc
		status  int
	}{
		"success": {handler: okHandler("ok"), status: http.StatusOK},
		"error": {handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
			return errors.New("nope")
		}, status: http.StatusInternalServerError},
		"panic": {handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
			panic("kaboom")
		}, status: http.StatusInternalServerError},
		"timeout": {handler: func(_ http.ResponseWriter, r *http.Request, _ *Global, _ *Local) error {
			<-r.Context().Done()
			return nil
		}, status: http.StatusGatewayTimeout},
		"before hook": {handler: okHandler("unreachable"), before: func(context.Context, *Local, error) error {
			return WithStatus(errors.New("no token"), http.StatusUnauthorized)
		}, status: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			var cleanups atomic.Int32
			hooks := NewHooks()
			require.NoError(t, hooks.Register(Registration{ID: "count", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
				cleanups.Add(1)
				return nil
			}}))
			if tc.before != nil {
				require.NoError(t, hooks.Register(Registration{ID: "auth", Type: HookBefore, Fn: tc.before}))
			}
			e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks), Timeout: 20 * time.Millisecond})
			resp, res := serve(e, Route{Entry: Entry{Handler: tc.handler}}, "req-"+name)
			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, int32(1), cleanups.Load())
			assert.Equal(t, PhaseCompleted, res.Local.Phase())
		})
	}
}

func TestBeforeHookFailureSkipsHandler(t *testing.T) {
	t.Parallel()
	var called atomic.Bool
	var catchCause atomic.Value
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "auth", Type: HookBefore, Fn: func(context.Context, *Local, error) error {
		return WithStatus(errors.New("token expired at 12:00"), http.StatusUnauthorized)
	}}))
	require.NoError(t, hooks.Register(Registration{ID: "catch", Type: HookCatch, Fn: func(_ context.Context, _ *Local, cause error) error {
		catchCause.Store(cause)
		return nil
	}}))
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})
	resp, res := serve(e, Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		called.Store(true)
		return nil
	}}}, "req-auth")

	require.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.False(t, called.Load())
	assert.NotContains(t, resp.Body.String(), "token expired")
	var hookErr *HookError
	require.ErrorAs(t, res.Err, &hookErr)
	assert.Equal(t, "auth", hookErr.HookID)
	require.NotNil(t, catchCause.Load())
}

func TestAfterHookFailureKeepsResponse(t *testing.T) {
	t.Parallel()
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "audit", Type: HookAfter, Fn: func(context.Context, *Local, error) error {
		return errors.New("audit sink down")
	}}))
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})
	resp, res := serve(e, Route{Entry: Entry{Handler: func(w http.ResponseWriter, _ *http.Request, _ *Global, _ *Local) error {
		w.WriteHeader(http.StatusCreated)
		return nil
	}}}, "req-after")
	require.Equal(t, http.StatusCreated, resp.Code)
	require.NoError(t, res.Err)
}

func TestPanicIsRecoveredWithStack(t *testing.T) {
	t.Parallel()
	var caught atomic.Value
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "catch", Type: HookCatch, Fn: func(_ context.Context, _ *Local, cause error) error {
		caught.Store(cause)
		return nil
	}}))
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks)})
	resp, _ := serve(e, Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		panic("kaboom")
	}}}, "req-panic")

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "kaboom")
	var he *HandlerError
	require.ErrorAs(t, caught.Load().(error), &he)
	assert.Contains(t, he.Error(), "kaboom")
	assert.NotEmpty(t, he.Stack)
}

func TestMiddlewareOrderAndShortCircuit(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	var handled atomic.Bool
	chain := NewChain().
		With("outer", func(w http.ResponseWriter, r *http.Request, _ *Global, _ *Local, next Next) error {
			rec.add("outer in")
			w.Header().Set("X-Outer", "1")
			err := next(r)
			rec.add("outer out")
			return err
		}).
		With("guard", func(w http.ResponseWriter, r *http.Request, _ *Global, l *Local, next Next) error {
			rec.add("guard")
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusForbidden)
				_, err := w.Write([]byte("forbidden"))
				return err
			}
			return next(r)
		})
	require.Equal(t, []string{"outer", "guard"}, chain.Names())
	e := NewExecutor(Config{Chain: chain})
	resp, res := serve(e, Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		handled.Store(true)
		return nil
	}}}, "req-mw")

	require.NoError(t, res.Err)
	require.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "forbidden", resp.Body.String())
	assert.Equal(t, "1", resp.Header().Get("X-Outer"))
	assert.False(t, handled.Load())
	assert.Equal(t, []string{"outer in", "guard", "outer out"}, rec.list())
}

func TestMiddlewareErrorIsHandledLikeHandlerError(t *testing.T) {
	t.Parallel()
	var cleanups atomic.Int32
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "cleanup", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
		cleanups.Add(1)
		return nil
	}}))
	chain := NewChain(Middleware{Name: "ratelimit", Fn: func(http.ResponseWriter, *http.Request, *Global, *Local, Next) error {
		return WithStatus(errors.New("bucket empty for 10.0.0.1"), http.StatusTooManyRequests)
	}})
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks), Chain: chain})
	resp, _ := serve(e, Route{Entry: Entry{Handler: okHandler("x")}}, "req-rl")
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.NotContains(t, resp.Body.String(), "10.0.0.1")
	assert.Equal(t, int32(1), cleanups.Load())
}

func TestMiddlewareCannotCallNextTwice(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	chain := NewChain(Middleware{Name: "double", Fn: func(_ http.ResponseWriter, r *http.Request, _ *Global, _ *Local, next Next) error {
		if err := next(r); err != nil {
			return err
		}
		return next(r)
	}})
	e := NewExecutor(Config{Chain: chain})
	_, res := serve(e, Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		calls.Add(1)
		return nil
	}}}, "req-double")
	require.ErrorIs(t, res.Err, ErrNextCalled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalStateIsIsolatedBetweenRequests(t *testing.T) {
	t.Parallel()
	e := NewExecutor(Config{})
	route := Route{Entry: Entry{Handler: func(w http.ResponseWriter, _ *http.Request, _ *Global, l *Local) error {
		l.Set("owner", l.RequestID())
		time.Sleep(time.Millisecond)
		v, _ := l.Get("owner")
		_, err := w.Write([]byte(v.(string)))
		return err
	}}}
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("req-%02d", i)
			resp, res := serve(e, route, id)
			assert.Equal(t, id, resp.Body.String())
			assert.Same(t, e.Global(), res.Local.Global())
		}()
	}
	wg.Wait()
}

func TestLocalHookRegistrationAfterPhaseFails(t *testing.T) {
	t.Parallel()
	var regErr atomic.Value
	e := NewExecutor(Config{})
	serve(e, Route{Entry: Entry{Handler: func(_ http.ResponseWriter, _ *http.Request, _ *Global, l *Local) error {
		regErr.Store(l.Hooks().Register(HookBefore, "late", func(context.Context, *Local, error) error { return nil }))
		return nil
	}}}, "req-late")
	require.ErrorIs(t, regErr.Load().(error), ErrHookPhasePassed)
}

func TestTracingRecordsEveryStep(t *testing.T) {
	t.Parallel()
	hooks := NewHooks()
	require.NoError(t, hooks.Register(Registration{ID: "before-ok", Type: HookBefore, Fn: func(context.Context, *Local, error) error { return nil }}))
	require.NoError(t, hooks.Register(Registration{ID: "cleanup-bad", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
		return errors.New("nope")
	}}))
	chain := NewChain(Middleware{Name: "pass", Fn: func(_ http.ResponseWriter, r *http.Request, _ *Global, _ *Local, next Next) error {
		return next(r)
	}})
	e := NewExecutor(Config{Global: NewGlobal(nil, Settings{}, hooks), Chain: chain, Tracing: true})
	require.NotNil(t, e.Traces())
	_, res := serve(e, Route{Method: "GET", Pattern: "/t", EntryRef: "GET", Entry: Entry{Handler: okHandler("t")}}, "req-trace")
	require.NotNil(t, res.Local.Trace())

	view, ok := e.Traces().Get("req-trace")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, view.Status)
	assert.Equal(t, OutcomeOK, view.Outcome)
	kinds := make([]string, 0, len(view.Records))
	for _, rec := range view.Records {
		kinds = append(kinds, rec.Kind+":"+rec.ID+":"+rec.Outcome)
	}
	assert.Equal(t, []string{
		"hook.before:before-ok:ok",
		"handler:GET:ok",
		"middleware:pass:ok",
		"hook.cleanup:cleanup-bad:error",
	}, kinds)
}

func TestTracingOffKeepsNoTraces(t *testing.T) {
	t.Parallel()
	e := NewExecutor(Config{})
	_, res := serve(e, Route{Entry: Entry{Handler: okHandler("x")}}, "req-untraced")
	assert.Nil(t, res.Local.Trace())
	assert.Nil(t, e.Traces())
}

func TestWaitDrainsInFlightRequests(t *testing.T) {
	t.Parallel()
	e := NewExecutor(Config{})
	release := make(chan struct{})
	entered := make(chan struct{})
	go serve(e, Route{Entry: Entry{Handler: func(http.ResponseWriter, *http.Request, *Global, *Local) error {
		close(entered)
		<-release
		return nil
	}}}, "req-drain")
	<-entered
	require.Equal(t, 1, e.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, e.Wait(context.Background()))
	assert.Equal(t, 0, e.InFlight())
}

func TestClientDisconnectCancelsHandler(t *testing.T) {
	t.Parallel()
	e := NewExecutor(Config{Timeout: time.Minute})
	entered := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan Result, 1)
	go func() {
		done <- e.Serve(rec, req, Route{Entry: Entry{Handler: func(_ http.ResponseWriter, r *http.Request, _ *Global, _ *Local) error {
			close(entered)
			<-r.Context().Done()
			return r.Context().Err()
		}}}, Request{RequestID: "gone"})
	}()
	<-entered
	cancel()
	res := <-done
	assert.Equal(t, 499, res.Status)
	assert.True(t, strings.Contains(rec.Body.String(), "client_closed_request"))
}
