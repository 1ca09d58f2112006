package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/routed/internal/clock"
)

func TestHooksRegisterValidates(t *testing.T) {
	t.Parallel()
	h := NewHooks()
	noop := func(context.Context, *Local, error) error { return nil }
	require.Error(t, h.Register(Registration{Type: HookBefore, Fn: noop}))
	require.Error(t, h.Register(Registration{ID: "x", Type: HookBefore}))
	require.Error(t, h.Register(Registration{ID: "x", Type: "during", Fn: noop}))
	require.Error(t, h.Register(Registration{ID: "x", Type: HookAfter, Scope: ScopeRoute, Fn: noop}))
	require.Error(t, h.Register(Registration{ID: "x", Type: HookAfter, Scope: ScopeLocal, Fn: noop}))
	require.NoError(t, h.Register(Registration{ID: "x", Type: HookAfter, Fn: noop}))
}

func TestHookRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	h := NewHooks()
	require.NoError(t, h.Register(Registration{ID: "flaky", Type: HookAfter, Retries: 3, Fn: func(context.Context, *Local, error) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}}))
	outs := h.Run(context.Background(), HookAfter, nil, nil)
	require.Len(t, outs, 1)
	assert.NoError(t, outs.Err())
	assert.Equal(t, 3, outs[0].Attempts)
	assert.Equal(t, ScopeGlobal, outs[0].Scope)
}

func TestHookRetriesExhausted(t *testing.T) {
	t.Parallel()
	h := NewHooks()
	require.NoError(t, h.Register(Registration{ID: "broken", Type: HookCatch, Retries: 1, Fn: func(context.Context, *Local, error) error {
		return errors.New("always")
	}}))
	outs := h.Run(context.Background(), HookCatch, nil, errors.New("primary"))
	require.Equal(t, 1, outs.Failed())
	var hookErr *HookError
	require.ErrorAs(t, outs.Err(), &hookErr)
	assert.Equal(t, 2, hookErr.Attempts)
	assert.Equal(t, "broken", hookErr.HookID)
}

func TestHookTimeout(t *testing.T) {
	t.Parallel()
	var cancelled atomic.Bool
	h := NewHooks()
	require.NoError(t, h.Register(Registration{ID: "stuck", Type: HookCleanup, Timeout: 20 * time.Millisecond, Fn: func(ctx context.Context, _ *Local, _ error) error {
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}}))
	require.NoError(t, h.Register(Registration{ID: "after-stuck", Type: HookCleanup, Fn: func(context.Context, *Local, error) error {
		return nil
	}}))
	start := time.Now()
	outs := h.Run(context.Background(), HookCleanup, nil, nil)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, outs, 2)
	require.ErrorIs(t, outs[0].Err, ErrHookTimeout)
	assert.NoError(t, outs[1].Err)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestCleanupHooksReceivePrimaryError(t *testing.T) {
	t.Parallel()
	primary := errors.New("primary failure")
	var got atomic.Value
	h := NewHooks()
	require.NoError(t, h.Register(Registration{ID: "inspect", Type: HookCleanup, Fn: func(_ context.Context, _ *Local, cause error) error {
		got.Store(cause)
		return nil
	}}))
	h.Run(context.Background(), HookCleanup, nil, primary)
	require.Same(t, primary, got.Load())
}

func TestLocalHooksAreRequestScoped(t *testing.T) {
	t.Parallel()
	h := NewHooks()
	g := NewGlobal(nil, Settings{}, h)
	var a, b atomic.Int32
	la := NewLocal(g, LocalOptions{RequestID: "a"})
	lb := NewLocal(g, LocalOptions{RequestID: "b"})
	require.NoError(t, la.OnCleanup("count-a", func(context.Context, *Local, error) error {
		a.Add(1)
		return nil
	}))
	require.NoError(t, lb.OnCleanup("count-b", func(context.Context, *Local, error) error {
		b.Add(1)
		return nil
	}))
	h.Run(context.Background(), HookCleanup, la, nil)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(0), b.Load())
}

type countingClock struct {
	clock.Real
	reads atomic.Int32
}

func (c *countingClock) Now() time.Time {
	c.reads.Add(1)
	return c.Real.Now()
}

func (c *countingClock) Since(t time.Time) time.Duration {
	c.reads.Add(1)
	return c.Real.Since(t)
}

func TestHookTimingOnlyWhenTraced(t *testing.T) {
	t.Parallel()
	clk := &countingClock{}
	h := NewHooks(WithHooksClock(clk))
	require.NoError(t, h.Register(Registration{ID: "noop", Type: HookAfter, Fn: func(context.Context, *Local, error) error {
		return nil
	}}))

	plain := NewLocal(nil, LocalOptions{RequestID: "plain"})
	outs := h.Run(context.Background(), HookAfter, plain, nil)
	require.Len(t, outs, 1)
	assert.Zero(t, clk.reads.Load(), "untraced hooks must not read the clock")
	assert.True(t, outs[0].Started.IsZero())

	traced := NewLocal(nil, LocalOptions{RequestID: "traced", Trace: true})
	outs = h.Run(context.Background(), HookAfter, traced, nil)
	require.Len(t, outs, 1)
	assert.Positive(t, clk.reads.Load())
	assert.False(t, outs[0].Started.IsZero())
}
