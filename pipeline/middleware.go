package pipeline

import (
	"net/http"
	"slices"
	"time"
)

// Next hands the request to the rest of the chain. Passing a derived
// request propagates it downstream.
type Next func(r *http.Request) error

// MiddlewareFunc is one step of the chain. It either calls next or writes a
// response and returns without calling it.
type MiddlewareFunc func(w http.ResponseWriter, r *http.Request, g *Global, l *Local, next Next) error

// Middleware is a named chain step.
type Middleware struct {
	Name string
	Fn   MiddlewareFunc
}

// Chain is an ordered, immutable list of middleware.
type Chain struct {
	steps []Middleware
}

// NewChain builds a chain from steps in order.
func NewChain(steps ...Middleware) Chain {
	return Chain{steps: slices.Clone(steps)}
}

// With returns a new chain with one more step at the end.
func (c Chain) With(name string, fn MiddlewareFunc) Chain {
	steps := make([]Middleware, 0, len(c.steps)+1)
	steps = append(steps, c.steps...)
	return Chain{steps: append(steps, Middleware{Name: name, Fn: fn})}
}

// Len returns the number of steps.
func (c Chain) Len() int {
	return len(c.steps)
}

// Names lists the step names in order.
func (c Chain) Names() []string {
	names := make([]string, len(c.steps))
	for i, step := range c.steps {
		names[i] = step.Name
	}
	return names
}

type chainRun struct {
	chain Chain
	w     http.ResponseWriter
	g     *Global
	l     *Local
	now   func() time.Time
	final Next
}

// run executes the chain strictly in order and finally calls final. Step
// durations include the downstream steps.
func (c Chain) run(w http.ResponseWriter, r *http.Request, g *Global, l *Local, now func() time.Time, final Next) error {
	cr := &chainRun{chain: c, w: w, g: g, l: l, now: now, final: final}
	return cr.step(0, r)
}

func (cr *chainRun) step(i int, r *http.Request) error {
	if i >= len(cr.chain.steps) {
		return cr.final(r)
	}
	mw := cr.chain.steps[i]
	called := false
	next := func(nr *http.Request) error {
		if called {
			return ErrNextCalled
		}
		called = true
		if nr == nil {
			nr = r
		}
		return cr.step(i+1, nr)
	}
	start := cr.now()
	err := safeMiddleware(mw.Fn, cr.w, r, cr.g, cr.l, next)
	if cr.l != nil && cr.l.trace != nil {
		cr.l.trace.add(TraceMiddleware, mw.Name, start, cr.now().Sub(start), outcomeOf(err), err)
	}
	return err
}

func safeMiddleware(fn MiddlewareFunc, w http.ResponseWriter, r *http.Request, g *Global, l *Local, next Next) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()
	return fn(w, r, g, l, next)
}
