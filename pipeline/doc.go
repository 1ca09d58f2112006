// Package pipeline executes requests against resolved routes.
//
// Every request walks a forward-only state machine:
//
//	received → middleware → context-built → before-hooks → executing
//	        → (after-hooks | catch-hooks) → cleanup-hooks → completed
//
// Handlers, middleware and hooks receive the request, the response, the
// process-wide Global context and the per-request Local context as explicit
// parameters. Nothing is propagated through ambient state.
//
// Handler timeouts are cooperative. When the timer wins the race the request
// context is cancelled, the response the handler was building is detached and
// a timeout response is sent, but the handler goroutine keeps running until it
// returns on its own. Handlers that block without watching r.Context() keep
// consuming resources after their deadline; Executor.Abandoned reports how
// many are still running.
//
// Handler output is buffered until the outcome is known so that late writes
// from a timed-out handler never reach the client and cleanup hooks can never
// change a response that was already decided.
package pipeline
