package clock

import "time"

// Clock abstracts the time source used by the watcher debounce, handler
// timeouts and trace retention so tests can drive them deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since mirrors time.Since.
func (Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// Or returns c when non-nil, otherwise Real.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
