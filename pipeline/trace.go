package pipeline

import (
	"errors"
	"sync"
	"time"

	"pkt.systems/routed/internal/clock"
)

// Trace record kinds.
const (
	TraceMiddleware = "middleware"
	TraceHandler    = "handler"
)

// Trace outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

func traceHookKind(t HookType) string {
	return "hook." + string(t)
}

func outcomeOf(err error) string {
	var timeout *TimeoutError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &timeout), errors.Is(err, ErrHookTimeout):
		return OutcomeTimeout
	default:
		return OutcomeError
	}
}

// TraceRecord is one timed step of a request.
type TraceRecord struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	Start      time.Time `json:"start"`
	DurationMS float64   `json:"durationMs"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// TraceView is an immutable copy of a finished trace.
type TraceView struct {
	RequestID  string        `json:"requestId"`
	TraceID    string        `json:"traceId"`
	Method     string        `json:"method"`
	Pattern    string        `json:"pathPattern"`
	SourceID   string        `json:"sourceId"`
	Status     int           `json:"status"`
	Outcome    string        `json:"outcome"`
	Started    time.Time     `json:"started"`
	DurationMS float64       `json:"durationMs"`
	Records    []TraceRecord `json:"records"`
}

// Trace accumulates the steps of one request. Records may be appended
// concurrently by an abandoned handler and the pipeline.
type Trace struct {
	mu      sync.Mutex
	view    TraceView
	started time.Time
}

func newTrace(l *Local, started time.Time) *Trace {
	return &Trace{
		started: started,
		view: TraceView{
			RequestID: l.requestID,
			TraceID:   l.traceID,
			Method:    l.route.Method,
			Pattern:   l.route.Pattern,
			SourceID:  l.route.SourceID,
			Started:   started,
		},
	}
}

func (t *Trace) add(kind, id string, start time.Time, d time.Duration, outcome string, err error) {
	rec := TraceRecord{Kind: kind, ID: id, Start: start, DurationMS: millis(d), Outcome: outcome}
	if err != nil {
		rec.Error = err.Error()
	}
	t.mu.Lock()
	t.view.Records = append(t.view.Records, rec)
	t.mu.Unlock()
}

func (t *Trace) finish(status int, outcome string, end time.Time) TraceView {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.view.Status = status
	t.view.Outcome = outcome
	t.view.DurationMS = millis(end.Sub(t.started))
	return t.snapshotLocked()
}

// Snapshot copies the trace as recorded so far.
func (t *Trace) Snapshot() TraceView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Trace) snapshotLocked() TraceView {
	v := t.view
	v.Records = append([]TraceRecord(nil), t.view.Records...)
	return v
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Default trace retention.
const (
	DefaultTraceRetention  = 5 * time.Minute
	DefaultTraceMaxEntries = 1024
)

type storedTrace struct {
	view TraceView
	at   time.Time
}

// TraceStore retains finished traces for a bounded window and count.
type TraceStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	max       int
	byID      map[string]storedTrace
	order     []string
}

// NewTraceStore returns a store. Zero values select the defaults.
func NewTraceStore(retention time.Duration, maxEntries int, clk clock.Clock) *TraceStore {
	if retention <= 0 {
		retention = DefaultTraceRetention
	}
	if maxEntries <= 0 {
		maxEntries = DefaultTraceMaxEntries
	}
	return &TraceStore{
		clock:     clock.Or(clk),
		retention: retention,
		max:       maxEntries,
		byID:      make(map[string]storedTrace),
	}
}

// Put stores a finished trace.
func (s *TraceStore) Put(v TraceView) {
	if s == nil || v.RequestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if _, exists := s.byID[v.RequestID]; !exists {
		s.order = append(s.order, v.RequestID)
	}
	s.byID[v.RequestID] = storedTrace{view: v, at: now}
	s.pruneLocked(now)
}

// Get returns the trace for requestID while it is retained.
func (s *TraceStore) Get(requestID string) (TraceView, bool) {
	if s == nil {
		return TraceView{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	st, ok := s.byID[requestID]
	if !ok {
		return TraceView{}, false
	}
	return st.view, true
}

// Len returns the number of retained traces.
func (s *TraceStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.clock.Now())
	return len(s.byID)
}

// pruneLocked drops traces from the front of the insertion order. Entries
// are stored in time order so the oldest are always first.
func (s *TraceStore) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(s.order) {
		id := s.order[drop]
		st := s.byID[id]
		if len(s.order)-drop <= s.max && now.Sub(st.at) < s.retention {
			break
		}
		delete(s.byID, id)
		drop++
	}
	if drop > 0 {
		s.order = append(s.order[:0], s.order[drop:]...)
	}
}
