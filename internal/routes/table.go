// Package routes compiles unit descriptors into immutable route tables and
// publishes them atomically.
package routes

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pkt.systems/routed/internal/unit"
	"pkt.systems/routed/pipeline"
)

var (
	// ErrNotFound is returned when no route matches the request path.
	ErrNotFound = errors.New("routes: not found")
	// ErrMethodNotAllowed is returned when the path matches but the method
	// does not.
	ErrMethodNotAllowed = errors.New("routes: method not allowed")
)

// Entry is one compiled route.
type Entry struct {
	Method   string `json:"method"`
	Pattern  string `json:"pathPattern"`
	SourceID string `json:"sourceId"`
	EntryRef string `json:"entryRef"`
	Priority int    `json:"priority"`
	Override bool   `json:"override,omitempty"`
	Index    bool   `json:"index,omitempty"`
	Static   bool   `json:"static,omitempty"`

	target pipeline.Entry
}

// ConflictError records two handlers competing for the same method and
// pattern. Only Kept is routed.
type ConflictError struct {
	Method  string `json:"method"`
	Pattern string `json:"pathPattern"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
	Reason  string `json:"reason"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route conflict on %s %s: kept %s, dropped %s (%s)", e.Method, e.Pattern, e.Kept, e.Dropped, e.Reason)
}

// Conflict reasons.
const (
	ReasonOverride        = "explicit override"
	ReasonExact           = "exact file over index"
	ReasonFirstRegistered = "first registered"
)

// Table is an immutable route table snapshot.
type Table struct {
	version    uint64
	built      time.Time
	entries    []Entry
	conflicts  []ConflictError
	modules    []unit.Descriptor
	unresolved []string
	router     *mux.Router
}

// entryHandler marks which entry a mux route belongs to.
type entryHandler int

func (entryHandler) ServeHTTP(http.ResponseWriter, *http.Request) {}

// Version returns the monotonic table version.
func (t *Table) Version() uint64 { return t.version }

// Built returns when the table was built.
func (t *Table) Built() time.Time { return t.built }

// Len returns the number of routed entries.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the routed entries in match order.
func (t *Table) Entries() []Entry { return slices.Clone(t.entries) }

// Conflicts returns the conflicts detected while building.
func (t *Table) Conflicts() []ConflictError { return slices.Clone(t.conflicts) }

// Modules returns the module units seen while building.
func (t *Table) Modules() []unit.Descriptor { return slices.Clone(t.modules) }

// Unresolved lists source ids skipped because no entry was registered.
func (t *Table) Unresolved() []string { return slices.Clone(t.unresolved) }

// Match is the result of a successful lookup.
type Match struct {
	Entry   Entry
	Params  map[string]string
	Version uint64
}

// Route converts the match into the executor's route description.
func (m Match) Route() pipeline.Route {
	return pipeline.Route{
		Method:   m.Entry.Method,
		Pattern:  m.Entry.Pattern,
		SourceID: m.Entry.SourceID,
		EntryRef: m.Entry.EntryRef,
		Version:  m.Version,
		Params:   m.Params,
		Entry:    m.Entry.target,
	}
}

// Lookup matches r against the table. HEAD requests fall back to GET routes.
func (t *Table) Lookup(r *http.Request) (Match, error) {
	if t == nil || t.router == nil {
		return Match{}, ErrNotFound
	}
	m, err := t.match(r)
	if err != nil && r.Method == http.MethodHead {
		get := *r
		get.Method = http.MethodGet
		if gm, gerr := t.match(&get); gerr == nil {
			return gm, nil
		}
	}
	return m, err
}

func (t *Table) match(r *http.Request) (Match, error) {
	var rm mux.RouteMatch
	if !t.router.Match(r, &rm) || rm.MatchErr != nil {
		if errors.Is(rm.MatchErr, mux.ErrMethodMismatch) {
			return Match{}, ErrMethodNotAllowed
		}
		return Match{}, ErrNotFound
	}
	idx, ok := rm.Handler.(entryHandler)
	if !ok || int(idx) >= len(t.entries) {
		return Match{}, ErrNotFound
	}
	params := rm.Vars
	if params == nil {
		params = map[string]string{}
	}
	return Match{Entry: t.entries[idx], Params: params, Version: t.version}, nil
}

// muxTemplate rewrites ":id" and "*rest" segments into mux variables.
func muxTemplate(pattern string) string {
	if pattern == "/" {
		return pattern
	}
	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			segments[i] = "{" + seg[1:] + "}"
		case strings.HasPrefix(seg, "*"):
			segments[i] = "{" + seg[1:] + ":.*}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

// conflictKey erases parameter names so /users/:id and /users/:name collide.
func conflictKey(method, pattern string) string {
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		switch {
		case strings.HasPrefix(seg, ":"):
			segments[i] = ":"
		case strings.HasPrefix(seg, "*"):
			segments[i] = "*"
		}
	}
	return method + " " + strings.Join(segments, "/")
}

func segmentRank(seg string) int {
	switch {
	case strings.HasPrefix(seg, "*"):
		return 2
	case strings.HasPrefix(seg, ":"):
		return 1
	default:
		return 0
	}
}

// comparePatterns orders static before parameter before catch-all, segment
// by segment.
func comparePatterns(a, b string) int {
	as := strings.Split(strings.Trim(a, "/"), "/")
	bs := strings.Split(strings.Trim(b, "/"), "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ra, rb := segmentRank(as[i]), segmentRank(bs[i])
		if ra != rb {
			return ra - rb
		}
		if ra == 0 && as[i] != bs[i] {
			return strings.Compare(as[i], bs[i])
		}
	}
	if len(as) != len(bs) {
		return len(bs) - len(as)
	}
	return 0
}
