package routes

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/unit"
	"pkt.systems/routed/pipeline"
)

// Resolver binds a handler descriptor to compiled code.
type Resolver interface {
	Resolve(desc unit.Descriptor) (pipeline.Entry, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(desc unit.Descriptor) (pipeline.Entry, bool)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(desc unit.Descriptor) (pipeline.Entry, bool) {
	return f(desc)
}

// EntryLookup is satisfied by registry.Entries.
type EntryLookup interface {
	Lookup(sourceID, entryRef string) (pipeline.Entry, bool)
}

// NewResolver serves declarative responses directly and looks everything
// else up in entries, which may be nil.
func NewResolver(entries EntryLookup) Resolver {
	return ResolverFunc(func(desc unit.Descriptor) (pipeline.Entry, bool) {
		if desc.Respond != nil && desc.EntryRef == unit.RespondEntry {
			return staticEntry(*desc.Respond), true
		}
		if entries == nil {
			return pipeline.Entry{}, false
		}
		return entries.Lookup(desc.SourceID, desc.EntryRef)
	})
}

// Builder compiles descriptors into tables.
type Builder struct {
	resolver Resolver
	clock    clock.Clock
	logger   pslog.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock sets the clock stamped on built tables.
func WithClock(c clock.Clock) BuilderOption {
	return func(b *Builder) { b.clock = clock.Or(c) }
}

// WithLogger sets the logger for conflicts and skipped units.
func WithLogger(l pslog.Logger) BuilderOption {
	return func(b *Builder) { b.logger = svcfields.WithSubsystem(l, "routes.build") }
}

// NewBuilder returns a builder resolving entries through resolver.
func NewBuilder(resolver Resolver, opts ...BuilderOption) *Builder {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	b := &Builder{resolver: resolver, clock: clock.Real{}, logger: svcfields.Noop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type candidate struct {
	desc   unit.Descriptor
	seq    int
	target pipeline.Entry
}

// precedence orders competing candidates: explicit override first, then
// exact files over index files, then registration order.
func precedence(a, b candidate) int {
	if a.desc.Override != b.desc.Override {
		if a.desc.Override {
			return -1
		}
		return 1
	}
	if a.desc.Index != b.desc.Index {
		if !a.desc.Index {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.seq, b.seq)
}

func conflictReason(kept, dropped candidate) string {
	switch {
	case kept.desc.Override && !dropped.desc.Override:
		return ReasonOverride
	case !kept.desc.Index && dropped.desc.Index:
		return ReasonExact
	default:
		return ReasonFirstRegistered
	}
}

// Build compiles descs, given in registration order, into a table stamped
// with version.
func (b *Builder) Build(version uint64, descs []unit.Descriptor) (*Table, error) {
	t := &Table{version: version, built: b.clock.Now()}
	groups := make(map[string][]candidate)
	var keys []string
	for seq, desc := range descs {
		if desc.Kind == unit.KindModule {
			t.modules = append(t.modules, desc)
			continue
		}
		if err := desc.Validate(); err != nil {
			b.logger.Warn("route.skip.invalid", "source_id", desc.SourceID, "error", err)
			continue
		}
		target, ok := b.resolver.Resolve(desc)
		if !ok || target.Handler == nil {
			t.unresolved = append(t.unresolved, desc.SourceID)
			b.logger.Warn("route.skip.unresolved", "source_id", desc.SourceID, "entry_ref", desc.EntryRef)
			continue
		}
		key := conflictKey(desc.Method, desc.PathPattern)
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], candidate{desc: desc, seq: seq, target: target})
	}

	winners := make([]candidate, 0, len(keys))
	for _, key := range keys {
		group := groups[key]
		slices.SortStableFunc(group, precedence)
		kept := group[0]
		winners = append(winners, kept)
		for _, dropped := range group[1:] {
			conflict := ConflictError{
				Method:  kept.desc.Method,
				Pattern: kept.desc.PathPattern,
				Kept:    kept.desc.SourceID,
				Dropped: dropped.desc.SourceID,
				Reason:  conflictReason(kept, dropped),
			}
			t.conflicts = append(t.conflicts, conflict)
			b.logger.Warn("route.conflict",
				"method", conflict.Method,
				"pattern", conflict.Pattern,
				"kept", conflict.Kept,
				"dropped", conflict.Dropped,
				"reason", conflict.Reason,
			)
		}
	}

	slices.SortStableFunc(winners, func(a, b candidate) int {
		if c := comparePatterns(a.desc.PathPattern, b.desc.PathPattern); c != 0 {
			return c
		}
		if c := cmp.Compare(a.desc.Method, b.desc.Method); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	router := mux.NewRouter()
	t.entries = make([]Entry, len(winners))
	for i, w := range winners {
		t.entries[i] = Entry{
			Method:   w.desc.Method,
			Pattern:  w.desc.PathPattern,
			SourceID: w.desc.SourceID,
			EntryRef: w.desc.EntryRef,
			Priority: i,
			Override: w.desc.Override,
			Index:    w.desc.Index,
			Static:   w.desc.Respond != nil && w.desc.EntryRef == unit.RespondEntry,
			target:   w.target,
		}
		route := router.NewRoute().
			Path(muxTemplate(w.desc.PathPattern)).
			Methods(w.desc.Method).
			Handler(entryHandler(i))
		if err := route.GetError(); err != nil {
			return nil, fmt.Errorf("routes: compile %s %s: %w", w.desc.Method, w.desc.PathPattern, err)
		}
	}
	t.router = router
	return t, nil
}

// staticEntry serves a declarative response.
func staticEntry(resp unit.Response) pipeline.Entry {
	body := []byte(resp.Body)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	return pipeline.Entry{Handler: func(w http.ResponseWriter, r *http.Request, _ *pipeline.Global, _ *pipeline.Local) error {
		h := w.Header()
		for k, v := range resp.Headers {
			h.Set(k, v)
		}
		if resp.ContentType != "" {
			h.Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(status)
		if r.Method == http.MethodHead || len(body) == 0 {
			return nil
		}
		_, err := w.Write(body)
		return err
	}}
}
