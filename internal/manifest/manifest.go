// Package manifest keeps one unit descriptor per source file. Readers work on
// immutable snapshots that are swapped atomically, so a reader sees either the
// state before or after a write and never a torn record.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/unit"
)

var (
	// ErrSourceCollision reports that two files map to the same source id.
	ErrSourceCollision = errors.New("manifest: source id already claimed by another file")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("manifest: index closed")
)

// Record is a stored descriptor plus the sequence number of its first upsert.
type Record struct {
	unit.Descriptor
	Seq uint64 `json:"seq,omitempty"`
}

// Document is the aggregate manifest: every live record plus the index
// version and the time of the last change in Unix milliseconds.
type Document struct {
	Version   uint64   `json:"version"`
	Timestamp int64    `json:"timestamp"`
	Entries   []Record `json:"entries"`
}

// Backend persists records. Implementations must leave the previous record in
// place when a write fails.
type Backend interface {
	Load(ctx context.Context) (Document, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, sourceID string) error
	Commit(ctx context.Context, doc Document) error
	Close() error
}

type snapshot struct {
	version uint64
	updated time.Time
	byID    map[string]Record
	ordered []Record
}

// Index is the in-memory, copy-on-write manifest store with an optional
// persistence backend.
type Index struct {
	mu      sync.Mutex
	snap    atomic.Pointer[snapshot]
	backend Backend
	clock   clock.Clock
	logger  pslog.Logger
	seq     uint64
	dirty   bool
	closed  bool
}

// Option configures an Index.
type Option func(*Index)

// WithBackend persists every change through b.
func WithBackend(b Backend) Option {
	return func(ix *Index) {
		ix.backend = b
	}
}

// WithClock overrides the clock used for document timestamps.
func WithClock(c clock.Clock) Option {
	return func(ix *Index) {
		ix.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(ix *Index) {
		ix.logger = l
	}
}

// NewIndex constructs an index and loads any records the backend already holds.
func NewIndex(ctx context.Context, opts ...Option) (*Index, error) {
	ix := &Index{}
	for _, opt := range opts {
		opt(ix)
	}
	ix.clock = clock.Or(ix.clock)
	ix.logger = svcfields.WithSubsystem(ix.logger, "manifest.index")
	snap := &snapshot{byID: map[string]Record{}, updated: ix.clock.Now()}
	if ix.backend != nil {
		doc, err := ix.backend.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("manifest: load: %w", err)
		}
		snap = buildSnapshot(doc.Version, time.UnixMilli(doc.Timestamp).UTC(), doc.Entries)
		for _, rec := range snap.ordered {
			if rec.Seq > ix.seq {
				ix.seq = rec.Seq
			}
		}
		ix.logger.Debug("manifest.load.complete", "entries", len(snap.ordered), "version", snap.version)
	}
	ix.snap.Store(snap)
	return ix, nil
}

func buildSnapshot(version uint64, updated time.Time, records []Record) *snapshot {
	snap := &snapshot{version: version, updated: updated, byID: make(map[string]Record, len(records))}
	for _, rec := range records {
		snap.byID[rec.SourceID] = rec
	}
	snap.ordered = make([]Record, 0, len(snap.byID))
	for _, rec := range snap.byID {
		snap.ordered = append(snap.ordered, rec)
	}
	sort.Slice(snap.ordered, func(i, j int) bool {
		if snap.ordered[i].Seq != snap.ordered[j].Seq {
			return snap.ordered[i].Seq < snap.ordered[j].Seq
		}
		return snap.ordered[i].SourceID < snap.ordered[j].SourceID
	})
	return snap
}

// Upsert stores desc as the latest analysis of its file. The stamp is the
// file modification time, which can move backwards when a file is restored or
// copied with its times preserved, so any differing stamp or content replaces
// the stored record. It reports whether the descriptor changed; a record that
// differs only in its stamp is refreshed and reported as unchanged.
func (ix *Index) Upsert(ctx context.Context, desc unit.Descriptor) (bool, error) {
	if err := desc.Validate(); err != nil {
		return false, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return false, ErrClosed
	}
	cur := ix.snap.Load()
	rec := Record{Descriptor: desc.Clone()}
	if existing, ok := cur.byID[desc.SourceID]; ok {
		if existing.Path != "" && desc.Path != "" && existing.Path != desc.Path {
			return false, fmt.Errorf("%w: %s (%s, %s)", ErrSourceCollision, desc.SourceID, existing.Path, desc.Path)
		}
		if sameRecord(existing.Descriptor, desc) {
			if desc.LastModified == existing.LastModified {
				return false, nil
			}
			rec.Seq = existing.Seq
			if err := ix.store(ctx, cur, rec); err != nil {
				return false, err
			}
			return false, nil
		}
		rec.Seq = existing.Seq
	} else {
		ix.seq++
		rec.Seq = ix.seq
	}
	if err := ix.store(ctx, cur, rec); err != nil {
		return false, err
	}
	return true, nil
}

// store persists rec and publishes it. Callers hold ix.mu.
func (ix *Index) store(ctx context.Context, cur *snapshot, rec Record) error {
	if ix.backend != nil {
		if err := ix.backend.Put(ctx, rec); err != nil {
			return fmt.Errorf("manifest: persist %s: %w", rec.SourceID, err)
		}
	}
	next := cloneRecords(cur)
	next[rec.SourceID] = rec
	ix.publish(cur, next)
	return nil
}

// Remove deletes the record for sourceID. It reports whether one existed.
func (ix *Index) Remove(ctx context.Context, sourceID string) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return false, ErrClosed
	}
	cur := ix.snap.Load()
	if _, ok := cur.byID[sourceID]; !ok {
		return false, nil
	}
	if ix.backend != nil {
		if err := ix.backend.Delete(ctx, sourceID); err != nil {
			return false, fmt.Errorf("manifest: delete %s: %w", sourceID, err)
		}
	}
	next := cloneRecords(cur)
	delete(next, sourceID)
	ix.publish(cur, next)
	return true, nil
}

func (ix *Index) publish(cur *snapshot, next map[string]Record) {
	records := make([]Record, 0, len(next))
	for _, rec := range next {
		records = append(records, rec)
	}
	ix.snap.Store(buildSnapshot(cur.version+1, ix.clock.Now(), records))
	ix.dirty = true
}

func cloneRecords(s *snapshot) map[string]Record {
	out := make(map[string]Record, len(s.byID)+1)
	for k, v := range s.byID {
		out[k] = v
	}
	return out
}

func sameRecord(a, b unit.Descriptor) bool {
	if !a.Equivalent(b) || a.Override != b.Override || a.Index != b.Index {
		return false
	}
	if (a.Respond == nil) != (b.Respond == nil) {
		return false
	}
	if a.Respond == nil {
		return true
	}
	if a.Respond.Status != b.Respond.Status || a.Respond.Body != b.Respond.Body ||
		a.Respond.ContentType != b.Respond.ContentType || len(a.Respond.Headers) != len(b.Respond.Headers) {
		return false
	}
	for k, v := range a.Respond.Headers {
		if b.Respond.Headers[k] != v {
			return false
		}
	}
	return true
}

// Get returns the descriptor stored for sourceID.
func (ix *Index) Get(sourceID string) (unit.Descriptor, bool) {
	rec, ok := ix.snap.Load().byID[sourceID]
	if !ok {
		return unit.Descriptor{}, false
	}
	return rec.Descriptor.Clone(), true
}

// All returns every live descriptor in registration order.
func (ix *Index) All() []unit.Descriptor {
	snap := ix.snap.Load()
	out := make([]unit.Descriptor, len(snap.ordered))
	for i, rec := range snap.ordered {
		out[i] = rec.Descriptor.Clone()
	}
	return out
}

// Version returns the number of changes applied since the index was created
// (continuing from a persisted version).
func (ix *Index) Version() uint64 {
	return ix.snap.Load().version
}

// Len returns the number of live records.
func (ix *Index) Len() int {
	return len(ix.snap.Load().ordered)
}

// Document returns the aggregate manifest for the current snapshot.
func (ix *Index) Document() Document {
	return documentOf(ix.snap.Load())
}

func documentOf(snap *snapshot) Document {
	entries := make([]Record, len(snap.ordered))
	for i, rec := range snap.ordered {
		entries[i] = Record{Descriptor: rec.Descriptor.Clone(), Seq: rec.Seq}
	}
	return Document{Version: snap.version, Timestamp: snap.updated.UnixMilli(), Entries: entries}
}

// Flush commits the aggregate document to the backend when anything changed
// since the previous flush.
func (ix *Index) Flush(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrClosed
	}
	if ix.backend == nil || !ix.dirty {
		return nil
	}
	doc := documentOf(ix.snap.Load())
	if err := ix.backend.Commit(ctx, doc); err != nil {
		return fmt.Errorf("manifest: commit: %w", err)
	}
	ix.dirty = false
	ix.logger.Trace("manifest.commit", "version", doc.Version, "entries", len(doc.Entries))
	return nil
}

// Close flushes pending changes and releases the backend.
func (ix *Index) Close(ctx context.Context) error {
	flushErr := ix.Flush(ctx)
	if errors.Is(flushErr, ErrClosed) {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.closed = true
	if ix.backend == nil {
		return flushErr
	}
	return errors.Join(flushErr, ix.backend.Close())
}
