// Package registry maps discovered units to compiled entries.
//
// Route metadata is discovered from the source tree at runtime while the
// handler code itself is compiled into the binary. A unit is bound to its
// code by (sourceId, entryRef); declarative units may instead reference an
// entry registered under a plain name.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/routed/pipeline"
)

// ErrDuplicate is returned when a key is registered twice.
var ErrDuplicate = errors.New("registry: entry already registered")

type key struct {
	sourceID string
	entryRef string
}

func (k key) String() string {
	return k.sourceID + "#" + k.entryRef
}

// Entries is safe for concurrent use. Entries may be added while serving;
// they take effect on the next route table build.
type Entries struct {
	mu    sync.RWMutex
	exact map[key]pipeline.Entry
	named map[string]pipeline.Entry
}

// New returns an empty registry.
func New() *Entries {
	return &Entries{
		exact: make(map[key]pipeline.Entry),
		named: make(map[string]pipeline.Entry),
	}
}

// Register binds entry to the unit sourceID and its entry point entryRef.
func (e *Entries) Register(sourceID, entryRef string, entry pipeline.Entry) error {
	if sourceID == "" || entryRef == "" {
		return errors.New("registry: source id and entry ref are required")
	}
	if entry.Handler == nil {
		return fmt.Errorf("registry: %s#%s has no handler", sourceID, entryRef)
	}
	k := key{sourceID: sourceID, entryRef: entryRef}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.exact[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, k)
	}
	e.exact[k] = entry
	return nil
}

// Handle registers a bare handler for sourceID and entryRef.
func (e *Entries) Handle(sourceID, entryRef string, fn pipeline.HandlerFunc) error {
	return e.Register(sourceID, entryRef, pipeline.Entry{Handler: fn})
}

// RegisterNamed binds entry to a name any unit can reference as entryRef.
func (e *Entries) RegisterNamed(name string, entry pipeline.Entry) error {
	if name == "" {
		return errors.New("registry: name is required")
	}
	if entry.Handler == nil {
		return fmt.Errorf("registry: %s has no handler", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.named[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	e.named[name] = entry
	return nil
}

// Lookup resolves a unit. Exact registrations win over named ones.
func (e *Entries) Lookup(sourceID, entryRef string) (pipeline.Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if entry, ok := e.exact[key{sourceID: sourceID, entryRef: entryRef}]; ok {
		return entry, true
	}
	entry, ok := e.named[entryRef]
	return entry, ok
}

// Len returns the number of registrations.
func (e *Entries) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.exact) + len(e.named)
}

// Keys lists registrations as sourceId#entryRef followed by bare names,
// sorted.
func (e *Entries) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.exact)+len(e.named))
	for k := range e.exact {
		keys = append(keys, k.String())
	}
	for name := range e.named {
		keys = append(keys, name)
	}
	slices.Sort(keys)
	return keys
}
