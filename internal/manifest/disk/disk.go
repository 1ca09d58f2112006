// Package disk persists manifest records as one JSON document per source file
// plus the aggregate manifest.json document.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/routed/internal/manifest"
)

// AggregateFile is the name of the aggregate document under the root.
const AggregateFile = "manifest.json"

const unitsDir = "units"

// Store implements manifest.Backend on a local directory.
type Store struct {
	root     string
	unitsDir string
	tmpDir   string
}

// New prepares root for use.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("disk: empty root")
	}
	s := &Store{
		root:     root,
		unitsDir: filepath.Join(root, unitsDir),
		tmpDir:   filepath.Join(root, ".tmp"),
	}
	for _, dir := range []string{s.unitsDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %q: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the directory backing the store.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) unitPath(sourceID string) string {
	return filepath.Join(s.unitsDir, url.PathEscape(sourceID)+".json")
}

// Load reads every unit document and the aggregate version.
func (s *Store) Load(ctx context.Context) (manifest.Document, error) {
	var doc manifest.Document
	data, err := os.ReadFile(filepath.Join(s.root, AggregateFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return manifest.Document{}, fmt.Errorf("disk: decode %s: %w", AggregateFile, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return manifest.Document{}, fmt.Errorf("disk: read %s: %w", AggregateFile, err)
	}
	entries, err := os.ReadDir(s.unitsDir)
	if err != nil {
		return manifest.Document{}, fmt.Errorf("disk: list units: %w", err)
	}
	// Unit documents are authoritative; the aggregate may lag by one batch.
	doc.Entries = doc.Entries[:0]
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return manifest.Document{}, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.unitsDir, entry.Name()))
		if err != nil {
			return manifest.Document{}, fmt.Errorf("disk: read unit %s: %w", entry.Name(), err)
		}
		var rec manifest.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return manifest.Document{}, fmt.Errorf("disk: decode unit %s: %w", entry.Name(), err)
		}
		doc.Entries = append(doc.Entries, rec)
	}
	return doc, nil
}

// Put writes the unit document for rec.
func (s *Store) Put(_ context.Context, rec manifest.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("disk: encode unit %s: %w", rec.SourceID, err)
	}
	return s.writeAtomic(s.unitPath(rec.SourceID), payload)
}

// Delete removes the unit document for sourceID.
func (s *Store) Delete(_ context.Context, sourceID string) error {
	if err := os.Remove(s.unitPath(sourceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove unit %s: %w", sourceID, err)
	}
	return nil
}

// Commit writes the aggregate document.
func (s *Store) Commit(_ context.Context, doc manifest.Document) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("disk: encode %s: %w", AggregateFile, err)
	}
	return s.writeAtomic(filepath.Join(s.root, AggregateFile), append(payload, '\n'))
}

// Close is a no-op; every write is already durable.
func (s *Store) Close() error {
	return nil
}

func (s *Store) writeAtomic(target string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "unit-*")
	if err != nil {
		return fmt.Errorf("disk: create temp file for %q: %w", target, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: write %q: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: sync %q: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: close %q: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename %q: %w", target, err)
	}
	return nil
}
