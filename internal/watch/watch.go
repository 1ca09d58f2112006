// Package watch keeps the manifest in sync with the source tree.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"pkt.systems/routed/internal/clock"
	"pkt.systems/routed/internal/manifest"
	"pkt.systems/routed/internal/svcfields"
	"pkt.systems/routed/internal/unit"
)

// DefaultDebounce is the quiet window that closes a batch.
const DefaultDebounce = 150 * time.Millisecond

// Batch summarizes one pass over changed paths.
type Batch struct {
	Upserted  []string
	Removed   []string
	Unchanged int
	Errors    []error
	Started   time.Time
	Finished  time.Time
}

// Changed reports whether the manifest changed.
func (b Batch) Changed() bool {
	return len(b.Upserted) > 0 || len(b.Removed) > 0
}

// Config configures a Watcher.
type Config struct {
	Root     string
	Index    *manifest.Index
	Debounce time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
	// OnBatch runs after every batch once the manifest has been flushed.
	OnBatch func(ctx context.Context, batch Batch)
}

// Watcher scans the source root and applies changes to the manifest.
type Watcher struct {
	root     string
	index    *manifest.Index
	debounce time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	onBatch  func(context.Context, Batch)
	metrics  *watchMetrics

	// batchMu serializes Scan and Process.
	batchMu sync.Mutex

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	events  chan string
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

// New validates cfg and returns an idle watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Index == nil {
		return nil, errors.New("watch: manifest index required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: root %s is not a directory", root)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "watch")
	return &Watcher{
		root:     root,
		index:    cfg.Index,
		debounce: debounce,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
		onBatch:  cfg.OnBatch,
		metrics:  newWatchMetrics(logger),
		events:   make(chan string, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Root returns the absolute source root.
func (w *Watcher) Root() string {
	return w.root
}

func ignoredDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// Scan walks the whole tree, applies every changed file, removes records
// whose files disappeared and then flushes the manifest.
func (w *Watcher) Scan(ctx context.Context) (Batch, error) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	batch := Batch{Started: w.clock.Now()}
	seen := make(map[string]struct{})
	err := filepath.WalkDir(w.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if full == w.root {
				return err
			}
			batch.Errors = append(batch.Errors, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if full != w.root && ignoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := w.rel(full)
		if !ok || !unit.Supported(rel) {
			return nil
		}
		seen[rel] = struct{}{}
		w.applyFile(ctx, rel, &batch, true)
		return nil
	})
	if err != nil {
		return batch, fmt.Errorf("watch: scan %s: %w", w.root, err)
	}
	for _, desc := range w.index.All() {
		if _, ok := seen[desc.Path]; ok {
			continue
		}
		w.removeSource(ctx, desc.SourceID, &batch)
	}
	return w.finish(ctx, batch, "scan")
}

// Process applies a set of changed paths relative to the root. Removals
// are applied before upserts so a rename never collides with itself.
func (w *Watcher) Process(ctx context.Context, rels []string) (Batch, error) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	batch := Batch{Started: w.clock.Now()}
	var present []string
	for _, rel := range rels {
		full := filepath.Join(w.root, filepath.FromSlash(rel))
		if _, err := os.Lstat(full); errors.Is(err, fs.ErrNotExist) {
			w.removePath(ctx, rel, &batch)
			continue
		}
		present = append(present, rel)
	}
	for _, rel := range present {
		w.applyPath(ctx, rel, &batch)
	}
	return w.finish(ctx, batch, "batch")
}

func (w *Watcher) finish(ctx context.Context, batch Batch, kind string) (Batch, error) {
	var flushErr error
	if err := w.index.Flush(ctx); err != nil {
		flushErr = fmt.Errorf("watch: flush manifest: %w", err)
		batch.Errors = append(batch.Errors, flushErr)
	}
	batch.Finished = w.clock.Now()
	w.metrics.recordBatch(ctx, batch)
	w.logger.Info("watch."+kind+".complete",
		"upserted", len(batch.Upserted),
		"removed", len(batch.Removed),
		"unchanged", batch.Unchanged,
		"errors", len(batch.Errors),
		"manifest_version", w.index.Version(),
		"duration", batch.Finished.Sub(batch.Started),
	)
	if w.onBatch != nil {
		w.onBatch(ctx, batch)
	}
	return batch, flushErr
}

func (w *Watcher) rel(full string) (string, bool) {
	rel, err := filepath.Rel(w.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// applyPath handles a path that exists: directories are walked, files are
// analysed.
func (w *Watcher) applyPath(ctx context.Context, rel string, batch *Batch) {
	full := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		batch.Errors = append(batch.Errors, err)
		w.logger.Warn("watch.stat.failed", "path", rel, "error", err)
		return
	}
	if !info.IsDir() {
		if unit.Supported(rel) {
			w.applyFile(ctx, rel, batch, false)
		}
		return
	}
	if ignoredDir(path.Base(rel)) {
		return
	}
	_ = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			batch.Errors = append(batch.Errors, err)
			return nil
		}
		if d.IsDir() {
			if p != full && ignoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if sub, ok := w.rel(p); ok && unit.Supported(sub) {
			w.applyFile(ctx, sub, batch, false)
		}
		return nil
	})
}

// applyFile analyses one file. With skipUnchanged a file whose stored stamp
// matches its modification time is not read.
func (w *Watcher) applyFile(ctx context.Context, rel string, batch *Batch, skipUnchanged bool) {
	full := filepath.Join(w.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		batch.Errors = append(batch.Errors, err)
		w.logger.Warn("watch.stat.failed", "path", rel, "error", err)
		return
	}
	sourceID := unit.SourceID(rel)
	existing, known := w.index.Get(sourceID)
	if skipUnchanged && known && existing.Path == rel && existing.LastModified == info.ModTime().UnixMilli() {
		batch.Unchanged++
		return
	}
	content, err := os.ReadFile(full)
	if err != nil {
		batch.Errors = append(batch.Errors, err)
		w.logger.Warn("watch.read.failed", "path", rel, "error", err)
		return
	}
	res := unit.Analyze(rel, content, info.ModTime())
	if !res.Handled() {
		return
	}
	if res.Err != nil {
		batch.Errors = append(batch.Errors, res.Err)
		w.logger.Warn("watch.analyze.failed",
			"path", rel,
			"kind", string(res.Err.Kind),
			"reason", res.Err.Reason,
			"keep_previous", res.Err.KeepPrevious(),
		)
		if !res.Err.KeepPrevious() && known && existing.Path == rel {
			w.removeSource(ctx, sourceID, batch)
		}
		return
	}
	applied, err := w.index.Upsert(ctx, *res.Descriptor)
	switch {
	case err != nil:
		batch.Errors = append(batch.Errors, err)
		w.logger.Warn("watch.upsert.failed", "path", rel, "source_id", sourceID, "error", err)
	case applied:
		batch.Upserted = append(batch.Upserted, sourceID)
		w.logger.Debug("watch.unit.upserted", "source_id", sourceID, "path", rel)
	default:
		batch.Unchanged++
	}
}

// removePath drops the record owned by a missing file and, when the path
// was a directory, every record below it.
func (w *Watcher) removePath(ctx context.Context, rel string, batch *Batch) {
	prefix := strings.TrimSuffix(rel, "/") + "/"
	for _, desc := range w.index.All() {
		if desc.Path == rel || strings.HasPrefix(desc.Path, prefix) {
			w.removeSource(ctx, desc.SourceID, batch)
		}
	}
}

func (w *Watcher) removeSource(ctx context.Context, sourceID string, batch *Batch) {
	removed, err := w.index.Remove(ctx, sourceID)
	if err != nil {
		batch.Errors = append(batch.Errors, err)
		w.logger.Warn("watch.remove.failed", "source_id", sourceID, "error", err)
		return
	}
	if removed {
		batch.Removed = append(batch.Removed, sourceID)
		w.logger.Debug("watch.unit.removed", "source_id", sourceID)
	}
}

// Start watches the tree recursively and processes debounced batches in the
// background until ctx ends or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watch: watcher closed")
	}
	if w.started {
		return errors.New("watch: already started")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := w.addTree(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	w.started = true
	go w.pump(fsw)
	go w.loop(ctx)
	w.logger.Info("watch.start", "root", w.root, "debounce", w.debounce)
	return nil
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watch: walk %s: %w", p, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && ignoredDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("watch: add %s: %w", p, err)
		}
		return nil
	})
}

// pump translates filesystem events into relative paths.
func (w *Watcher) pump(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			rel, ok := w.rel(ev.Name)
			if !ok {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !ignoredDir(info.Name()) {
					if err := w.addTree(fsw, ev.Name); err != nil {
						w.logger.Warn("watch.add.failed", "path", rel, "error", err)
					}
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			w.enqueue(rel)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch.fsnotify.error", "error", err)
		}
	}
}

func (w *Watcher) enqueue(rel string) {
	select {
	case w.events <- rel:
	case <-w.stop:
	}
}

// loop coalesces events: every event restarts the quiet window and the
// batch runs once the window passes without events.
func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	pending := make(map[string]struct{})
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case rel := <-w.events:
			pending[rel] = struct{}{}
			w.metrics.recordEvent(ctx)
			quiet = w.clock.After(w.debounce)
		case <-quiet:
			quiet = nil
			rels := make([]string, 0, len(pending))
			for rel := range pending {
				rels = append(rels, rel)
			}
			slices.Sort(rels)
			clear(pending)
			if _, err := w.Process(ctx, rels); err != nil {
				w.logger.Error("watch.batch.failed", "error", err)
			}
		}
	}
}

// Close stops the watcher and waits for the background loop.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	fsw := w.fsw
	close(w.stop)
	w.mu.Unlock()
	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	if started {
		<-w.done
	}
	return err
}
