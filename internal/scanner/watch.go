package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
)

// EventKind classifies a debounced filesystem change.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
)

// Event is one coalesced, debounced filesystem change ready for dispatch
// to the ingestion orchestrator.
type Event struct {
	Kind     EventKind
	Path     string
	Digest   digest.Digest // zero for EventDeleted
	Modality Modality      // zero for EventDeleted
}

// BatchHandler receives up to Config.BatchSize coalesced events at once.
type BatchHandler func(ctx context.Context, batch []Event) error

// Watcher subscribes to filesystem events under the scanner's configured
// roots and emits debounced, batched Events. Per §4.7, bursts within the
// debounce window (editor save, atomic replace) collapse to one event
// rather than firing once per OS notification: a delete anywhere in the
// burst wins, otherwise the last observed kind (see settle).
type Watcher struct {
	sc  *Scanner
	cfg Config
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingEvent
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

// NewWatcher constructs a Watcher bound to sc's configuration.
func NewWatcher(sc *Scanner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(errs.IO, "scanner.new_watcher", "create fsnotify watcher", err)
	}
	return &Watcher{sc: sc, cfg: sc.cfg, fsw: fsw, pending: make(map[string]*pendingEvent)}, nil
}

// Start watches every configured root (recursively) and runs until ctx is
// cancelled, delivering debounced batches to handle.
func (w *Watcher) Start(ctx context.Context, handle BatchHandler) error {
	for _, root := range w.cfg.Roots {
		if err := w.addTreeRecursive(root); err != nil {
			return err
		}
	}

	debounce := w.cfg.DebounceWindow
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	ready := make(chan Event, 1024)
	go w.loop(ctx, debounce, ready)

	batch := make([]Event, 0, batchSize)
	flush := time.NewTicker(debounce)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			if len(batch) > 0 {
				_ = handle(context.Background(), batch)
			}
			return nil
		case ev := <-ready:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				if err := handle(ctx, batch); err != nil {
					log.L().Warn().Err(err).Msg("scanner: batch handler failed")
				}
				batch = batch[:0]
			}
		case <-flush.C:
			if len(batch) > 0 {
				if err := handle(ctx, batch); err != nil {
					log.L().Warn().Err(err).Msg("scanner: batch handler failed")
				}
				batch = batch[:0]
			}
		}
	}
}

// loop drains fsnotify's raw event stream, debouncing per path and pushing
// the settled event onto ready once the quiet window elapses.
func (w *Watcher) loop(ctx context.Context, debounce time.Duration, ready chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ctx, raw, debounce, ready)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.L().Warn().Err(err).Msg("scanner: fsnotify error")
		}
	}
}

func (w *Watcher) handleRaw(ctx context.Context, raw fsnotify.Event, debounce time.Duration, ready chan<- Event) {
	if raw.Has(fsnotify.Chmod) {
		return
	}

	if raw.Has(fsnotify.Create) {
		if info, err := os.Stat(raw.Name); err == nil && info.IsDir() {
			if err := w.addTreeRecursive(raw.Name); err != nil {
				log.L().Warn().Err(err).Str("path", raw.Name).Msg("scanner: watch new directory failed")
			}
			return
		}
	}

	if _, ok := w.sc.classify(raw.Name); !ok && !raw.Has(fsnotify.Remove) && !raw.Has(fsnotify.Rename) {
		return
	}

	var kind EventKind
	switch {
	case raw.Has(fsnotify.Create):
		kind = EventCreated
	case raw.Has(fsnotify.Write):
		kind = EventModified
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		kind = EventDeleted
	default:
		return
	}

	w.mu.Lock()
	if p, exists := w.pending[raw.Name]; exists {
		p.timer.Stop()
		p.kind = settle(p.kind, kind)
	} else {
		w.pending[raw.Name] = &pendingEvent{kind: kind}
	}
	path := raw.Name
	p := w.pending[path]
	p.timer = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		settled, ok := w.pending[path]
		if ok {
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if !ok {
			return
		}
		w.emit(ctx, path, settled.kind, ready)
	})
	w.mu.Unlock()
}

// settle coalesces two observations of the same path within one debounce
// window into a single resulting kind: a delete always wins (the file is
// gone regardless of what preceded it), otherwise the most recent kind.
func settle(prev, next EventKind) EventKind {
	if next == EventDeleted || prev == EventDeleted {
		return EventDeleted
	}
	return next
}

func (w *Watcher) emit(ctx context.Context, path string, kind EventKind, ready chan<- Event) {
	if kind == EventDeleted {
		ready <- Event{Kind: EventDeleted, Path: path}
		return
	}
	modality, ok := w.sc.classify(path)
	if !ok {
		return
	}
	dg, err := digest.OfFile(path)
	if err != nil {
		log.L().Warn().Err(err).Str("path", path).Msg("scanner: digest on watch event failed")
		return
	}
	ready <- Event{Kind: kind, Path: path, Digest: dg, Modality: modality}
}

func (w *Watcher) addTreeRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			log.L().Warn().Err(err).Str("path", path).Msg("scanner: add watch failed")
		}
		return nil
	})
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// AddRoot subscribes root (and every directory beneath it) to the running
// watcher, letting a config reload that adds a watch.directories entry
// take effect without restarting the watch loop.
func (w *Watcher) AddRoot(root string) error {
	w.mu.Lock()
	w.cfg.Roots = append(w.cfg.Roots, root)
	w.mu.Unlock()
	return w.addTreeRecursive(root)
}

// RemoveRoot unsubscribes root and every directory beneath it, mirroring a
// config reload that drops a watch.directories entry. Paths already under
// the store are left as-is; neither this call nor a later scan detaches
// them.
func (w *Watcher) RemoveRoot(root string) error {
	w.mu.Lock()
	filtered := w.cfg.Roots[:0]
	for _, r := range w.cfg.Roots {
		if r != root {
			filtered = append(filtered, r)
		}
	}
	w.cfg.Roots = filtered
	w.mu.Unlock()

	var firstErr error
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if rmErr := w.fsw.Remove(path); rmErr != nil && firstErr == nil {
			firstErr = rmErr
		}
		return nil
	})
	return firstErr
}
