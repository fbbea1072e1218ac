package config

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
)

// WatchDiff reports which watch.directories entries were added or removed
// by a reload, so a listener can reconcile the live scanner/watcher without
// a process restart.
type WatchDiff struct {
	Added   []string
	Removed []string
}

// ConfigHolder holds the current AppConfig behind an atomic pointer and
// optionally keeps it current by watching the backing file for changes.
type ConfigHolder struct {
	reloadOpMu sync.Mutex
	epoch      atomic.Uint64
	current    atomic.Pointer[AppConfig]
	loader     *Loader
	path       string
	dir        string
	file       string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenerMu    sync.RWMutex
	listeners     []chan<- AppConfig
	watchListeners []chan<- WatchDiff
}

// NewConfigHolder constructs a ConfigHolder seeded with initial, sourced
// from loader at path (used only to locate the file for StartWatching).
func NewConfigHolder(initial AppConfig, loader *Loader, path string) *ConfigHolder {
	h := &ConfigHolder{
		loader: loader,
		path:   path,
		logger: log.WithComponent("config"),
	}
	h.store(initial)
	return h
}

func (h *ConfigHolder) store(cfg AppConfig) {
	h.epoch.Add(1)
	h.current.Store(&cfg)
}

// Get returns the current configuration (thread-safe read).
func (h *ConfigHolder) Get() AppConfig {
	cur := h.current.Load()
	if cur == nil {
		return AppConfig{}
	}
	return *cur
}

// Epoch returns the number of successful swaps so far, including the
// initial seed.
func (h *ConfigHolder) Epoch() uint64 {
	return h.epoch.Load()
}

// Reload re-reads and validates the backing file; on success it swaps the
// held configuration and notifies every registered listener. A failed load
// or validation leaves the previously held configuration untouched and
// returns the error, so a bad edit never takes the running system down.
func (h *ConfigHolder) Reload(_ context.Context) error {
	const op = "config.reload"
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	old := h.Get()

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Msg("config reload: load failed")
		return errs.Wrap(errs.Config, op, "load config", err)
	}
	if err := Validate(next); err != nil {
		h.logger.Error().Err(err).Msg("config reload: validation failed")
		return err
	}

	h.store(next)
	h.logger.Info().Uint64("epoch", h.Epoch()).Msg("config reloaded")

	h.notify(next)
	h.notifyWatchDiff(old, next)
	return nil
}

// StartWatching watches the config file's directory for writes and debounces
// them into a Reload call. A no-op when the holder was built without a path.
func (h *ConfigHolder) StartWatching(ctx context.Context) error {
	const op = "config.start_watching"
	if h.path == "" {
		h.logger.Info().Msg("config file watcher disabled: no path configured")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.IO, op, "create fsnotify watcher", err)
	}
	h.watcher = watcher
	h.dir = filepath.Dir(h.path)
	h.file = filepath.Base(h.path)

	if err := watcher.Add(h.dir); err != nil {
		_ = watcher.Close()
		return errs.Wrap(errs.IO, op, "watch config directory", err)
	}

	go h.watchLoop(ctx)
	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

func (h *ConfigHolder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	const debounceWindow = 300 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != h.file {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Msg("automatic config reload failed")
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher, if one was started.
func (h *ConfigHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener adds ch to the set notified with the new AppConfig on
// every successful Reload. The caller owns the channel's lifecycle.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// RegisterWatchListener adds ch to the set notified with the set of
// watch.directories entries added/removed by a Reload, letting the scanner
// reconcile its live root set without a restart.
func (h *ConfigHolder) RegisterWatchListener(ch chan<- WatchDiff) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.watchListeners = append(h.watchListeners, ch)
}

func (h *ConfigHolder) notify(cfg AppConfig) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Msg("config listener channel full, skipping notification")
		}
	}
}

func (h *ConfigHolder) notifyWatchDiff(old, next AppConfig) {
	diff := diffDirectories(old.Watch.Directories, next.Watch.Directories)
	if len(diff.Added) == 0 && len(diff.Removed) == 0 {
		return
	}
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.watchListeners {
		select {
		case ch <- diff:
		default:
			h.logger.Warn().Msg("watch-diff listener channel full, skipping notification")
		}
	}
}

func diffDirectories(oldDirs, newDirs []string) WatchDiff {
	oldSet := make(map[string]struct{}, len(oldDirs))
	for _, d := range oldDirs {
		oldSet[d] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newDirs))
	for _, d := range newDirs {
		newSet[d] = struct{}{}
	}

	var diff WatchDiff
	for _, d := range newDirs {
		if _, ok := oldSet[d]; !ok {
			diff.Added = append(diff.Added, d)
		}
	}
	for _, d := range oldDirs {
		if _, ok := newSet[d]; !ok {
			diff.Removed = append(diff.Removed, d)
		}
	}
	return diff
}
