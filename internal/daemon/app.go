package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/digest"
	"github.com/ManuGH/mediasearch/internal/engine"
	"github.com/ManuGH/mediasearch/internal/metrics"
)

// App owns the long-lived runtime: the task engine's dispatch loops, the
// scanner's live filesystem watch, config hot-reload wiring, and periodic
// metrics refresh. It delegates the ops HTTP server to Manager.
type App struct {
	deps         Deps
	manager      Manager
	env          *engine.Environment
	cfgHolder    *config.ConfigHolder
	reloadSignal os.Signal

	queueDepthInterval time.Duration
	cacheSweepInterval time.Duration
}

// NewApp constructs an App orchestrator bound to deps and manager.
func NewApp(deps Deps, manager Manager) *App {
	return &App{
		deps:               deps,
		manager:            manager,
		env:                deps.Env,
		cfgHolder:          deps.CfgHolder,
		reloadSignal:       syscall.SIGHUP,
		queueDepthInterval: 15 * time.Second,
		cacheSweepInterval: time.Hour,
	}
}

// Run starts every background subsystem under one errgroup and blocks until
// ctx is cancelled or a subsystem returns a fatal error. Teardown order
// mirrors construction: manager (ops server) last in, first to receive
// ctx's cancellation; the task engine and scanner watch stop on the same
// signal; the config watcher and Environment itself are closed by the
// caller after Run returns, via Environment.Close.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfgHolder != nil {
		if err := a.cfgHolder.StartWatching(ctx); err != nil {
			a.deps.Logger.Warn().Err(err).Msg("daemon: failed to start config file watcher")
		}

		watchDiffCh := make(chan config.WatchDiff, 1)
		a.cfgHolder.RegisterWatchListener(watchDiffCh)
		g.Go(func() error { return a.reconcileWatchRoots(ctx, watchDiffCh) })

		g.Go(func() error { return a.watchReloadSignal(ctx) })
	}

	if a.env.Tasks != nil {
		g.Go(func() error { return a.env.Tasks.Run(ctx) })
	}

	if a.env.Watcher != nil && a.env.Orchestrator != nil {
		g.Go(func() error { return a.env.Watcher.Start(ctx, a.env.Orchestrator.HandleBatch) })
	}

	g.Go(func() error { return a.refreshQueueDepthLoop(ctx) })

	if a.env.Content != nil {
		g.Go(func() error { return a.sweepCacheLoop(ctx) })
	}

	g.Go(func() error { return a.manager.Start(ctx) })

	return g.Wait()
}

// reconcileWatchRoots applies every WatchDiff the config holder emits to
// the live scanner watcher, so adding or removing a watch.directories entry
// takes effect without a process restart.
func (a *App) reconcileWatchRoots(ctx context.Context, diffs <-chan config.WatchDiff) error {
	if a.env.Watcher == nil {
		return nil
	}
	logger := a.deps.Logger.With().Str("component", "daemon.watch_reconcile").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case diff := <-diffs:
			for _, root := range diff.Added {
				if err := a.env.Watcher.AddRoot(root); err != nil {
					logger.Error().Err(err).Str("root", root).Msg("failed to add watch root")
					continue
				}
				if _, err := a.env.IndexPath(ctx, root); err != nil {
					logger.Warn().Err(err).Str("root", root).Msg("initial scan of added root failed")
				}
			}
			for _, root := range diff.Removed {
				if err := a.env.Watcher.RemoveRoot(root); err != nil {
					logger.Error().Err(err).Str("root", root).Msg("failed to remove watch root")
				}
			}
		}
	}
}

// watchReloadSignal triggers a manual config reload on SIGHUP.
func (a *App) watchReloadSignal(ctx context.Context) error {
	if a.reloadSignal == nil {
		return nil
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, a.reloadSignal)
	defer signal.Stop(sigCh)

	logger := a.deps.Logger.With().Str("component", "daemon.reload").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			err := a.cfgHolder.Reload(reloadCtx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("config reload failed")
			}
		}
	}
}

// sweepCacheLoop is the cache janitor: it periodically reclaims
// content-store artifacts whose owning SourceFile has been purged and
// whose file mtime is past cache.ttl_s, then republishes the cache
// index's remaining entry count.
func (a *App) sweepCacheLoop(ctx context.Context) error {
	interval := a.cacheSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := a.deps.Logger.With().Str("component", "daemon.cache_sweep").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if a.cfgHolder == nil {
				continue
			}
			ttl := time.Duration(a.cfgHolder.Get().Cache.TTLSecs) * time.Second
			if ttl <= 0 {
				continue
			}
			deadline := time.Now().Add(interval / 2)
			removed, err := a.env.Content.Sweep(time.Now().Add(-ttl), deadline, func(d digest.Digest, tag string) (bool, error) {
				return a.env.Metadata.IsCacheEntryReferenced(ctx, d.String(), tag)
			})
			if err != nil {
				logger.Warn().Err(err).Msg("cache sweep failed")
				continue
			}
			metrics.RecordContentSweep(removed)
			if count, err := a.env.Content.CacheStats(); err == nil {
				metrics.SetCacheIndexEntries(count)
			}
		}
	}
}

// refreshQueueDepthLoop periodically republishes the queue-depth gauges;
// see engine.Environment.RefreshQueueDepthMetrics for why this is polled
// rather than tracked incrementally.
func (a *App) refreshQueueDepthLoop(ctx context.Context) error {
	interval := a.queueDepthInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := a.deps.Logger.With().Str("component", "daemon.queue_depth").Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.env.RefreshQueueDepthMetrics(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to refresh queue depth metrics")
			}
		}
	}
}
