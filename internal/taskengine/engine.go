// Package taskengine dispatches the metadata store's task queue across the
// three typed worker pools named in §4.8: embedding, I/O, and task. One
// scheduler per pool polls metadatastore.NextTasks for the task types it
// owns, runs the registered handler under a per-pool timeout, and resolves
// the outcome back into the queue (succeeded, retried with backoff, failed,
// or cancelled).
package taskengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/metrics"
	"github.com/ManuGH/mediasearch/internal/model"
)

// ewmaAlpha weights each new load sample against the running average for
// get_thread_pool_status()'s load_pct figure (§6); low enough that a single
// task's start/finish does not whipsaw the reported load.
const ewmaAlpha = 0.3

// Handler executes one task. ctx is cancelled when the task's per-pool
// timeout elapses or cancellation is requested; a well-behaved handler
// checks ctx at its own checkpoints (an embedding call, a segment
// boundary) and returns promptly rather than being hard-killed.
type Handler func(ctx context.Context, task model.Task) (resultPayload string, err error)

// Config bounds worker pool sizes, per-type concurrency, and timeouts.
type Config struct {
	EmbeddingWorkers int
	IOWorkers        int
	TaskWorkers      int

	// TypeCap overrides the per-type concurrency cap; types absent from the
	// map default to their pool's worker count.
	TypeCap map[model.TaskType]int

	// PollInterval bounds how often an idle worker re-polls NextTasks,
	// per §5's 100-500ms suspension-point window.
	PollInterval time.Duration

	// CancelCheckInterval bounds how often a running task's status is
	// polled for an external cancellation request.
	CancelCheckInterval time.Duration

	EmbeddingTimeout time.Duration
	IOTimeout        time.Duration
	TaskTimeout      time.Duration

	AgeFactorPerSec float64
}

// DefaultConfig returns the pool sizes and timeouts spec.md §4.8/§5/§6 name.
func DefaultConfig() Config {
	return Config{
		EmbeddingWorkers:    4,
		IOWorkers:           8,
		TaskWorkers:         8,
		PollInterval:        250 * time.Millisecond,
		CancelCheckInterval: 250 * time.Millisecond,
		EmbeddingTimeout:    300 * time.Second,
		IOTimeout:           60 * time.Second,
		TaskTimeout:         120 * time.Second,
		AgeFactorPerSec:     0.01,
	}
}

// PoolStatus is one pool's snapshot for get_thread_pool_status() (§6).
type PoolStatus struct {
	Workers int
	Active  int
	Idle    int
	LoadPct float64
}

// poolLoad tracks one pool's active-worker count and its EWMA-smoothed
// load percentage.
type poolLoad struct {
	mu      sync.Mutex
	active  int
	loadPct float64
}

func (p *poolLoad) adjust(delta int, workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active += delta
	sample := 0.0
	if workers > 0 {
		sample = float64(p.active) / float64(workers)
	}
	p.loadPct = ewmaAlpha*sample + (1-ewmaAlpha)*p.loadPct
}

func (p *poolLoad) snapshot() (active int, loadPct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.loadPct
}

func reportPoolStats(pool model.Pool, workers int, load *poolLoad) {
	active, loadPct := load.snapshot()
	metrics.SetPoolStats(string(pool), workers, active, loadPct)
}

// Engine owns handler registration and the running worker pools.
type Engine struct {
	store    *metadatastore.Store
	cfg      Config
	handlers map[model.TaskType]Handler
	loads    map[model.Pool]*poolLoad
}

// New constructs an Engine bound to store. Call Register for every task
// type before Run; a dispatched task with no registered handler fails
// permanently rather than blocking its pool.
func New(store *metadatastore.Store, cfg Config) *Engine {
	return &Engine{
		store:    store,
		cfg:      cfg,
		handlers: make(map[model.TaskType]Handler),
		loads: map[model.Pool]*poolLoad{
			model.PoolEmbedding: {},
			model.PoolIO:        {},
			model.PoolTask:      {},
		},
	}
}

// Stats reports every pool's worker count, current activity, and
// EWMA-smoothed load percentage, backing the get_thread_pool_status()
// operation (§6).
func (e *Engine) Stats() map[model.Pool]PoolStatus {
	out := make(map[model.Pool]PoolStatus, len(e.loads))
	workers := map[model.Pool]int{
		model.PoolEmbedding: e.cfg.EmbeddingWorkers,
		model.PoolIO:        e.cfg.IOWorkers,
		model.PoolTask:      e.cfg.TaskWorkers,
	}
	for pool, w := range workers {
		active, loadPct := 0, 0.0
		if pl, ok := e.loads[pool]; ok {
			active, loadPct = pl.snapshot()
		}
		idle := w - active
		if idle < 0 {
			idle = 0
		}
		out[pool] = PoolStatus{Workers: w, Active: active, Idle: idle, LoadPct: loadPct}
	}
	return out
}

// Register binds a handler to a task type.
func (e *Engine) Register(t model.TaskType, h Handler) {
	e.handlers[t] = h
}

// Run recovers stale running tasks from a prior process, then launches one
// goroutine per configured worker across the three pools. It blocks until
// ctx is cancelled or a worker returns a fatal (non-task) error.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.store.RequeueStaleRunning(ctx); err != nil {
		return err
	} else if n > 0 {
		log.L().Info().Int("count", n).Msg("taskengine: requeued stale running tasks from prior run")
	}

	typesByPool := e.typesByPool()

	g, ctx := errgroup.WithContext(ctx)
	e.launchPool(g, ctx, model.PoolEmbedding, e.cfg.EmbeddingWorkers, typesByPool[model.PoolEmbedding])
	e.launchPool(g, ctx, model.PoolIO, e.cfg.IOWorkers, typesByPool[model.PoolIO])
	e.launchPool(g, ctx, model.PoolTask, e.cfg.TaskWorkers, typesByPool[model.PoolTask])

	return g.Wait()
}

func (e *Engine) launchPool(g *errgroup.Group, ctx context.Context, pool model.Pool, workers int, types []model.TaskType) {
	if len(types) == 0 {
		return
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error { return e.workerLoop(ctx, pool, types) })
	}
}

func (e *Engine) typesByPool() map[model.Pool][]model.TaskType {
	out := make(map[model.Pool][]model.TaskType)
	for t := range e.handlers {
		out[t.Pool()] = append(out[t.Pool()], t)
	}
	return out
}

// workerLoop round-robins across types, polling for at most one task of
// each in turn, and sleeps PollInterval once a full round finds nothing.
func (e *Engine) workerLoop(ctx context.Context, pool model.Pool, types []model.TaskType) error {
	poll := e.cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		found := false
		for _, t := range types {
			task, ok, err := e.claimOne(ctx, t)
			if err != nil {
				log.L().Warn().Err(err).Str("task_type", string(t)).Msg("taskengine: dispatch-selection query failed")
				continue
			}
			if !ok {
				continue
			}
			found = true
			e.runTask(ctx, pool, task)
		}

		if !found {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
		}
	}
}

func (e *Engine) claimOne(ctx context.Context, t model.TaskType) (model.Task, bool, error) {
	typeCap := e.typeCap(t)
	tasks, err := e.store.NextTasks(ctx, t, 1, typeCap, e.cfg.AgeFactorPerSec)
	if err != nil {
		return model.Task{}, false, err
	}
	if len(tasks) == 0 {
		return model.Task{}, false, nil
	}
	return tasks[0], true, nil
}

func (e *Engine) typeCap(t model.TaskType) int {
	if e.cfg.TypeCap != nil {
		if n, ok := e.cfg.TypeCap[t]; ok {
			return n
		}
	}
	switch t.Pool() {
	case model.PoolEmbedding:
		return e.cfg.EmbeddingWorkers
	case model.PoolIO:
		return e.cfg.IOWorkers
	default:
		return e.cfg.TaskWorkers
	}
}

func (e *Engine) poolWorkerCount(pool model.Pool) int {
	switch pool {
	case model.PoolEmbedding:
		return e.cfg.EmbeddingWorkers
	case model.PoolIO:
		return e.cfg.IOWorkers
	default:
		return e.cfg.TaskWorkers
	}
}

func (e *Engine) timeoutFor(pool model.Pool) time.Duration {
	switch pool {
	case model.PoolEmbedding:
		return e.cfg.EmbeddingTimeout
	case model.PoolIO:
		return e.cfg.IOTimeout
	default:
		return e.cfg.TaskTimeout
	}
}

// runTask executes task under a per-pool timeout and a concurrent
// cancellation watch, then resolves the queue row to its next state.
func (e *Engine) runTask(parent context.Context, pool model.Pool, task model.Task) {
	logger := log.WithComponent("taskengine")
	handler, ok := e.handlers[task.Type]
	if !ok {
		if err := e.store.FailTask(context.Background(), task.ID, "no handler registered for task type", false); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("taskengine: failed to record missing-handler failure")
		}
		return
	}

	workCtx, cancel := context.WithTimeout(parent, e.timeoutFor(pool))
	defer cancel()

	externalCancel := make(chan struct{})
	watchDone := make(chan struct{})
	go e.watchCancellation(workCtx, task.ID, externalCancel, cancel, watchDone)

	workers := e.poolWorkerCount(pool)
	if load, ok := e.loads[pool]; ok {
		load.adjust(1, workers)
		reportPoolStats(pool, workers, load)
		defer func() {
			load.adjust(-1, workers)
			reportPoolStats(pool, workers, load)
		}()
	}

	metrics.RecordTaskDispatched(string(task.Type))
	start := time.Now()
	payload, err := handler(workCtx, task)
	elapsed := time.Since(start).Seconds()
	<-watchDone

	wasExternal := false
	select {
	case <-externalCancel:
		wasExternal = true
	default:
	}

	finalizeCtx := context.Background()

	switch {
	case wasExternal:
		if ferr := e.store.FinalizeCancellation(finalizeCtx, task.ID); ferr != nil {
			logger.Error().Err(ferr).Int64("task_id", task.ID).Msg("taskengine: failed to finalize cancellation")
		}
		metrics.RecordTaskOutcome(string(task.Type), false, "cancelled", elapsed)
	case errors.Is(workCtx.Err(), context.DeadlineExceeded):
		if merr := e.store.MarkCancelling(finalizeCtx, task.ID); merr != nil {
			logger.Warn().Err(merr).Int64("task_id", task.ID).Msg("taskengine: failed to mark timed-out task cancelling")
		}
		if ferr := e.store.FailTask(finalizeCtx, task.ID, "timeout", true); ferr != nil {
			logger.Error().Err(ferr).Int64("task_id", task.ID).Msg("taskengine: failed to record timeout failure")
		}
		metrics.RecordTaskOutcome(string(task.Type), false, "timeout", elapsed)
	case parent.Err() != nil:
		// Engine is shutting down; leave the row running. RequeueStaleRunning
		// reclaims it the next time an engine starts against this store.
	case err != nil:
		if ferr := e.store.FailTask(finalizeCtx, task.ID, err.Error(), errs.Retryable(err)); ferr != nil {
			logger.Error().Err(ferr).Int64("task_id", task.ID).Msg("taskengine: failed to record task failure")
		}
		metrics.RecordTaskOutcome(string(task.Type), false, "error", elapsed)
	default:
		if cerr := e.store.CompleteTask(finalizeCtx, task.ID, payload); cerr != nil {
			logger.Error().Err(cerr).Int64("task_id", task.ID).Msg("taskengine: failed to record task completion")
		}
		metrics.RecordTaskOutcome(string(task.Type), true, "", elapsed)
	}
}

// watchCancellation polls IsCancelling until workCtx ends, cancelling it
// early (and closing externalCancel) the moment an outside caller requests
// cancellation of this task.
func (e *Engine) watchCancellation(workCtx context.Context, taskID int64, externalCancel chan<- struct{}, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	interval := e.cfg.CancelCheckInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-workCtx.Done():
			return
		case <-ticker.C:
			cancelling, err := e.store.IsCancelling(context.Background(), taskID)
			if err != nil {
				continue
			}
			if cancelling {
				close(externalCancel)
				cancel()
				return
			}
		}
	}
}
