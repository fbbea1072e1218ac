// Package engine assembles C1-C11 into the explicit environment object
// §9's design notes call for: every process-scoped handle (configuration,
// metadata store, vector store, content store, embedding service) is
// constructed once here and passed down to the components that use it,
// rather than reached for as an ambient global. Environment also exposes
// the operations named in §6's external-interface table, so a CLI or HTTP
// front-end only ever thin-wraps these methods.
package engine

import (
	"context"
	"fmt"

	"github.com/ManuGH/mediasearch/internal/cache"
	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/contentstore"
	"github.com/ManuGH/mediasearch/internal/embedding"
	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/metrics"
	"github.com/ManuGH/mediasearch/internal/model"
	"github.com/ManuGH/mediasearch/internal/orchestrator"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/search"
	"github.com/ManuGH/mediasearch/internal/taskengine"
	"github.com/ManuGH/mediasearch/internal/vectorstore"
)

// Environment owns every process-scoped handle and the components built on
// top of them. Construct exactly one per process; teardown (Close) reverses
// construction order.
type Environment struct {
	Config *config.ConfigHolder

	Metadata *metadatastore.Store
	Vectors  *vectorstore.Store
	Content  *contentstore.Store
	Embed    *embedding.Service

	Scanner      *scanner.Scanner
	Watcher      *scanner.Watcher
	Orchestrator *orchestrator.Orchestrator
	Tasks        *taskengine.Engine
	SearchEngine *search.Engine
}

// Health reports the three readiness signals §6's health() operation names.
type Health struct {
	ModelReady       bool `json:"model_ready"`
	VectorStoreReady bool `json:"vector_store_ready"`
	MetadataReady    bool `json:"metadata_ready"`
}

// Health evaluates the current readiness of each subsystem. Model readiness
// reflects whether the embedding service has completed warmup; the store
// handles are considered ready once open, since both fail fast at Open.
func (e *Environment) Health() Health {
	return Health{
		ModelReady:       e.Embed != nil && e.Embed.Ready(),
		VectorStoreReady: e.Vectors != nil,
		MetadataReady:    e.Metadata != nil,
	}
}

// ThreadPoolStatus is the §6 get_thread_pool_status() response.
type ThreadPoolStatus map[model.Pool]taskengine.PoolStatus

// GetThreadPoolStatus returns each worker pool's configured size, active
// count, idle count, and EWMA load percentage.
func (e *Environment) GetThreadPoolStatus() ThreadPoolStatus {
	return ThreadPoolStatus(e.Tasks.Stats())
}

// DebugPools is the /debug/pools response: worker-pool status alongside the
// content store's artifact cache index and the search engine's
// query-embedding cache, the supplemented "cache observability" feature.
type DebugPools struct {
	Pools        ThreadPoolStatus `json:"pools"`
	ContentCache struct {
		Entries int    `json:"entries"`
		Error   string `json:"error,omitempty"`
	} `json:"content_cache"`
	QueryCache cache.CacheStats `json:"query_cache"`
}

// DebugPools assembles the current worker-pool and cache snapshot.
func (e *Environment) DebugPools() DebugPools {
	out := DebugPools{Pools: e.GetThreadPoolStatus()}
	if e.Content != nil {
		n, err := e.Content.CacheStats()
		out.ContentCache.Entries = n
		if err != nil {
			out.ContentCache.Error = err.Error()
		}
	}
	if e.SearchEngine != nil {
		out.QueryCache = e.SearchEngine.CacheStats()
	}
	return out
}

// Search runs a cross-modal query through C10.
func (e *Environment) Search(ctx context.Context, q search.Query, k int, filters search.Filters) (search.Response, error) {
	return e.SearchEngine.Search(ctx, q, k, filters)
}

// GetTasks returns tasks matching filter, newest first.
func (e *Environment) GetTasks(ctx context.Context, filter metadatastore.TaskFilter) ([]model.Task, error) {
	return e.Metadata.GetTasks(ctx, filter)
}

// CancelTask requests cooperative cancellation of a single running or
// queued task.
func (e *Environment) CancelTask(ctx context.Context, id int64) error {
	return e.Metadata.CancelTask(ctx, id)
}

// CancelTasksByType requests cooperative cancellation of every queued or
// running task of the given type, returning the number affected.
func (e *Environment) CancelTasksByType(ctx context.Context, taskType model.TaskType) (int, error) {
	return e.Metadata.CancelTasksByType(ctx, taskType)
}

// IndexPath walks path (a single file or a directory tree) the same way
// the initial scan does, upserting every observed file and enqueuing its
// scan task. The returned task_group_id is the content digest of the last
// file observed, matching the orchestrator's own per-file pipeline-group
// convention; for a directory with more than one file this is necessarily
// a representative rather than exhaustive handle, since indexing a whole
// tree fans out into one task group per file.
func (e *Environment) IndexPath(ctx context.Context, path string) (taskGroupID string, err error) {
	const op = "engine.index_path"
	result, walkErr := e.Scanner.ScanRoot(ctx, path, func(ctx context.Context, obs scanner.Observation) error {
		if hookErr := e.Orchestrator.HandleObservation(ctx, obs); hookErr != nil {
			return hookErr
		}
		taskGroupID = obs.Digest.String()
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}
	if result.Observed == 0 {
		return "", errs.New(errs.NotFound, op, fmt.Sprintf("no indexable files found under %s", path))
	}
	return taskGroupID, nil
}

// UnindexPath detaches path from its bound SourceFile; once the file's
// reference count reaches zero this enqueues the orphan-purge task group
// that reclaims its vectors and artifacts.
func (e *Environment) UnindexPath(ctx context.Context, path string) (taskGroupID string, err error) {
	const op = "engine.unindex_path"
	fileID, refCount, err := e.Metadata.DetachPath(ctx, path)
	if err != nil {
		return "", err
	}
	if fileID == nil {
		return "", errs.New(errs.NotFound, op, fmt.Sprintf("path not indexed: %s", path))
	}
	file, err := e.Metadata.GetFileByID(ctx, *fileID)
	if err != nil {
		return "", err
	}
	if refCount > 0 {
		return file.Digest, nil
	}
	if _, err := e.Metadata.EnqueueTask(ctx, model.Task{
		Type:           model.TaskTypeDeleteOrphans,
		TargetIdentity: file.Digest,
		Priority:       model.TaskTypeDeleteOrphans.BasePriority(),
	}); err != nil {
		return "", err
	}
	return file.Digest, nil
}

// RefreshQueueDepthMetrics publishes each task type's queued-row count as a
// gauge. Called on a timer by the daemon and once per /debug/pools request,
// since queue depth is cheap to recompute and otherwise stale between polls.
func (e *Environment) RefreshQueueDepthMetrics(ctx context.Context) error {
	queued, err := e.Metadata.GetTasks(ctx, metadatastore.TaskFilter{Status: model.TaskQueued})
	if err != nil {
		return err
	}
	counts := make(map[model.TaskType]int)
	for _, t := range queued {
		counts[t.Type]++
	}
	for t, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(t)).Set(float64(n))
	}
	return nil
}

// Close tears down every owned handle in reverse construction order.
func (e *Environment) Close() error {
	var firstErr error
	if e.Watcher != nil {
		if err := e.Watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.Config != nil {
		e.Config.Stop()
	}
	if e.Content != nil {
		if err := e.Content.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.Vectors != nil {
		if err := e.Vectors.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.Metadata != nil {
		if err := e.Metadata.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
