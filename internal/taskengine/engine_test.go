package taskengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/metadatastore"
	"github.com/ManuGH/mediasearch/internal/model"
)

func openTestStore(t *testing.T) *metadatastore.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := metadatastore.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EmbeddingWorkers = 1
	cfg.IOWorkers = 1
	cfg.TaskWorkers = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CancelCheckInterval = 10 * time.Millisecond
	cfg.EmbeddingTimeout = 200 * time.Millisecond
	cfg.IOTimeout = 200 * time.Millisecond
	cfg.TaskTimeout = 200 * time.Millisecond
	return cfg
}

func runEngineUntil(t *testing.T, e *Engine, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish expected work in time")
	}
	cancel()
	<-errCh
}

func TestEngineCompletesASuccessfulTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, model.Task{Type: model.TaskTypeFileEmbedImage, TargetIdentity: "file-a", Priority: 1})
	require.NoError(t, err)

	done := make(chan struct{})
	e := New(store, testConfig())
	e.Register(model.TaskTypeFileEmbedImage, func(ctx context.Context, task model.Task) (string, error) {
		defer close(done)
		return "ok", nil
	})

	runEngineUntil(t, e, done)

	tasks, err := store.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskSucceeded, tasks[0].Status)
	require.Equal(t, id, tasks[0].ID)
	require.Equal(t, "ok", tasks[0].ResultPayload)
}

func TestEngineFailsNonRetryableErrorImmediately(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnqueueTask(ctx, model.Task{Type: model.TaskTypeFileScan, TargetIdentity: "file-b", Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)

	done := make(chan struct{})
	e := New(store, testConfig())
	e.Register(model.TaskTypeFileScan, func(ctx context.Context, task model.Task) (string, error) {
		defer close(done)
		return "", errs.New(errs.Codec, "test.scan", "unsupported container")
	})

	runEngineUntil(t, e, done)

	// give the finalize call (which runs after the handler returns but
	// before the next poll) a moment to land
	time.Sleep(50 * time.Millisecond)

	tasks, err := store.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeFileScan})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskFailed, tasks[0].Status, "codec errors are not retryable and exhaust immediately")
	require.Equal(t, "unsupported container", tasks[0].FailReason)
}

func TestEngineFinalizesCooperativeCancellation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.EnqueueTask(ctx, model.Task{Type: model.TaskTypeVideoSlice, TargetIdentity: "file-c", Priority: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	finished := make(chan struct{})
	e := New(store, testConfig())
	e.Register(model.TaskTypeVideoSlice, func(ctx context.Context, task model.Task) (string, error) {
		close(started)
		<-ctx.Done()
		close(finished)
		return "", ctx.Err()
	})

	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(runCtx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, store.CancelTask(ctx, id))

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed cancellation")
	}

	// allow the engine's finalize step to run before asserting
	require.Eventually(t, func() bool {
		tasks, err := store.GetTasks(ctx, metadatastore.TaskFilter{Type: model.TaskTypeVideoSlice})
		return err == nil && len(tasks) == 1 && tasks[0].Status == model.TaskCancelled
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-errCh
}

func TestStatsReportsActiveDuringHandlerExecutionAndIdlesAfterward(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.EnqueueTask(ctx, model.Task{Type: model.TaskTypeFileEmbedImage, TargetIdentity: "file-d", Priority: 1})
	require.NoError(t, err)

	cfg := testConfig()
	e := New(store, cfg)

	inHandler := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	e.Register(model.TaskTypeFileEmbedImage, func(ctx context.Context, task model.Task) (string, error) {
		close(inHandler)
		<-release
		defer close(finished)
		return "ok", nil
	})

	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(runCtx) }()

	select {
	case <-inHandler:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	stats := e.Stats()[model.PoolEmbedding]
	require.Equal(t, cfg.EmbeddingWorkers, stats.Workers)
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 0, stats.Idle)
	require.Greater(t, stats.LoadPct, 0.0)

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}

	require.Eventually(t, func() bool {
		return e.Stats()[model.PoolEmbedding].Active == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-errCh
}
