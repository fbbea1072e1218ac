package metadatastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/mediasearch/internal/model"
)

func enqueue(t *testing.T, s *Store, ctx context.Context, typ model.TaskType, target string, priority int, deps ...int64) int64 {
	t.Helper()
	id, err := s.EnqueueTask(ctx, model.Task{
		Type:           typ,
		TargetIdentity: target,
		Priority:       priority,
		Dependencies:   deps,
	})
	require.NoError(t, err)
	return id
}

func TestNextTasksOrdersByEffectivePriorityThenID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 10)
	high := enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-b", 1)

	tasks, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, high, tasks[0].ID)
	require.Equal(t, low, tasks[1].ID)
}

func TestNextTasksRespectsPipelineGroupLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two tasks targeting the same file (shared pipeline group).
	enqueue(t, s, ctx, model.TaskTypeVideoSlice, "file-a", 5)
	enqueue(t, s, ctx, model.TaskTypeVideoSlice, "file-a", 5)

	first, err := s.NextTasks(ctx, model.TaskTypeVideoSlice, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, first, 1, "only one task per pipeline group may be running at a time")

	second, err := s.NextTasks(ctx, model.TaskTypeVideoSlice, 10, 10, 0)
	require.NoError(t, err)
	require.Empty(t, second, "the sibling task stays locked out while its group-mate is running")
}

func TestNextTasksRespectsDependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := enqueue(t, s, ctx, model.TaskTypeVideoSlice, "file-a", 5)
	enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5, parent)

	// The embed task depends on the preprocess task, which hasn't succeeded yet.
	dispatched, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Empty(t, dispatched)

	got, err := s.NextTasks(ctx, model.TaskTypeVideoSlice, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, s.CompleteTask(ctx, got[0].ID, ""))

	dispatched, err = s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, dispatched, 1)
}

func TestNextTasksRespectsTypeCap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5)
	enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-b", 5)

	got, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got2, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 1, 0)
	require.NoError(t, err)
	require.Empty(t, got2, "type cap of 1 is already saturated by the running task")
}

func TestFailTaskRetriesWithinAttemptBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueTask(ctx, model.Task{Type: model.TaskTypeFileEmbedImage, TargetIdentity: "file-a", Priority: 5, MaxAttempts: 2})
	require.NoError(t, err)

	got, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.FailTask(ctx, id, "model not ready", true))

	tasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, model.TaskQueued, tasks[0].Status, "first failure with budget remaining requeues")

	again, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Empty(t, again, "a just-retried task must wait out its backoff window before redispatch")
}

func TestFailTaskGivesUpAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueTask(ctx, model.Task{Type: model.TaskTypeFileEmbedImage, TargetIdentity: "file-a", Priority: 5, MaxAttempts: 1})
	require.NoError(t, err)

	got, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.FailTask(ctx, id, "codec unsupported", false))

	tasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, tasks[0].Status)
	require.Equal(t, "codec unsupported", tasks[0].FailReason)
}

func TestCancelTasksByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5)
	enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-b", 5)
	enqueue(t, s, ctx, model.TaskTypeVideoSlice, "file-c", 5)

	count, err := s.CancelTasksByType(ctx, model.TaskTypeFileEmbedImage)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	remaining, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeVideoSlice})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.NotEqual(t, model.TaskCancelled, remaining[0].Status)
}

func TestCancelTaskMarksRunningTaskCancellingNotCancelled(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5)
	_, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)

	require.NoError(t, s.CancelTask(ctx, id))

	tasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelling, tasks[0].Status, "a running task cannot be hard-killed, only flagged")

	cancelling, err := s.IsCancelling(ctx, id)
	require.NoError(t, err)
	require.True(t, cancelling)

	require.NoError(t, s.FinalizeCancellation(ctx, id))
	tasks, err = s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, tasks[0].Status)
}

func TestCancelTaskCancelsQueuedTaskImmediately(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5)
	require.NoError(t, s.CancelTask(ctx, id))

	tasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Equal(t, model.TaskCancelled, tasks[0].Status)
}

func TestRequeueStaleRunningResetsRunningAndCancellingToQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stuck := enqueue(t, s, ctx, model.TaskTypeFileEmbedImage, "file-a", 5)
	untouched := enqueue(t, s, ctx, model.TaskTypeVideoSlice, "file-b", 5)
	_, err := s.NextTasks(ctx, model.TaskTypeFileEmbedImage, 10, 10, 0)
	require.NoError(t, err)

	count, err := s.RequeueStaleRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	tasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeFileEmbedImage})
	require.NoError(t, err)
	require.Equal(t, model.TaskQueued, tasks[0].Status)
	require.Equal(t, stuck, tasks[0].ID)

	untouchedTasks, err := s.GetTasks(ctx, TaskFilter{Type: model.TaskTypeVideoSlice})
	require.NoError(t, err)
	require.Equal(t, model.TaskQueued, untouchedTasks[0].Status)
	require.Equal(t, untouched, untouchedTasks[0].ID)
}
