package metadatastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/mediasearch/internal/errs"
	"github.com/ManuGH/mediasearch/internal/model"
)

// retryBackoff returns the exponential backoff delay before a task may be
// redispatched after its attempt'th failure: 2s after the first, then 4s,
// 8s, ... capped at 30s.
func retryBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// EnqueueTask inserts a new queued task along with its dependency edges.
// PipelineGroup defaults to TargetIdentity when left blank, matching the
// file-scoped-task convention.
func (s *Store) EnqueueTask(ctx context.Context, t model.Task) (int64, error) {
	group := t.PipelineGroup
	if group == "" {
		group = t.TargetIdentity
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.enqueue_task", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (type, target_identity, target_path, status, base_priority, file_bonus, type_bonus,
			created_at_ms, transitioned_at_ms, attempt, max_attempts, pipeline_group, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)`,
		string(t.Type), t.TargetIdentity, t.TargetPath, string(model.TaskQueued), t.Priority, 0, 0,
		now, now, maxAttempts, group)
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.enqueue_task", "insert task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.enqueue_task", "read inserted id", err)
	}

	for _, dep := range t.Dependencies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep); err != nil {
			return 0, errs.Wrap(errs.IO, "metadatastore.enqueue_task", "insert dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.enqueue_task", "commit", err)
	}
	return id, nil
}

// NextTasks performs the dispatch-selection query: among queued tasks of
// workerType whose dependencies have all succeeded and whose pipeline
// group is not locked by a running task, it returns up to limit tasks
// ordered by ascending effective priority (base − file bonus − type bonus
// − age compensation, ties broken by task id), and atomically marks them
// running. typeCap bounds how many tasks of workerType may be running at
// once; ageFactorPerSec converts queue age into a priority discount.
func (s *Store) NextTasks(ctx context.Context, workerType model.TaskType, limit int, typeCap int, ageFactorPerSec float64) ([]model.Task, error) {
	// database/sql has no verb for BEGIN IMMEDIATE, so the transaction is
	// driven over a single checked-out connection instead of sql.Tx: a
	// plain BEGIN (what BeginTx issues) takes SQLite's write lock lazily,
	// at the first write, which would let two concurrent NextTasks calls
	// for different worker types both read "pipeline group not locked" as
	// true before either marks a task running — violating the one-running-
	// task-per-pipeline-group invariant. BEGIN IMMEDIATE takes the write
	// lock up front, serializing the whole read-then-mark-running sequence
	// against any other writer.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "checkout conn", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "begin immediate", err)
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), "ROLLBACK") }()
	commit := func() error {
		_, err := conn.ExecContext(ctx, "COMMIT")
		return err
	}

	var running int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE type = ? AND status = ?`,
		string(workerType), string(model.TaskRunning)).Scan(&running); err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "count running", err)
	}
	if running >= typeCap {
		if err := commit(); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "commit (no capacity)", err)
		}
		return nil, nil
	}
	available := typeCap - running
	if limit > available {
		limit = available
	}
	if limit <= 0 {
		if err := commit(); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "commit (no limit)", err)
		}
		return nil, nil
	}

	rows, err := conn.QueryContext(ctx, `
		SELECT t.id, t.type, t.target_identity, t.target_path, t.status, t.base_priority, t.file_bonus,
			t.type_bonus, t.created_at_ms, t.transitioned_at_ms, t.attempt, t.max_attempts, t.pipeline_group, t.progress
		FROM tasks t
		WHERE t.status = ?
		  AND t.type = ?
		  AND t.next_eligible_at_ms <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM task_dependencies d JOIN tasks dep ON dep.id = d.depends_on_id
		      WHERE d.task_id = t.id AND dep.status != ?
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM tasks r WHERE r.pipeline_group = t.pipeline_group AND r.status = ?
		  )
		ORDER BY (t.base_priority - t.file_bonus - t.type_bonus -
		          CAST(? * (CAST(strftime('%s','now') AS INTEGER)*1000 - t.created_at_ms) / 1000.0 AS INTEGER)) ASC,
		         t.id ASC
		LIMIT ?`,
		string(model.TaskQueued), string(workerType), nowMS(), string(model.TaskSucceeded), string(model.TaskRunning),
		ageFactorPerSec, limit)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "select candidates", err)
	}

	var ids []int64
	var tasks []model.Task
	// The query only excludes groups that are already running; two queued
	// tasks of one group can both be candidates, so keep only the first.
	pickedGroups := make(map[string]bool)
	for rows.Next() {
		var tk model.Task
		var createdMS, transitionedMS int64
		if err := rows.Scan(&tk.ID, &tk.Type, &tk.TargetIdentity, &tk.TargetPath, &tk.Status, &tk.Priority,
			&tk.FileBonus, &tk.TypeBonus, &createdMS, &transitionedMS, &tk.Attempt, &tk.MaxAttempts,
			&tk.PipelineGroup, &tk.Progress); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "scan candidate", err)
		}
		if pickedGroups[tk.PipelineGroup] {
			continue
		}
		pickedGroups[tk.PipelineGroup] = true
		tk.CreatedAt = msToTime(createdMS)
		tk.TransitionedAt = msToTime(transitionedMS)
		ids = append(ids, tk.ID)
		tasks = append(tasks, tk)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "iterate candidates", err)
	}
	rows.Close()

	if len(ids) == 0 {
		if err := commit(); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "commit (no candidates)", err)
		}
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(model.TaskRunning), nowMS())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE tasks SET status = ?, transitioned_at_ms = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "mark running", err)
	}

	if err := commit(); err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.next_tasks", "commit", err)
	}

	for i := range tasks {
		tasks[i].Status = model.TaskRunning
	}
	return tasks, nil
}

// CompleteTask marks a running task succeeded and stores its result payload.
func (s *Store) CompleteTask(ctx context.Context, id int64, resultPayload string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result_payload = ?, progress = 1.0, transitioned_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskSucceeded), resultPayload, nowMS(), id, string(model.TaskRunning))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.complete_task", "update task", err)
	}
	return requireAffected(res, "metadatastore.complete_task", id)
}

// FailTask records a failure. If retryable and the task has attempts
// remaining, it is requeued (the queued→running→queued retry edge is the
// one permitted non-monotonic transition); otherwise it is marked
// permanently failed. A task already moved to cancelling by a timeout
// checkpoint may still fail here (§5: "on timeout the worker sets
// cancelling... and the task is failed as retryable").
func (s *Store) FailTask(ctx context.Context, id int64, reason string, retryable bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.fail_task", "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempt, maxAttempts int
	var status string
	if err := tx.QueryRowContext(ctx, `SELECT attempt, max_attempts, status FROM tasks WHERE id = ?`, id).
		Scan(&attempt, &maxAttempts, &status); err != nil {
		if err == sql.ErrNoRows {
			return errs.New(errs.NotFound, "metadatastore.fail_task", fmt.Sprintf("no task %d", id))
		}
		return errs.Wrap(errs.IO, "metadatastore.fail_task", "read task", err)
	}
	if status != string(model.TaskRunning) && status != string(model.TaskCancelling) {
		return errs.New(errs.Integrity, "metadatastore.fail_task", fmt.Sprintf("task %d is not running", id))
	}

	attempt++
	nextStatus := string(model.TaskFailed)
	nextEligible := int64(0)
	if retryable && attempt < maxAttempts {
		nextStatus = string(model.TaskQueued)
		nextEligible = nowMS() + retryBackoff(attempt).Milliseconds()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempt = ?, fail_reason = ?, transitioned_at_ms = ?, next_eligible_at_ms = ? WHERE id = ?`,
		nextStatus, attempt, reason, nowMS(), nextEligible, id); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.fail_task", "update task", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.fail_task", "commit", err)
	}
	return nil
}

// CancelTask requests cancellation of a single task by id. A queued task
// cancels immediately; a running task is marked cancelling and finalizes
// once its worker observes the status at a checkpoint. Cancelling an
// already-terminal task is a no-op, not an error.
func (s *Store) CancelTask(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskCancelled), nowMS(), id, string(model.TaskQueued)); err != nil {
		return errs.Wrap(errs.IO, "metadatastore.cancel_task", "cancel queued task", err)
	}
	return s.MarkCancelling(ctx, id)
}

// MarkCancelling transitions a running task to cancelling. It is used both
// by CancelTask (external cancellation request) and by the task engine
// itself when a task's per-type timeout elapses, since §5 treats a timeout
// as a cancellation checkpoint that is then failed as retryable rather than
// finalized as cancelled. A no-op when the task is not currently running.
func (s *Store) MarkCancelling(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskCancelling), nowMS(), id, string(model.TaskRunning))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.mark_cancelling", "update task", err)
	}
	return nil
}

// CancelTasksByType requests cancellation of every non-terminal task of the
// given type (queued tasks cancel immediately, running tasks move to
// cancelling) and returns the count affected.
func (s *Store) CancelTasksByType(ctx context.Context, taskType model.TaskType) (int, error) {
	var affected int64
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?
		WHERE type = ? AND status = ?`,
		string(model.TaskCancelled), nowMS(), string(taskType), string(model.TaskQueued))
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.cancel_tasks_by_type", "cancel queued tasks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.cancel_tasks_by_type", "read rows affected", err)
	}
	affected += n

	res, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?
		WHERE type = ? AND status = ?`,
		string(model.TaskCancelling), nowMS(), string(taskType), string(model.TaskRunning))
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.cancel_tasks_by_type", "mark running tasks cancelling", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.cancel_tasks_by_type", "read rows affected", err)
	}
	affected += n
	return int(affected), nil
}

// IsCancelling reports whether id currently carries the cancelling status,
// the checkpoint a worker polls between units of work inside a running task.
func (s *Store) IsCancelling(ctx context.Context, id int64) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, errs.New(errs.NotFound, "metadatastore.is_cancelling", fmt.Sprintf("no task %d", id))
		}
		return false, errs.Wrap(errs.IO, "metadatastore.is_cancelling", "read task status", err)
	}
	return status == string(model.TaskCancelling), nil
}

// FinalizeCancellation moves a cancelling task to its terminal cancelled
// state. Workers call this once they have stopped work after observing
// IsCancelling.
func (s *Store) FinalizeCancellation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.TaskCancelled), nowMS(), id, string(model.TaskCancelling))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.finalize_cancellation", "update task", err)
	}
	return requireAffected(res, "metadatastore.finalize_cancellation", id)
}

// RequeueStaleRunning resets every task still marked running or cancelling
// back to queued and increments its attempt count. Called once at engine
// startup: a running row found at boot belongs to a process that is no
// longer alive, since a single task engine instance owns the table for its
// lifetime.
func (s *Store) RequeueStaleRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, transitioned_at_ms = ?, next_eligible_at_ms = 0, attempt = attempt + 1
		WHERE status IN (?, ?)`,
		string(model.TaskQueued), nowMS(), string(model.TaskRunning), string(model.TaskCancelling))
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.requeue_stale_running", "update tasks", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.IO, "metadatastore.requeue_stale_running", "read rows affected", err)
	}
	return int(affected), nil
}

// UpdateProgress records a running task's fractional progress.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET progress = ? WHERE id = ? AND status = ?`,
		progress, id, string(model.TaskRunning))
	if err != nil {
		return errs.Wrap(errs.IO, "metadatastore.update_progress", "update task", err)
	}
	return nil
}

// TaskFilter narrows GetTasks to a subset of tasks.
type TaskFilter struct {
	Type   model.TaskType // empty matches all
	Status model.TaskStatus
}

// GetTasks returns tasks matching filter, newest first.
func (s *Store) GetTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error) {
	query := `
		SELECT id, type, target_identity, target_path, status, base_priority, file_bonus, type_bonus,
			created_at_ms, transitioned_at_ms, attempt, max_attempts, pipeline_group, fail_reason, result_payload, progress
		FROM tasks WHERE 1=1`
	var args []any
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "metadatastore.get_tasks", "query tasks", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var tk model.Task
		var createdMS, transitionedMS int64
		var failReason, resultPayload sql.NullString
		if err := rows.Scan(&tk.ID, &tk.Type, &tk.TargetIdentity, &tk.TargetPath, &tk.Status, &tk.Priority,
			&tk.FileBonus, &tk.TypeBonus, &createdMS, &transitionedMS, &tk.Attempt, &tk.MaxAttempts,
			&tk.PipelineGroup, &failReason, &resultPayload, &tk.Progress); err != nil {
			return nil, errs.Wrap(errs.IO, "metadatastore.get_tasks", "scan task", err)
		}
		tk.CreatedAt = msToTime(createdMS)
		tk.TransitionedAt = msToTime(transitionedMS)
		tk.FailReason = failReason.String
		tk.ResultPayload = resultPayload.String
		tasks = append(tasks, tk)
	}
	return tasks, rows.Err()
}

func requireAffected(res sql.Result, op string, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(errs.IO, op, "read rows affected", err)
	}
	if affected == 0 {
		return errs.New(errs.Integrity, op, fmt.Sprintf("task %d was not in the expected state", id))
	}
	return nil
}
