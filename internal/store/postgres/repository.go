package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/omnios-bhyve/taskengine/internal/task"
)

// Create inserts a new pending task row and returns its generated id.
func (s *Store) Create(ctx context.Context, spec task.CreateSpec) (string, error) {
	id := uuid.NewString()
	metadata := spec.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	const query = `
		INSERT INTO tasks (id, operation, target, priority, status, depends_on, metadata, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7, now(), now())`
	_, err := s.pool.Exec(ctx, query, id, spec.Operation, spec.Target, int(spec.Priority), spec.DependsOn, metadata, spec.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("postgres: create task: %w", err)
	}
	return id, nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	const query = `
		SELECT id, operation, target, priority, status, depends_on, metadata, progress_percent,
		       progress_info, error_message, created_by, created_at, updated_at, started_at, completed_at
		FROM tasks WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	return scanTask(row)
}

// List returns tasks matching filter, ordered by created_at DESC.
func (s *Store) List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	where, args := buildWhereClause(filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	limitPlaceholder := fmt.Sprintf("$%d", len(args))

	query := fmt.Sprintf(`
		SELECT id, operation, target, priority, status, depends_on, metadata, progress_percent,
		       progress_info, error_message, created_by, created_at, updated_at, started_at, completed_at
		FROM tasks %s ORDER BY created_at DESC LIMIT %s`, where, limitPlaceholder)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	total := 0
	if filter.IncludeCount {
		countWhere, countArgs := buildWhereClause(filter)
		countQuery := fmt.Sprintf("SELECT count(*) FROM tasks %s", countWhere)
		if err := s.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("postgres: count tasks: %w", err)
		}
	}
	return tasks, total, nil
}

// buildWhereClause assembles a parameterized WHERE clause from filter,
// mirroring the host repository's list-with-dynamic-filter pattern.
func buildWhereClause(filter task.ListFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.Target != "" {
		add("target = $%d", filter.Target)
	}
	if filter.Operation != "" {
		add("operation = $%d", filter.Operation)
	}
	if filter.OperationNE != "" {
		add("operation != $%d", filter.OperationNE)
	}
	if filter.Since != nil {
		add("updated_at >= $%d", *filter.Since)
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(metadata::text ILIKE %s OR error_message ILIKE %s)", placeholder, placeholder))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// CountByStatus returns the count of tasks in each status, for the HTTP
// stats endpoint.
func (s *Store) CountByStatus(ctx context.Context) (task.StatusCounts, error) {
	const query = `SELECT status, count(*) FROM tasks GROUP BY status`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return task.StatusCounts{}, fmt.Errorf("postgres: count by status: %w", err)
	}
	defer rows.Close()

	var counts task.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return task.StatusCounts{}, err
		}
		switch task.Status(status) {
		case task.StatusPending:
			counts.Pending = n
		case task.StatusRunning:
			counts.Running = n
		case task.StatusCompleted:
			counts.Completed = n
		case task.StatusFailed:
			counts.Failed = n
		case task.StatusCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}

// Update applies patch to one task row atomically.
func (s *Store) Update(ctx context.Context, id string, patch task.Patch) error {
	var sets []string
	var args []interface{}

	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ProgressPercent != nil {
		add("progress_percent", *patch.ProgressPercent)
	}
	if patch.ProgressInfo != nil {
		add("progress_info", patch.ProgressInfo)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update task %s: not found", id)
	}
	return nil
}

// CancelPending cancels id if and only if it is still pending, returning
// the task's current status either way so the HTTP surface can report
// "400 with current status" on a no-op cancel.
func (s *Store) CancelPending(ctx context.Context, id string) (task.Status, error) {
	const query = `
		UPDATE tasks SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING status`
	var status string
	err := s.pool.QueryRow(ctx, query, id).Scan(&status)
	if err == nil {
		return task.Status(status), nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("postgres: cancel task %s: %w", id, err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return "", fmt.Errorf("postgres: cancel task %s: %w", id, getErr)
	}
	return current.Status, nil
}

// CancelPendingForTarget cancels every still-pending task whose target
// equals target, for zone_delete's "cancel still-pending tasks for that
// zone" cleanup step. Returns the number cancelled.
func (s *Store) CancelPendingForTarget(ctx context.Context, target string) (int, error) {
	const query = `
		UPDATE tasks SET status = 'cancelled', completed_at = now(), updated_at = now()
		WHERE target = $1 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, query, target)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel pending tasks for target %s: %w", target, err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateProgress is the Progress Publisher's narrow write path,
// implementing scheduler.ProgressStore.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, percent int, info []byte) error {
	const query = `UPDATE tasks SET progress_percent = $1, progress_info = $2, updated_at = now() WHERE id = $3`
	_, err := s.pool.Exec(ctx, query, percent, nullableJSON(info), taskID)
	if err != nil {
		return fmt.Errorf("postgres: update progress for task %s: %w", taskID, err)
	}
	return nil
}

func nullableJSON(info []byte) interface{} {
	if info == nil {
		return nil
	}
	return info
}

// TryClaimNext implements C2's race-free claim: the eligible-candidate
// selection (dependency join, category exclusion via the passed-in
// operation→category table, priority/age ordering) and the running-state
// transition happen inside one SELECT ... FOR UPDATE SKIP LOCKED
// statement pair within a single transaction, so two scheduler goroutines
// racing this call never claim the same row.
func (s *Store) TryClaimNext(ctx context.Context, excludeCategories []string, operationCategories map[string]string) (task.Task, bool, error) {
	var claimed task.Task
	var found bool

	err := withRetry(ctx, func() error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("postgres: begin claim transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		operations := make([]string, 0, len(operationCategories))
		categories := make([]string, 0, len(operationCategories))
		for op, cat := range operationCategories {
			operations = append(operations, op)
			categories = append(categories, cat)
		}

		const query = `
			WITH operation_categories AS (
				SELECT * FROM unnest($1::text[], $2::text[]) AS oc(operation, category)
			)
			SELECT t.id, t.operation, t.target, t.priority, t.status, t.depends_on, t.metadata,
			       t.progress_percent, t.progress_info, t.error_message, t.created_by,
			       t.created_at, t.updated_at, t.started_at, t.completed_at
			FROM tasks t
			LEFT JOIN operation_categories oc ON oc.operation = t.operation
			LEFT JOIN tasks pred ON pred.id = t.depends_on
			WHERE t.status = 'pending'
			  AND (t.depends_on IS NULL OR pred.status = 'completed')
			  AND coalesce(oc.category, '') != ALL($3::text[])
			ORDER BY t.priority DESC, t.created_at ASC
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED`

		row := tx.QueryRow(ctx, query, operations, categories, excludeCategories)
		candidate, scanErr := scanTask(row)
		if scanErr != nil {
			if scanErr == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("postgres: select claim candidate: %w", scanErr)
		}

		now := time.Now()
		const update = `UPDATE tasks SET status = 'running', started_at = $1, updated_at = $1 WHERE id = $2`
		if _, err := tx.Exec(ctx, update, now, candidate.ID); err != nil {
			return fmt.Errorf("postgres: claim task %s: %w", candidate.ID, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit claim: %w", err)
		}

		candidate.Status = task.StatusRunning
		candidate.StartedAt = &now
		claimed = candidate
		found = true
		return nil
	})
	if err != nil {
		return task.Task{}, false, err
	}
	return claimed, found, nil
}

// RevertClaim reverts a task claimed by TryClaimNext back to pending,
// for the defensive multi-instance race path documented on the
// Scheduler.
func (s *Store) RevertClaim(ctx context.Context, id string) error {
	const query = `UPDATE tasks SET status = 'pending', started_at = NULL, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: revert claim for task %s: %w", id, err)
	}
	return nil
}

// DestroyTerminalOlderThan deletes terminal task rows completed before
// cutoffSeconds (a Unix timestamp), returning the count removed.
func (s *Store) DestroyTerminalOlderThan(ctx context.Context, cutoffSeconds int64) (int, error) {
	const query = `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at < to_timestamp($1)`
	tag, err := s.pool.Exec(ctx, query, cutoffSeconds)
	if err != nil {
		return 0, fmt.Errorf("postgres: destroy terminal tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkOrphanedRunning fails every row left running from a prior process,
// the crash-recovery sweep required before the scheduler claims new work.
func (s *Store) MarkOrphanedRunning(ctx context.Context) (int, error) {
	const query = `
		UPDATE tasks
		SET status = 'failed', completed_at = now(), updated_at = now(),
		    error_message = 'orphaned: process restarted while task was running'
		WHERE status = 'running'`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark orphaned running tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanner is the subset of pgx.Row/pgx.Rows used by scanTask.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (task.Task, error) {
	var t task.Task
	var priority int
	var status string
	var metadata, progressInfo []byte
	var errorMessage *string

	err := row.Scan(
		&t.ID, &t.Operation, &t.Target, &priority, &status, &t.DependsOn, &metadata,
		&t.ProgressPercent, &progressInfo, &errorMessage, &t.CreatedBy,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return task.Task{}, err
	}
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Metadata = metadata
	t.ProgressInfo = progressInfo
	if errorMessage != nil {
		t.ErrorMessage = *errorMessage
	}
	return t, nil
}
