package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/nodeflow/internal/persistence"
	"github.com/petrijr/nodeflow/pkg/api"
)

// SQLQueue is a persistent Queue backed by SQLite or PostgreSQL.
//
// Claims run as a single UPDATE whose target is chosen by a subquery. On
// PostgreSQL the subquery takes FOR UPDATE SKIP LOCKED so concurrent workers
// pass over rows already being claimed; SQLite serializes writers anyway.
type SQLQueue struct {
	db      *sql.DB
	dialect persistence.Dialect
}

// NewSQLQueue initializes the workflow_tasks table and returns a new queue.
func NewSQLQueue(db *sql.DB, dialect persistence.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: dialect}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// NewSQLiteQueue is NewSQLQueue with the SQLite dialect.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.SQLite)
}

// NewPostgresQueue is NewSQLQueue with the PostgreSQL dialect.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return NewSQLQueue(db, persistence.Postgres)
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

func (q *SQLQueue) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			node_instance_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			sub_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			queue_name TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			input_data TEXT NOT NULL DEFAULT '',
			output_data TEXT NOT NULL DEFAULT '',
			form_schema TEXT NOT NULL DEFAULT '',
			scheduled_at BIGINT NOT NULL DEFAULT 0,
			locked_by_worker_id TEXT NOT NULL DEFAULT '',
			lock_expires_at BIGINT NOT NULL DEFAULT 0,
			picked_at BIGINT NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			next_retry_at BIGINT NOT NULL DEFAULT 0,
			retry_delay_seconds INTEGER NOT NULL DEFAULT 0,
			use_exponential_backoff INTEGER NOT NULL DEFAULT 0,
			is_dead_letter INTEGER NOT NULL DEFAULT 0,
			dead_letter_reason TEXT NOT NULL DEFAULT '',
			dead_letter_at BIGINT NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			completed_at BIGINT NOT NULL DEFAULT 0,
			revision BIGINT NOT NULL,
			created_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_tasks_claim ON workflow_tasks(queue_name, status, priority, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_tasks_instance ON workflow_tasks(instance_id)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *SQLQueue) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.Rebind(query), args...)
}

func (q *SQLQueue) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
}

func (q *SQLQueue) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, instance_id, node_instance_id, node_id, type, sub_type, status, queue_name, priority,
	input_data, output_data, form_schema, scheduled_at, locked_by_worker_id, lock_expires_at, picked_at,
	retry_count, max_retries, next_retry_at, retry_delay_seconds, use_exponential_backoff,
	is_dead_letter, dead_letter_reason, dead_letter_at, attempts, last_error, completed_at, revision, created_at`

func taskArgs(t *api.WorkflowTask) ([]any, error) {
	input, err := persistence.EncodeState(t.InputData)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	output, err := persistence.EncodeState(t.OutputData)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	form, err := persistence.EncodeState(t.FormSchema)
	if err != nil {
		return nil, fmt.Errorf("encode form schema: %w", err)
	}
	return []any{
		t.ID, t.InstanceID, t.NodeInstanceID, t.NodeID, string(t.Type), t.SubType, string(t.Status),
		t.QueueName, t.Priority, input, output, form, persistence.UnixNano(t.ScheduledAt),
		t.LockedByWorkerID, persistence.UnixNano(t.LockExpiresAt), persistence.UnixNano(t.PickedAt),
		t.RetryCount, t.MaxRetries, persistence.UnixNano(t.NextRetryAt), t.RetryDelaySeconds,
		persistence.BoolInt(t.UseExponentialBackoff), persistence.BoolInt(t.IsDeadLetter), t.DeadLetterReason,
		persistence.UnixNano(t.DeadLetterAt), t.Attempts, t.LastError, persistence.UnixNano(t.CompletedAt),
		t.Revision, persistence.UnixNano(t.CreatedAt),
	}, nil
}

func scanTask(row scanner) (*api.WorkflowTask, error) {
	var (
		t                                      api.WorkflowTask
		taskType, status                       string
		input, output, form                    string
		scheduledAt, lockExpiresAt, pickedAt   int64
		nextRetryAt, deadLetterAt, completedAt int64
		createdAt                              int64
		backoff, deadLetter                    int
	)
	if err := row.Scan(&t.ID, &t.InstanceID, &t.NodeInstanceID, &t.NodeID, &taskType, &t.SubType, &status,
		&t.QueueName, &t.Priority, &input, &output, &form, &scheduledAt, &t.LockedByWorkerID, &lockExpiresAt,
		&pickedAt, &t.RetryCount, &t.MaxRetries, &nextRetryAt, &t.RetryDelaySeconds, &backoff, &deadLetter,
		&t.DeadLetterReason, &deadLetterAt, &t.Attempts, &t.LastError, &completedAt, &t.Revision,
		&createdAt); err != nil {
		return nil, err
	}
	var err error
	if t.InputData, err = persistence.DecodeState(input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if t.OutputData, err = persistence.DecodeState(output); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if t.FormSchema, err = persistence.DecodeState(form); err != nil {
		return nil, fmt.Errorf("decode form schema: %w", err)
	}
	t.Type = api.TaskType(taskType)
	t.Status = api.TaskStatus(status)
	t.ScheduledAt = persistence.FromUnixNano(scheduledAt)
	t.LockExpiresAt = persistence.FromUnixNano(lockExpiresAt)
	t.PickedAt = persistence.FromUnixNano(pickedAt)
	t.NextRetryAt = persistence.FromUnixNano(nextRetryAt)
	t.DeadLetterAt = persistence.FromUnixNano(deadLetterAt)
	t.CompletedAt = persistence.FromUnixNano(completedAt)
	t.CreatedAt = persistence.FromUnixNano(createdAt)
	t.UseExponentialBackoff = backoff != 0
	t.IsDeadLetter = deadLetter != 0
	return &t, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, task *api.WorkflowTask) error {
	if _, err := q.Get(ctx, task.ID); err == nil {
		return ErrTaskExists
	} else if !errors.Is(err, ErrTaskNotFound) {
		return err
	}

	task.Revision = 1
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `INSERT INTO workflow_tasks (`+taskColumns+`)
		VALUES (`+persistence.Placeholders(len(args))+`)`, args...)
	return err
}

func (q *SQLQueue) Get(ctx context.Context, id string) (*api.WorkflowTask, error) {
	t, err := scanTask(q.queryRow(ctx, `SELECT `+taskColumns+` FROM workflow_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (q *SQLQueue) Update(ctx context.Context, task *api.WorkflowTask) error {
	expected := task.Revision
	next := *task
	next.Revision = expected + 1
	args, err := taskArgs(&next)
	if err != nil {
		return err
	}

	res, err := q.exec(ctx, `
		UPDATE workflow_tasks
		SET instance_id = ?, node_instance_id = ?, node_id = ?, type = ?, sub_type = ?, status = ?,
			queue_name = ?, priority = ?, input_data = ?, output_data = ?, form_schema = ?, scheduled_at = ?,
			locked_by_worker_id = ?, lock_expires_at = ?, picked_at = ?, retry_count = ?, max_retries = ?,
			next_retry_at = ?, retry_delay_seconds = ?, use_exponential_backoff = ?, is_dead_letter = ?,
			dead_letter_reason = ?, dead_letter_at = ?, attempts = ?, last_error = ?, completed_at = ?,
			revision = ?, created_at = ?
		WHERE id = ? AND revision = ?`,
		append(args[1:], task.ID, expected)...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := q.Get(ctx, task.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	task.Revision = next.Revision
	return nil
}

// claimablePredicate mirrors Claimable in SQL. It binds now three times.
const claimablePredicate = `scheduled_at <= ? AND (
	status = '` + string(api.TaskPending) + `'
	OR (status = '` + string(api.TaskRetrying) + `' AND next_retry_at <= ?)
	OR (status IN ('` + string(api.TaskLocked) + `', '` + string(api.TaskRunning) + `') AND lock_expires_at < ?))`

func (q *SQLQueue) Claim(ctx context.Context, req ClaimRequest) (*api.WorkflowTask, error) {
	now := req.Now.UnixNano()
	pred := []any{now, now, now}

	var (
		target string
		args   []any
	)
	if req.TaskID != "" {
		target = "?"
		args = []any{req.TaskID}
	} else {
		lock := ""
		if q.dialect.SkipLocked {
			lock = " FOR UPDATE SKIP LOCKED"
		}
		target = `(SELECT id FROM workflow_tasks WHERE queue_name = ? AND ` + claimablePredicate +
			` ORDER BY priority, scheduled_at, id LIMIT 1` + lock + `)`
		args = append([]any{req.QueueName}, pred...)
	}

	set := []any{
		string(api.TaskLocked), req.WorkerID, req.Now.Add(req.Lease).UnixNano(), now,
	}
	stmt := `UPDATE workflow_tasks
		SET status = ?, locked_by_worker_id = ?, lock_expires_at = ?, picked_at = ?, next_retry_at = 0,
			attempts = attempts + 1, revision = revision + 1
		WHERE id = ` + target + ` AND ` + claimablePredicate + `
		RETURNING ` + taskColumns

	all := append(append(set, args...), pred...)
	t, err := scanTask(q.queryRow(ctx, stmt, all...))
	if errors.Is(err, sql.ErrNoRows) {
		if req.TaskID != "" {
			if _, gerr := q.Get(ctx, req.TaskID); gerr != nil {
				return nil, gerr
			}
		}
		return nil, ErrNoTask
	}
	return t, err
}

func (q *SQLQueue) List(ctx context.Context, filter api.TaskFilter) ([]*api.WorkflowTask, error) {
	var (
		where []string
		args  []any
	)
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.NodeInstanceID != "" {
		where = append(where, "node_instance_id = ?")
		args = append(args, filter.NodeInstanceID)
	}
	if filter.QueueName != "" {
		where = append(where, "queue_name = ?")
		args = append(args, filter.QueueName)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+persistence.Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.RetryDueBefore.IsZero() {
		where = append(where, "next_retry_at > 0 AND next_retry_at <= ?")
		args = append(args, filter.RetryDueBefore.UnixNano())
	}
	if !filter.LeaseExpiredBefore.IsZero() {
		where = append(where, "lock_expires_at > 0 AND lock_expires_at < ?")
		args = append(args, filter.LeaseExpiredBefore.UnixNano())
	}

	stmt := `SELECT ` + taskColumns + ` FROM workflow_tasks`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY created_at, priority, scheduled_at, id"
	if filter.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := q.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
