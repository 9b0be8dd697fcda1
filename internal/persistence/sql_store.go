package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/nodeflow/pkg/api"
)

// SQLStore implements DefinitionStore, InstanceStore and LogStore on top of
// database/sql.
//
// It expects an *sql.DB whose driver matches the dialect, for example
// "modernc.org/sqlite" for SQLite or "github.com/jackc/pgx/v5/stdlib" for
// PostgreSQL. The caller is responsible for importing the driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Ensure SQLStore implements the interfaces.
var (
	_ DefinitionStore = (*SQLStore)(nil)
	_ InstanceStore   = (*SQLStore)(nil)
	_ LogStore        = (*SQLStore)(nil)
)

// NewSQLStore initializes the required schema in the given database and
// returns a new SQLStore.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore is NewSQLStore with the SQLite dialect.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, SQLite)
}

// NewPostgresStore is NewSQLStore with the PostgreSQL dialect.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return NewSQLStore(db, Postgres)
}

// DB exposes the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			definition_key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			entity_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_version INTEGER NOT NULL DEFAULT 0,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			default_timeout_hours INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			definition_key TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			nodes TEXT NOT NULL,
			transitions TEXT NOT NULL,
			published_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (definition_key, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			definition_key TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			state_data TEXT NOT NULL DEFAULT '',
			input_data TEXT NOT NULL DEFAULT '',
			current_node_id TEXT NOT NULL DEFAULT '',
			last_sequence INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			timeout_at BIGINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			is_cancelled INTEGER NOT NULL DEFAULT 0,
			cancel_reason TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			parent_instance_id TEXT NOT NULL DEFAULT '',
			parent_node_instance_id TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL,
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_instances_definition ON workflow_instances(definition_key, status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_instances_parent ON workflow_instances(parent_instance_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_node_instances (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			status TEXT NOT NULL,
			execution_sequence INTEGER NOT NULL,
			fork_generation TEXT NOT NULL DEFAULT '',
			parent_generation TEXT NOT NULL DEFAULT '',
			branch_count INTEGER NOT NULL DEFAULT 0,
			incoming_completions TEXT NOT NULL DEFAULT '',
			skipped_branches TEXT NOT NULL DEFAULT '',
			transition_taken_id TEXT NOT NULL DEFAULT '',
			routed INTEGER NOT NULL DEFAULT 0,
			input_data TEXT NOT NULL DEFAULT '',
			output_data TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			child_instance_id TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL DEFAULT 0,
			timeout_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_node_instances_instance ON workflow_node_instances(instance_id, execution_sequence)`,
		`CREATE TABLE IF NOT EXISTS workflow_logs (
			seq ` + s.dialect.SerialPK + `,
			id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			node_instance_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			event TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_logs_instance ON workflow_logs(instance_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

//
// Definitions
//

const definitionColumns = `definition_key, id, name, entity_type, status, current_version, max_concurrent,
	default_timeout_hours, created_at, updated_at`

func definitionArgs(def *api.WorkflowDefinition) []any {
	return []any{
		def.Key, def.ID, def.Name, def.EntityType, string(def.Status), def.CurrentVersion,
		def.MaxConcurrentInstances, def.DefaultTimeoutHours, UnixNano(def.CreatedAt), UnixNano(def.UpdatedAt),
	}
}

func scanDefinition(row scanner) (*api.WorkflowDefinition, error) {
	var (
		def                  api.WorkflowDefinition
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&def.Key, &def.ID, &def.Name, &def.EntityType, &status, &def.CurrentVersion,
		&def.MaxConcurrentInstances, &def.DefaultTimeoutHours, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	def.Status = api.DefinitionStatus(status)
	def.CreatedAt = FromUnixNano(createdAt)
	def.UpdatedAt = FromUnixNano(updatedAt)
	return &def, nil
}

func (s *SQLStore) CreateDefinition(ctx context.Context, def *api.WorkflowDefinition) error {
	if _, err := s.GetDefinition(ctx, def.Key); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrDefinitionNotFound) {
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES (`+Placeholders(10)+`)`, definitionArgs(def)...)
	return err
}

func (s *SQLStore) UpdateDefinition(ctx context.Context, def *api.WorkflowDefinition) error {
	res, err := s.exec(ctx, `
		UPDATE workflow_definitions
		SET id = ?, name = ?, entity_type = ?, status = ?, current_version = ?, max_concurrent = ?,
			default_timeout_hours = ?, created_at = ?, updated_at = ?
		WHERE definition_key = ?`,
		def.ID, def.Name, def.EntityType, string(def.Status), def.CurrentVersion, def.MaxConcurrentInstances,
		def.DefaultTimeoutHours, UnixNano(def.CreatedAt), UnixNano(def.UpdatedAt), def.Key,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, ErrDefinitionNotFound)
}

func (s *SQLStore) GetDefinition(ctx context.Context, key string) (*api.WorkflowDefinition, error) {
	def, err := scanDefinition(s.queryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE definition_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDefinitionNotFound
	}
	return def, err
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]*api.WorkflowDefinition, error) {
	rows, err := s.query(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions ORDER BY definition_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

//
// Versions
//

func (s *SQLStore) SaveVersion(ctx context.Context, v *api.WorkflowVersion) error {
	nodes, err := EncodeJSON(v.Nodes)
	if err != nil {
		return err
	}
	transitions, err := EncodeJSON(v.Transitions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM workflow_versions WHERE definition_key = ? AND version_number = ?`),
		v.DefinitionKey, v.VersionNumber); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO workflow_versions (definition_key, version_number, status, nodes, transitions, published_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		v.DefinitionKey, v.VersionNumber, string(v.Status), nodes, transitions, UnixNano(v.PublishedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func scanVersion(row scanner) (*api.WorkflowVersion, error) {
	var (
		v                  api.WorkflowVersion
		status             string
		nodes, transitions string
		publishedAt        int64
	)
	if err := row.Scan(&v.DefinitionKey, &v.VersionNumber, &status, &nodes, &transitions, &publishedAt); err != nil {
		return nil, err
	}
	v.Status = api.VersionStatus(status)
	v.PublishedAt = FromUnixNano(publishedAt)
	if err := DecodeJSON(nodes, &v.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	if err := DecodeJSON(transitions, &v.Transitions); err != nil {
		return nil, fmt.Errorf("decode transitions: %w", err)
	}
	return &v, nil
}

func (s *SQLStore) GetVersion(ctx context.Context, definitionKey string, number int) (*api.WorkflowVersion, error) {
	v, err := scanVersion(s.queryRow(ctx, `
		SELECT definition_key, version_number, status, nodes, transitions, published_at
		FROM workflow_versions WHERE definition_key = ? AND version_number = ?`, definitionKey, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	return v, err
}

func (s *SQLStore) ListVersions(ctx context.Context, definitionKey string) ([]*api.WorkflowVersion, error) {
	rows, err := s.query(ctx, `
		SELECT definition_key, version_number, status, nodes, transitions, published_at
		FROM workflow_versions WHERE definition_key = ? ORDER BY version_number`, definitionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

//
// Instances
//

const instanceColumns = `id, definition_key, version_number, entity_type, entity_id, status, state_data,
	input_data, current_node_id, last_sequence, retry_count, timeout_at, started_at, completed_at,
	is_cancelled, cancel_reason, error_message, failure_reason, parent_instance_id,
	parent_node_instance_id, revision, created_at, updated_at`

func instanceArgs(inst *api.WorkflowInstance) ([]any, error) {
	state, err := EncodeState(inst.StateData)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	input, err := EncodeState(inst.InputData)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return []any{
		inst.ID, inst.DefinitionKey, inst.VersionNumber, inst.EntityType, inst.EntityID,
		string(inst.Status), state, input, inst.CurrentNodeID, inst.LastSequence, inst.RetryCount,
		UnixNano(inst.TimeoutAt), UnixNano(inst.StartedAt), UnixNano(inst.CompletedAt),
		BoolInt(inst.IsCancelled), inst.CancelReason, inst.ErrorMessage, string(inst.FailureReason),
		inst.ParentInstanceID, inst.ParentNodeInstanceID, inst.Revision,
		UnixNano(inst.CreatedAt), UnixNano(inst.UpdatedAt),
	}, nil
}

func scanInstance(row scanner) (*api.WorkflowInstance, error) {
	var (
		inst                              api.WorkflowInstance
		status, state, input, reason      string
		timeoutAt, startedAt, completedAt int64
		createdAt, updatedAt              int64
		cancelled                         int
	)
	if err := row.Scan(&inst.ID, &inst.DefinitionKey, &inst.VersionNumber, &inst.EntityType, &inst.EntityID,
		&status, &state, &input, &inst.CurrentNodeID, &inst.LastSequence, &inst.RetryCount,
		&timeoutAt, &startedAt, &completedAt, &cancelled, &inst.CancelReason, &inst.ErrorMessage, &reason,
		&inst.ParentInstanceID, &inst.ParentNodeInstanceID, &inst.Revision, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if inst.StateData, err = DecodeState(state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if inst.InputData, err = DecodeState(input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	inst.Status = api.InstanceStatus(status)
	inst.FailureReason = api.FailureReason(reason)
	inst.IsCancelled = cancelled != 0
	inst.TimeoutAt = FromUnixNano(timeoutAt)
	inst.StartedAt = FromUnixNano(startedAt)
	inst.CompletedAt = FromUnixNano(completedAt)
	inst.CreatedAt = FromUnixNano(createdAt)
	inst.UpdatedAt = FromUnixNano(updatedAt)
	return &inst, nil
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	if _, err := s.GetInstance(ctx, inst.ID); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, ErrInstanceNotFound) {
		return err
	}

	inst.Revision = 1
	args, err := instanceArgs(inst)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (`+Placeholders(len(args))+`)`, args...)
	return err
}

func (s *SQLStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	if err := s.updateInstance(ctx, s.db, inst); err != nil {
		return err
	}
	inst.Revision++
	return nil
}

// updateInstance writes inst with Revision+1 when the stored revision still
// equals inst.Revision. It leaves inst untouched.
func (s *SQLStore) updateInstance(ctx context.Context, q dbtx, inst *api.WorkflowInstance) error {
	expected := inst.Revision
	next := *inst
	next.Revision = expected + 1
	args, err := instanceArgs(&next)
	if err != nil {
		return err
	}

	// Drop the id from the SET list and append it plus the expected revision
	// for the WHERE clause.
	res, err := q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE workflow_instances
		SET definition_key = ?, version_number = ?, entity_type = ?, entity_id = ?, status = ?,
			state_data = ?, input_data = ?, current_node_id = ?, last_sequence = ?, retry_count = ?,
			timeout_at = ?, started_at = ?, completed_at = ?, is_cancelled = ?, cancel_reason = ?,
			error_message = ?, failure_reason = ?, parent_instance_id = ?, parent_node_instance_id = ?,
			revision = ?, created_at = ?, updated_at = ?
		WHERE id = ? AND revision = ?`),
		append(args[1:], inst.ID, expected)...,
	)
	if err != nil {
		return err
	}
	return s.checkCAS(ctx, q, res, "workflow_instances", inst.ID, ErrInstanceNotFound)
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := scanInstance(s.queryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLStore) ListInstances(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.ParentInstanceID != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.TimeoutBefore.IsZero() {
		where = append(where, "timeout_at > 0 AND timeout_at < ?")
		args = append(args, filter.TimeoutBefore.UnixNano())
	}

	q := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

//
// Node instances
//

const nodeInstanceColumns = `id, instance_id, node_id, node_type, status, execution_sequence,
	fork_generation, parent_generation, branch_count, incoming_completions, skipped_branches,
	transition_taken_id, routed, input_data, output_data, retry_count, child_instance_id,
	started_at, timeout_at, completed_at, error_message, failure_reason, revision`

func nodeInstanceArgs(n *api.WorkflowNodeInstance) ([]any, error) {
	incoming, err := EncodeJSON(n.IncomingCompletions)
	if err != nil {
		return nil, err
	}
	skipped, err := EncodeJSON(n.SkippedBranches)
	if err != nil {
		return nil, err
	}
	input, err := EncodeState(n.InputData)
	if err != nil {
		return nil, err
	}
	output, err := EncodeState(n.OutputData)
	if err != nil {
		return nil, err
	}
	return []any{
		n.ID, n.InstanceID, n.NodeID, string(n.NodeType), string(n.Status), n.ExecutionSequence,
		n.ForkGeneration, n.ParentGeneration, n.BranchCount, incoming, skipped,
		n.TransitionTakenID, BoolInt(n.Routed), input, output, n.RetryCount, n.ChildInstanceID,
		UnixNano(n.StartedAt), UnixNano(n.TimeoutAt), UnixNano(n.CompletedAt),
		n.ErrorMessage, string(n.FailureReason), n.Revision,
	}, nil
}

func scanNodeInstance(row scanner) (*api.WorkflowNodeInstance, error) {
	var (
		n                                   api.WorkflowNodeInstance
		nodeType, status, incoming, skipped string
		input, output, reason               string
		routed                              int
		startedAt, timeoutAt, completedAt   int64
	)
	if err := row.Scan(&n.ID, &n.InstanceID, &n.NodeID, &nodeType, &status, &n.ExecutionSequence,
		&n.ForkGeneration, &n.ParentGeneration, &n.BranchCount, &incoming, &skipped,
		&n.TransitionTakenID, &routed, &input, &output, &n.RetryCount, &n.ChildInstanceID,
		&startedAt, &timeoutAt, &completedAt, &n.ErrorMessage, &reason, &n.Revision); err != nil {
		return nil, err
	}
	if err := DecodeJSON(incoming, &n.IncomingCompletions); err != nil {
		return nil, err
	}
	if err := DecodeJSON(skipped, &n.SkippedBranches); err != nil {
		return nil, err
	}
	var err error
	if n.InputData, err = DecodeState(input); err != nil {
		return nil, err
	}
	if n.OutputData, err = DecodeState(output); err != nil {
		return nil, err
	}
	n.NodeType = api.NodeType(nodeType)
	n.Status = api.NodeInstanceStatus(status)
	n.FailureReason = api.FailureReason(reason)
	n.Routed = routed != 0
	n.StartedAt = FromUnixNano(startedAt)
	n.TimeoutAt = FromUnixNano(timeoutAt)
	n.CompletedAt = FromUnixNano(completedAt)
	return &n, nil
}

func (s *SQLStore) CreateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error {
	if err := s.insertNodeInstance(ctx, s.db, n); err != nil {
		return err
	}
	n.Revision = 1
	return nil
}

func (s *SQLStore) insertNodeInstance(ctx context.Context, q dbtx, n *api.WorkflowNodeInstance) error {
	next := *n
	next.Revision = 1
	args, err := nodeInstanceArgs(&next)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO workflow_node_instances (`+nodeInstanceColumns+`)
		VALUES (`+Placeholders(len(args))+`)`), args...)
	return err
}

func (s *SQLStore) UpdateNodeInstance(ctx context.Context, n *api.WorkflowNodeInstance) error {
	if err := s.updateNodeInstance(ctx, s.db, n); err != nil {
		return err
	}
	n.Revision++
	return nil
}

func (s *SQLStore) updateNodeInstance(ctx context.Context, q dbtx, n *api.WorkflowNodeInstance) error {
	expected := n.Revision
	next := *n
	next.Revision = expected + 1
	args, err := nodeInstanceArgs(&next)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE workflow_node_instances
		SET instance_id = ?, node_id = ?, node_type = ?, status = ?, execution_sequence = ?,
			fork_generation = ?, parent_generation = ?, branch_count = ?, incoming_completions = ?,
			skipped_branches = ?, transition_taken_id = ?, routed = ?, input_data = ?, output_data = ?,
			retry_count = ?, child_instance_id = ?, started_at = ?, timeout_at = ?, completed_at = ?,
			error_message = ?, failure_reason = ?, revision = ?
		WHERE id = ? AND revision = ?`),
		append(args[1:], n.ID, expected)...,
	)
	if err != nil {
		return err
	}
	return s.checkCAS(ctx, q, res, "workflow_node_instances", n.ID, ErrNodeInstanceNotFound)
}

// Commit runs the instance update and the node instance writes in one
// transaction. The instance row is written first so that concurrent commits
// of the same instance serialize on it.
func (s *SQLStore) Commit(ctx context.Context, inst *api.WorkflowInstance, nodes []NodeWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.updateInstance(ctx, tx, inst); err != nil {
		return err
	}
	for _, w := range nodes {
		if w.Create {
			err = s.insertNodeInstance(ctx, tx, w.Node)
		} else {
			err = s.updateNodeInstance(ctx, tx, w.Node)
		}
		if err != nil {
			return fmt.Errorf("node instance %s: %w", w.Node.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	bumpRevisions(inst, nodes)
	return nil
}

func (s *SQLStore) GetNodeInstance(ctx context.Context, id string) (*api.WorkflowNodeInstance, error) {
	n, err := scanNodeInstance(s.queryRow(ctx,
		`SELECT `+nodeInstanceColumns+` FROM workflow_node_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeInstanceNotFound
	}
	return n, err
}

func (s *SQLStore) ListNodeInstances(ctx context.Context, filter api.NodeInstanceFilter) ([]*api.WorkflowNodeInstance, error) {
	var (
		where []string
		args  []any
	)
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.ForkGeneration != nil {
		where = append(where, "fork_generation = ?")
		args = append(args, *filter.ForkGeneration)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+Placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.TimeoutBefore.IsZero() {
		where = append(where, "timeout_at > 0 AND timeout_at < ?")
		args = append(args, filter.TimeoutBefore.UnixNano())
	}

	q := `SELECT ` + nodeInstanceColumns + ` FROM workflow_node_instances`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY instance_id, execution_sequence"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowNodeInstance
	for rows.Next() {
		n, err := scanNodeInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

//
// Logs
//

func (s *SQLStore) AppendLog(ctx context.Context, entry *api.WorkflowLog) error {
	details, err := EncodeState(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO workflow_logs (id, instance_id, node_instance_id, task_id, level, event, message, details, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.InstanceID, entry.NodeInstanceID, entry.TaskID, string(entry.Level),
		entry.Event, entry.Message, details, UnixNano(entry.At),
	)
	return err
}

func (s *SQLStore) ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error) {
	rows, err := s.query(ctx, `
		SELECT id, instance_id, node_instance_id, task_id, level, event, message, details, at
		FROM workflow_logs
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowLog
	for rows.Next() {
		var (
			entry          api.WorkflowLog
			level, details string
			at             int64
		)
		if err := rows.Scan(&entry.ID, &entry.InstanceID, &entry.NodeInstanceID, &entry.TaskID,
			&level, &entry.Event, &entry.Message, &details, &at); err != nil {
			return nil, err
		}
		entry.Level = api.LogLevel(level)
		entry.At = FromUnixNano(at)
		if entry.Details, err = DecodeState(details); err != nil {
			return nil, err
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

//
// helpers
//

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// checkCAS distinguishes a missing row from a stale revision when an update
// touched nothing.
func (s *SQLStore) checkCAS(ctx context.Context, q dbtx, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return err
	}
	return ErrConcurrentUpdate
}
