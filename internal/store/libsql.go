package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/ruleflow/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/ruleflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

const workflowColumns = `id, name, trigger_type, logic_tree, priority, is_active, status, execution_count, last_executed_at, version, created_at, updated_at`

// CreateWorkflow inserts a workflow. Zero-valued Status, Version and
// timestamps are filled with ACTIVE, 1 and now.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	tree, err := json.Marshal(wf.LogicTree)
	if err != nil {
		return fmt.Errorf("marshal logic tree: %w", err)
	}
	if wf.Status == "" {
		wf.Status = schema.WorkflowStatusActive
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = timeOrNow(wf.UpdatedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Trigger), string(tree), wf.Priority, boolInt(wf.IsActive),
		string(wf.Status), wf.ExecutionCount, nullTime(wf.LastExecutedAt), wf.Version,
		wf.CreatedAt, wf.UpdatedAt,
	)
	return err
}

// GetWorkflow returns a workflow by id regardless of its status.
func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// FetchActiveWorkflows returns eligible workflows for trigger, highest
// priority first. Equal priorities keep creation order.
func (s *LibSQLStore) FetchActiveWorkflows(ctx context.Context, trigger schema.Trigger, limit int) ([]*schema.Workflow, error) {
	if limit <= 0 {
		limit = schema.MaxWorkflowsPerTrigger
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		 WHERE trigger_type = ? AND is_active = 1 AND status = ?
		 ORDER BY priority DESC, created_at ASC, id ASC
		 LIMIT ?`,
		string(trigger), string(schema.WorkflowStatusActive), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.LogicTree != nil {
		tree, err := json.Marshal(update.LogicTree)
		if err != nil {
			return fmt.Errorf("marshal logic tree: %w", err)
		}
		sets = append(sets, "logic_tree = ?", "version = version + 1")
		args = append(args, string(tree))
	}
	if update.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *update.Priority)
	}
	if update.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolInt(*update.IsActive))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Trigger != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY trigger_type, priority DESC, created_at ASC"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectWorkflows(rows)
}

// DeleteWorkflow removes a workflow. Its execution records are kept.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// BumpStats atomically increments the execution counter. last_executed_at
// only moves forward, so a late bump with an older time leaves it alone.
func (s *LibSQLStore) BumpStats(ctx context.Context, workflowID string, at time.Time) error {
	ts := timeOrNow(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET execution_count = execution_count + 1,
			last_executed_at = CASE
				WHEN last_executed_at IS NULL OR last_executed_at < ? THEN ?
				ELSE last_executed_at
			END
		WHERE id = ?`,
		ts, ts, workflowID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- Executions ---

const executionColumns = `id, workflow_id, trigger_type, context_data, success, result, error, error_code, execution_time_ms, entity_type, entity_id, created_at`

// PersistExecution appends one audit record.
func (s *LibSQLStore) PersistExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	var result any
	if exec.Result != nil {
		b, err := json.Marshal(exec.Result)
		if err != nil {
			return fmt.Errorf("marshal execution result: %w", err)
		}
		result = string(b)
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Trigger), nullRaw(exec.ContextData), boolInt(exec.Success),
		result, nullStr(exec.Error), nullStr(exec.ErrorCode), exec.ExecutionTimeMs,
		nullStr(exec.EntityType), nullStr(exec.EntityID), exec.CreatedAt,
	)
	return err
}

// ListExecutions returns audit records, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.Trigger))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, boolInt(*filter.Success))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + executionColumns + " FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	query += limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		e := &schema.WorkflowExecution{}
		var (
			trigger              string
			success              int64
			contextData, result  sql.NullString
			errMsg, errCode      sql.NullString
			entityType, entityID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WorkflowID, &trigger, &contextData, &success, &result,
			&errMsg, &errCode, &e.ExecutionTimeMs, &entityType, &entityID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Trigger = schema.Trigger(trigger)
		e.Success = success != 0
		e.ContextData = rawOrNil(contextData)
		if result.Valid && result.String != "" {
			e.Result = &schema.ActionDescriptor{}
			if err := json.Unmarshal([]byte(result.String), e.Result); err != nil {
				return nil, fmt.Errorf("unmarshal execution result: %w", err)
			}
		}
		e.Error = errMsg.String
		e.ErrorCode = errCode.String
		e.EntityType = entityType.String
		e.EntityID = entityID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeExecutions deletes audit records created before olderThan and reports
// how many were removed.
func (s *LibSQLStore) PurgeExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_executions WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		trigger, treeJSON, status string
		isActive                  int64
		lastExecuted              sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.Name, &trigger, &treeJSON, &wf.Priority, &isActive, &status,
		&wf.ExecutionCount, &lastExecuted, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Trigger = schema.Trigger(trigger)
	wf.Status = schema.WorkflowStatus(status)
	wf.IsActive = isActive != 0
	if err := json.Unmarshal([]byte(treeJSON), &wf.LogicTree); err != nil {
		return nil, fmt.Errorf("unmarshal logic tree of %s: %w", wf.ID, err)
	}
	if lastExecuted.Valid {
		t := lastExecuted.Time
		wf.LastExecutedAt = &t
	}
	return wf, nil
}

func collectWorkflows(rows *sql.Rows) ([]*schema.Workflow, error) {
	defer rows.Close()
	var out []*schema.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func storeNotFound(resource, id string) *schema.RuleflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
