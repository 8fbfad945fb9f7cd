package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/utils/id"
)

func newTaskID() string { return id.NewTaskID() }

const taskColumns = `id, plan_id, parent_id, root_id, name, task_type, status,
	priority, depth, position, path, session_id, workflow_id, created_at, updated_at, meta`

// CreateTask inserts a task under params.ParentID (empty for roots), assigning
// depth, root id, position, and path. A negative position appends; an explicit
// position shifts later siblings up by one.
func (s *SQLite) CreateTask(ctx context.Context, params CreateTaskParams) (*domain.Task, error) {
	if params.PlanID == "" {
		return nil, gerrors.NewValidation("invalid_task", "plan id must not be empty")
	}
	if strings.TrimSpace(params.Name) == "" {
		return nil, gerrors.NewValidation("invalid_task", "task name must not be empty")
	}
	if !params.Type.Valid() {
		return nil, gerrors.NewValidation("invalid_task", "unknown task type %q", params.Type)
	}
	if (params.Type == domain.TypeRoot) != (params.ParentID == "") {
		return nil, gerrors.NewValidation("invalid_task",
			"root tasks have no parent; non-root tasks require one")
	}

	p, err := s.planDB(ctx, params.PlanID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeUnavailable("begin create task", err)
	}
	defer tx.Rollback() //nolint:errcheck

	task := &domain.Task{
		ID:        newTaskID(),
		PlanID:    params.PlanID,
		ParentID:  params.ParentID,
		Name:      strings.TrimSpace(params.Name),
		Type:      params.Type,
		Status:    domain.StatusPending,
		Priority:  params.Priority,
		CreatedAt: now(),
		Meta:      params.Meta,
	}
	task.UpdatedAt = task.CreatedAt

	parentPath := ""
	if params.ParentID != "" {
		parent, err := taskInTx(ctx, tx, params.ParentID)
		if err != nil {
			return nil, err
		}
		if !parent.Type.IsContainer() {
			return nil, gerrors.NewConflict("invalid_parent",
				"atomic task %s cannot hold children", parent.ID)
		}
		if parent.Depth+1 > s.maxDepth {
			return nil, gerrors.NewConflict("max_depth_exceeded",
				"child of %s would exceed depth %d", parent.ID, s.maxDepth)
		}
		task.Depth = parent.Depth + 1
		task.RootID = parent.RootID
		parentPath = parent.Path
	} else {
		task.RootID = task.ID
	}

	position, err := placeSibling(ctx, tx, params.ParentID, parentPath, params.Position, "")
	if err != nil {
		return nil, err
	}
	task.Position = position
	task.Path = domain.ChildPath(parentPath, position)

	if err := task.Validate(); err != nil {
		return nil, gerrors.NewValidation("invalid_task", "%v", err)
	}

	meta, err := marshalMeta(task.Meta)
	if err != nil {
		return nil, gerrors.NewValidation("invalid_task", "encode meta: %v", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, plan_id, parent_id, root_id, name, task_type, status,
			priority, depth, position, path, session_id, workflow_id, created_at, updated_at, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.PlanID, nullString(task.ParentID), task.RootID, task.Name,
		string(task.Type), string(task.Status), task.Priority, task.Depth,
		task.Position, task.Path, task.SessionID, task.WorkflowID,
		task.CreatedAt, task.UpdatedAt, meta)
	if err != nil {
		return nil, storeUnavailable("insert task", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_inputs (task_id, content, updated_at) VALUES (?, ?, ?)`,
		task.ID, params.Input, task.CreatedAt)
	if err != nil {
		return nil, storeUnavailable("insert task input", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeUnavailable("commit create task", err)
	}

	if _, err := s.registry.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_index (task_id, plan_id) VALUES (?, ?)`,
		task.ID, task.PlanID); err != nil {
		return nil, storeUnavailable("index task", err)
	}
	s.touchPlan(ctx, task.PlanID)
	return task, nil
}

// placeSibling resolves the insertion position among the children of
// parentID, shifting later siblings (and their subtree paths) when the caller
// asked for an explicit slot. excludeID leaves one task out of both the count
// and the shift, so a task being moved never displaces itself.
func placeSibling(ctx context.Context, tx *sql.Tx, parentID, parentPath string, requested int, excludeID string) (int, error) {
	var maxPos sql.NullInt64
	var err error
	if parentID == "" {
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM tasks WHERE parent_id IS NULL AND id != ?`, excludeID).Scan(&maxPos)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM tasks WHERE parent_id = ? AND id != ?`, parentID, excludeID).Scan(&maxPos)
	}
	if err != nil {
		return 0, storeUnavailable("resolve sibling position", err)
	}
	next := 0
	if maxPos.Valid {
		next = int(maxPos.Int64) + 1
	}
	if requested < 0 || requested >= next {
		return next, nil
	}

	// Shift trailing siblings up by one, deepest position first so paths
	// never collide mid-rewrite.
	siblings, err := queryTasks(ctx, tx, siblingQuery(parentID)+` AND id != ? AND position >= ? ORDER BY position DESC`,
		siblingArgs(parentID, excludeID, requested)...)
	if err != nil {
		return 0, err
	}
	for _, sib := range siblings {
		newPath := domain.ChildPath(parentPath, sib.Position+1)
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET position = position + 1, updated_at = ? WHERE id = ?`,
			now(), sib.ID); err != nil {
			return 0, storeUnavailable("shift sibling", err)
		}
		if err := rewriteSubtreePaths(ctx, tx, sib.Path, newPath); err != nil {
			return 0, err
		}
	}
	return requested, nil
}

func siblingQuery(parentID string) string {
	if parentID == "" {
		return `SELECT ` + taskColumns + ` FROM tasks WHERE parent_id IS NULL`
	}
	return `SELECT ` + taskColumns + ` FROM tasks WHERE parent_id = ?`
}

func siblingArgs(parentID string, extra ...any) []any {
	if parentID == "" {
		return extra
	}
	return append([]any{parentID}, extra...)
}

// rewriteSubtreePaths replaces the oldPath prefix with newPath for a task and
// every descendant.
func rewriteSubtreePaths(ctx context.Context, tx *sql.Tx, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET path = ? || substr(path, ?)
		WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		newPath, len(oldPath)+1, oldPath, likePrefix(oldPath)+"/%")
	if err != nil {
		return storeUnavailable("rewrite subtree paths", err)
	}
	return nil
}

// likePrefix escapes LIKE metacharacters in a literal prefix.
func likePrefix(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// Task loads one task by id.
func (s *SQLite) Task(ctx context.Context, taskID string) (*domain.Task, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return taskIn(ctx, p.db, taskID)
}

func (s *SQLite) planDBForTask(ctx context.Context, taskID string) (*planDB, error) {
	planID, err := s.PlanIDForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.planDB(ctx, planID)
}

// SetStatus applies a validated status transition.
func (s *SQLite) SetStatus(ctx context.Context, taskID string, status domain.Status, opts ...StatusOption) error {
	var params statusParams
	for _, opt := range opts {
		opt(&params)
	}

	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeUnavailable("begin status update", err)
	}
	defer tx.Rollback() //nolint:errcheck

	task, err := taskInTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Status == status {
		return tx.Commit()
	}
	if err := domain.ValidateTransition(task.Type, task.Status, status); err != nil {
		return fmt.Errorf("%w: task %s: %v", gerrors.ErrInvalidTransition, taskID, err)
	}

	meta := task.Meta
	if params.reason != "" || params.errText != "" {
		if meta == nil {
			meta = make(map[string]any, 2)
		}
		if params.reason != "" {
			meta["status_reason"] = params.reason
		}
		if params.errText != "" {
			meta["last_error"] = params.errText
		}
	}
	if status == domain.StatusCompleted && meta != nil {
		delete(meta, "last_error")
	}
	encoded, err := marshalMeta(meta)
	if err != nil {
		return gerrors.NewValidation("invalid_task", "encode meta: %v", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, meta = ? WHERE id = ?`,
		string(status), now(), encoded, taskID); err != nil {
		return storeUnavailable("update status", err)
	}
	if err := tx.Commit(); err != nil {
		return storeUnavailable("commit status update", err)
	}
	s.touchPlan(ctx, task.PlanID)
	return nil
}

// MoveTask re-parents a task (with its whole subtree) under newParentID at
// the given position. Rejects cycles, non-container parents, and moves that
// would push the subtree past the depth bound.
func (s *SQLite) MoveTask(ctx context.Context, taskID, newParentID string, position int) error {
	if taskID == newParentID {
		return gerrors.NewConflict("invalid_move", "cannot move a task under itself")
	}

	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storeUnavailable("begin move", err)
	}
	defer tx.Rollback() //nolint:errcheck

	task, err := taskInTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task.Type == domain.TypeRoot {
		return gerrors.NewConflict("invalid_move", "root tasks cannot be moved")
	}
	parent, err := taskInTx(ctx, tx, newParentID)
	if err != nil {
		return err
	}
	if parent.PlanID != task.PlanID {
		return gerrors.NewConflict("invalid_move", "cannot move across plans")
	}
	if !parent.Type.IsContainer() {
		return gerrors.NewConflict("invalid_move", "atomic task %s cannot hold children", parent.ID)
	}
	if domain.IsPathPrefix(task.Path, parent.Path) {
		return gerrors.NewConflict("invalid_move", "cannot move a task under its own descendant")
	}

	// Depth bound over the whole subtree, not just the moved node.
	var maxSubtreeDepth int
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(depth) FROM tasks WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		task.Path, likePrefix(task.Path)+"/%").Scan(&maxSubtreeDepth)
	if err != nil {
		return storeUnavailable("measure subtree depth", err)
	}
	depthDelta := (parent.Depth + 1) - task.Depth
	if maxSubtreeDepth+depthDelta > s.maxDepth {
		return gerrors.NewConflict("max_depth_exceeded",
			"move would push subtree to depth %d (max %d)", maxSubtreeDepth+depthDelta, s.maxDepth)
	}

	// Detach the subtree to a scratch prefix before shifting: in a
	// same-parent move the shift can rewrite a sibling onto this task's old
	// path, and the final prefix rewrite would then swallow both subtrees.
	scratch := "!" + task.ID
	if err := rewriteSubtreePaths(ctx, tx, task.Path, scratch); err != nil {
		return err
	}

	newPosition, err := placeSibling(ctx, tx, parent.ID, parent.Path, position, task.ID)
	if err != nil {
		return err
	}
	newPath := domain.ChildPath(parent.Path, newPosition)

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET depth = depth + ?, root_id = ?
		WHERE path = ? OR path LIKE ? ESCAPE '\'`,
		depthDelta, parent.RootID, scratch, likePrefix(scratch)+"/%"); err != nil {
		return storeUnavailable("rewrite subtree depth", err)
	}
	if err := rewriteSubtreePaths(ctx, tx, scratch, newPath); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET parent_id = ?, position = ?, updated_at = ? WHERE id = ?`,
		parent.ID, newPosition, now(), taskID); err != nil {
		return storeUnavailable("re-parent task", err)
	}
	if err := tx.Commit(); err != nil {
		return storeUnavailable("commit move", err)
	}
	s.touchPlan(ctx, task.PlanID)
	return nil
}

// DeleteTask removes a task and its whole subtree, cascading to inputs,
// outputs, links, evaluations, and snapshots.
func (s *SQLite) DeleteTask(ctx context.Context, taskID string) error {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		p.mu.Unlock()
		return storeUnavailable("begin delete", err)
	}

	task, err := taskInTx(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback()
		p.mu.Unlock()
		return err
	}
	subtree, err := queryTasks(ctx, tx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY path`,
		task.Path, likePrefix(task.Path)+"/%")
	if err != nil {
		_ = tx.Rollback()
		p.mu.Unlock()
		return err
	}
	// Child rows cascade through the parent_id foreign key.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		_ = tx.Rollback()
		p.mu.Unlock()
		return storeUnavailable("delete task", err)
	}
	if err := tx.Commit(); err != nil {
		p.mu.Unlock()
		return storeUnavailable("commit delete", err)
	}
	p.mu.Unlock()

	for _, t := range subtree {
		_, _ = s.registry.ExecContext(ctx, `DELETE FROM task_index WHERE task_id = ?`, t.ID)
	}
	s.touchPlan(ctx, task.PlanID)
	return nil
}

// Children lists the direct children of a task ordered by position.
func (s *SQLite) Children(ctx context.Context, taskID string) ([]domain.Task, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return queryTasks(ctx, p.db, `
		SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY position, id`, taskID)
}

// Subtree returns a task and all descendants in pre-order (lexical path order).
func (s *SQLite) Subtree(ctx context.Context, taskID string) ([]domain.Task, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	task, err := taskIn(ctx, p.db, taskID)
	if err != nil {
		return nil, err
	}
	return queryTasks(ctx, p.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY path`,
		task.Path, likePrefix(task.Path)+"/%")
}

// Siblings lists tasks sharing the same parent, by position, excluding the
// task itself.
func (s *SQLite) Siblings(ctx context.Context, taskID string) ([]domain.Task, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	task, err := taskIn(ctx, p.db, taskID)
	if err != nil {
		return nil, err
	}
	if task.ParentID == "" {
		return queryTasks(ctx, p.db, `
			SELECT `+taskColumns+` FROM tasks
			WHERE parent_id IS NULL AND id != ? ORDER BY position, id`, taskID)
	}
	return queryTasks(ctx, p.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_id = ? AND id != ? ORDER BY position, id`, task.ParentID, taskID)
}

// RootOf returns the root ancestor of a task.
func (s *SQLite) RootOf(ctx context.Context, taskID string) (*domain.Task, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	task, err := taskIn(ctx, p.db, taskID)
	if err != nil {
		return nil, err
	}
	if task.ID == task.RootID {
		return task, nil
	}
	return taskIn(ctx, p.db, task.RootID)
}

// PlanTasks lists every task of a plan in pre-order.
func (s *SQLite) PlanTasks(ctx context.Context, planID string) ([]domain.Task, error) {
	p, err := s.planDB(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return queryTasks(ctx, p.db, `SELECT `+taskColumns+` FROM tasks ORDER BY path`)
}

// Roots lists the root tasks of a plan, newest last.
func (s *SQLite) Roots(ctx context.Context, planID string) ([]domain.Task, error) {
	p, err := s.planDB(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return queryTasks(ctx, p.db, `
		SELECT `+taskColumns+` FROM tasks
		WHERE parent_id IS NULL ORDER BY created_at, id`)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func taskIn(ctx context.Context, q querier, taskID string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, gerrors.NewNotFound("task", taskID)
	}
	if err != nil {
		return nil, storeUnavailable("load task", err)
	}
	return task, nil
}

func taskInTx(ctx context.Context, tx *sql.Tx, taskID string) (*domain.Task, error) {
	return taskIn(ctx, tx, taskID)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("query tasks", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeUnavailable("scan task", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("iterate tasks", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(sc rowScanner) (*domain.Task, error) {
	var task domain.Task
	var parentID sql.NullString
	var taskType, status string
	var meta sql.NullString
	err := sc.Scan(&task.ID, &task.PlanID, &parentID, &task.RootID, &task.Name,
		&taskType, &status, &task.Priority, &task.Depth, &task.Position,
		&task.Path, &task.SessionID, &task.WorkflowID,
		&task.CreatedAt, &task.UpdatedAt, &meta)
	if err != nil {
		return nil, err
	}
	task.ParentID = parentID.String
	task.Type = domain.TaskType(taskType)
	task.Status = domain.Status(status)
	if task.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &task, nil
}

func scanTaskRow(row *sql.Row) (*domain.Task, error) {
	return scanTask(row)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
