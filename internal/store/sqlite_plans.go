package store

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// CreatePlan registers a plan and provisions its datastore file.
func (s *SQLite) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	if plan.ID == "" {
		plan.ID = id.NewPlanID()
	}
	if strings.TrimSpace(plan.Title) == "" {
		return gerrors.NewValidation("invalid_plan", "plan title must not be empty")
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now()
	}
	plan.UpdatedAt = plan.CreatedAt

	meta, err := marshalMeta(plan.Meta)
	if err != nil {
		return gerrors.NewValidation("invalid_plan", "encode meta: %v", err)
	}

	path := s.planPath(plan.ID)
	_, err = s.registry.ExecContext(ctx,
		`INSERT INTO plans (id, title, goal, datastore_path, healthy, created_at, updated_at, meta)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		plan.ID, plan.Title, plan.Goal, path, plan.CreatedAt, plan.UpdatedAt, meta)
	if err != nil {
		if isUniqueViolation(err) {
			return gerrors.NewConflict("duplicate_plan", "plan %q already exists", plan.Title)
		}
		return storeUnavailable("create plan", err)
	}

	// Open eagerly so a broken datastore surfaces at create time.
	if _, err := s.planDB(ctx, plan.ID); err != nil {
		return err
	}
	s.logger.Info("created plan %s (%s)", plan.ID, plan.Title)
	return nil
}

// Plan loads one plan by id.
func (s *SQLite) Plan(ctx context.Context, planID string) (*domain.Plan, error) {
	row := s.registry.QueryRowContext(ctx,
		`SELECT id, title, goal, created_at, updated_at, meta FROM plans WHERE id = ?`, planID)
	return scanPlan(row, planID)
}

// PlanByTitle loads one plan by its unique title.
func (s *SQLite) PlanByTitle(ctx context.Context, title string) (*domain.Plan, error) {
	row := s.registry.QueryRowContext(ctx,
		`SELECT id, title, goal, created_at, updated_at, meta FROM plans WHERE title = ?`, title)
	return scanPlan(row, title)
}

func scanPlan(row *sql.Row, key string) (*domain.Plan, error) {
	var plan domain.Plan
	var meta sql.NullString
	err := row.Scan(&plan.ID, &plan.Title, &plan.Goal, &plan.CreatedAt, &plan.UpdatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, gerrors.NewNotFound("plan", key)
	}
	if err != nil {
		return nil, storeUnavailable("load plan", err)
	}
	if plan.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, storeUnavailable("decode plan meta", err)
	}
	return &plan, nil
}

// ListPlans returns summaries of every registered plan, newest first.
func (s *SQLite) ListPlans(ctx context.Context) ([]domain.PlanSummary, error) {
	rows, err := s.registry.QueryContext(ctx, `
		SELECT p.id, p.title, p.goal, p.healthy, p.created_at, p.updated_at,
		       (SELECT COUNT(*) FROM task_index t WHERE t.plan_id = p.id)
		FROM plans p
		ORDER BY p.created_at DESC, p.id DESC`)
	if err != nil {
		return nil, storeUnavailable("list plans", err)
	}
	defer rows.Close()

	summaries := make([]domain.PlanSummary, 0)
	for rows.Next() {
		var sum domain.PlanSummary
		var healthy int
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Goal, &healthy,
			&sum.CreatedAt, &sum.UpdatedAt, &sum.TaskCount); err != nil {
			return nil, storeUnavailable("scan plan summary", err)
		}
		sum.Healthy = healthy != 0
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// DeletePlan removes a plan, its registry rows, and its datastore file.
func (s *SQLite) DeletePlan(ctx context.Context, planID string) error {
	var path string
	err := s.registry.QueryRowContext(ctx,
		`SELECT datastore_path FROM plans WHERE id = ?`, planID).Scan(&path)
	if err == sql.ErrNoRows {
		return gerrors.NewNotFound("plan", planID)
	}
	if err != nil {
		return storeUnavailable("resolve plan", err)
	}

	s.mu.Lock()
	if p, ok := s.plans[planID]; ok {
		_ = p.db.Close()
		delete(s.plans, planID)
	}
	s.mu.Unlock()

	if _, err := s.registry.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, planID); err != nil {
		return storeUnavailable("delete plan", err)
	}
	removeDatastoreFiles(path)
	s.logger.Info("deleted plan %s", planID)
	return nil
}

// MarkPlanHealth flips the registry health flag for a plan.
func (s *SQLite) MarkPlanHealth(ctx context.Context, planID string, healthy bool) error {
	flag := 0
	if healthy {
		flag = 1
	}
	res, err := s.registry.ExecContext(ctx,
		`UPDATE plans SET healthy = ?, updated_at = ? WHERE id = ?`, flag, now(), planID)
	if err != nil {
		return storeUnavailable("mark plan health", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gerrors.NewNotFound("plan", planID)
	}
	return nil
}

// PlanIDForTask resolves which plan a task belongs to via the registry index.
func (s *SQLite) PlanIDForTask(ctx context.Context, taskID string) (string, error) {
	var planID string
	err := s.registry.QueryRowContext(ctx,
		`SELECT plan_id FROM task_index WHERE task_id = ?`, taskID).Scan(&planID)
	if err == sql.ErrNoRows {
		return "", gerrors.NewNotFound("task", taskID)
	}
	if err != nil {
		return "", storeUnavailable("resolve task plan", err)
	}
	return planID, nil
}

func (s *SQLite) touchPlan(ctx context.Context, planID string) {
	_, _ = s.registry.ExecContext(ctx,
		`UPDATE plans SET updated_at = ? WHERE id = ?`, now(), planID)
}

func marshalMeta(meta map[string]any) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	raw, err := jsonx.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalMeta(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := jsonx.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// removeDatastoreFiles deletes a plan database together with its WAL
// sidecars. Best effort: a leftover file is harmless.
func removeDatastoreFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}
