package store

import (
	"context"
	"database/sql"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// SetInput overwrites a task's input text.
func (s *SQLite) SetInput(ctx context.Context, taskID, content string) error {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, err := p.db.ExecContext(ctx,
		`UPDATE task_inputs SET content = ?, updated_at = ? WHERE task_id = ?`,
		content, now(), taskID)
	if err != nil {
		return storeUnavailable("set input", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gerrors.NewNotFound("task", taskID)
	}
	return nil
}

// Input returns a task's input text.
func (s *SQLite) Input(ctx context.Context, taskID string) (string, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var content string
	err = p.db.QueryRowContext(ctx,
		`SELECT content FROM task_inputs WHERE task_id = ?`, taskID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", gerrors.NewNotFound("task", taskID)
	}
	if err != nil {
		return "", storeUnavailable("load input", err)
	}
	return content, nil
}

// PutOutput overwrites the latest output of a task. Historical drafts live in
// the evaluations table.
func (s *SQLite) PutOutput(ctx context.Context, taskID, content string) error {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := taskIn(ctx, p.db, taskID); err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO task_outputs (task_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		taskID, content, now())
	if err != nil {
		return storeUnavailable("put output", err)
	}
	return nil
}

// Output returns the latest output of a task, or ErrNotFound when none was
// committed yet.
func (s *SQLite) Output(ctx context.Context, taskID string) (string, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	var content string
	err = p.db.QueryRowContext(ctx,
		`SELECT content FROM task_outputs WHERE task_id = ?`, taskID).Scan(&content)
	if err == sql.ErrNoRows {
		return "", gerrors.NewNotFound("output", taskID)
	}
	if err != nil {
		return "", storeUnavailable("load output", err)
	}
	return content, nil
}

// AppendEvaluation persists one immutable evaluation record.
func (s *SQLite) AppendEvaluation(ctx context.Context, record *domain.EvaluationRecord) error {
	if err := record.Validate(); err != nil {
		return gerrors.NewValidation("invalid_evaluation", "%v", err)
	}
	if record.ID == "" {
		record.ID = id.NewEvaluationID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now()
	}

	p, err := s.planDBForTask(ctx, record.TaskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	dims, err := jsonx.Marshal(record.DimensionScores)
	if err != nil {
		return gerrors.NewValidation("invalid_evaluation", "encode dimensions: %v", err)
	}
	suggestions, err := jsonx.Marshal(record.Suggestions)
	if err != nil {
		return gerrors.NewValidation("invalid_evaluation", "encode suggestions: %v", err)
	}
	meta, err := marshalMeta(record.Meta)
	if err != nil {
		return gerrors.NewValidation("invalid_evaluation", "encode meta: %v", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, task_id, iteration, content_snapshot, overall_score,
			dimension_scores, suggestions, needs_revision, mode, created_at, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TaskID, record.Iteration, record.ContentSnapshot,
		record.OverallScore, string(dims), string(suggestions),
		boolToInt(record.NeedsRevision), string(record.Mode), record.CreatedAt, meta)
	if err != nil {
		return storeUnavailable("append evaluation", err)
	}
	return nil
}

// Evaluations returns a task's evaluation history ordered by iteration.
func (s *SQLite) Evaluations(ctx context.Context, taskID string) ([]domain.EvaluationRecord, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, iteration, content_snapshot, overall_score,
			dimension_scores, suggestions, needs_revision, mode, created_at, meta
		FROM evaluations WHERE task_id = ? ORDER BY iteration, created_at, id`, taskID)
	if err != nil {
		return nil, storeUnavailable("list evaluations", err)
	}
	defer rows.Close()

	records := make([]domain.EvaluationRecord, 0)
	for rows.Next() {
		var rec domain.EvaluationRecord
		var mode string
		var needsRevision int
		var dims, suggestions, meta sql.NullString
		err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Iteration, &rec.ContentSnapshot,
			&rec.OverallScore, &dims, &suggestions, &needsRevision, &mode,
			&rec.CreatedAt, &meta)
		if err != nil {
			return nil, storeUnavailable("scan evaluation", err)
		}
		rec.NeedsRevision = needsRevision != 0
		rec.Mode = domain.EvaluationMode(mode)
		if dims.Valid && dims.String != "" && dims.String != "null" {
			if err := jsonx.Unmarshal([]byte(dims.String), &rec.DimensionScores); err != nil {
				return nil, storeUnavailable("decode dimensions", err)
			}
		}
		if suggestions.Valid && suggestions.String != "" && suggestions.String != "null" {
			if err := jsonx.Unmarshal([]byte(suggestions.String), &rec.Suggestions); err != nil {
				return nil, storeUnavailable("decode suggestions", err)
			}
		}
		if rec.Meta, err = unmarshalMeta(meta); err != nil {
			return nil, storeUnavailable("decode evaluation meta", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSnapshot writes a labelled context snapshot, replacing any previous
// snapshot with the same (task, label).
func (s *SQLite) SaveSnapshot(ctx context.Context, snapshot *domain.ContextSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return gerrors.NewValidation("invalid_snapshot", "%v", err)
	}
	if snapshot.ID == "" {
		snapshot.ID = id.NewSnapshotID()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now()
	}

	p, err := s.planDBForTask(ctx, snapshot.TaskID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sections, err := jsonx.Marshal(snapshot.Sections)
	if err != nil {
		return gerrors.NewValidation("invalid_snapshot", "encode sections: %v", err)
	}
	meta, err := marshalMeta(snapshot.Meta)
	if err != nil {
		return gerrors.NewValidation("invalid_snapshot", "encode meta: %v", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, task_id, label, combined_text, sections, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, label) DO UPDATE SET
			id = excluded.id,
			combined_text = excluded.combined_text,
			sections = excluded.sections,
			meta = excluded.meta,
			created_at = excluded.created_at`,
		snapshot.ID, snapshot.TaskID, snapshot.Label, snapshot.CombinedText,
		string(sections), meta, snapshot.CreatedAt)
	if err != nil {
		return storeUnavailable("save snapshot", err)
	}
	return nil
}

// Snapshots lists a task's snapshot metadata, newest first.
func (s *SQLite) Snapshots(ctx context.Context, taskID string) ([]domain.SnapshotMeta, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, task_id, label, sections, length(combined_text), created_at
		FROM snapshots WHERE task_id = ? ORDER BY created_at DESC, id DESC`, taskID)
	if err != nil {
		return nil, storeUnavailable("list snapshots", err)
	}
	defer rows.Close()

	metas := make([]domain.SnapshotMeta, 0)
	for rows.Next() {
		var meta domain.SnapshotMeta
		var sections string
		if err := rows.Scan(&meta.ID, &meta.TaskID, &meta.Label, &sections,
			&meta.CombinedLen, &meta.CreatedAt); err != nil {
			return nil, storeUnavailable("scan snapshot meta", err)
		}
		var parsed []domain.SectionMeta
		if err := jsonx.Unmarshal([]byte(sections), &parsed); err == nil {
			meta.SectionCount = len(parsed)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Snapshot loads one snapshot by task and label.
func (s *SQLite) Snapshot(ctx context.Context, taskID, label string) (*domain.ContextSnapshot, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var snap domain.ContextSnapshot
	var sections string
	var meta sql.NullString
	err = p.db.QueryRowContext(ctx, `
		SELECT id, task_id, label, combined_text, sections, meta, created_at
		FROM snapshots WHERE task_id = ? AND label = ?`, taskID, label).
		Scan(&snap.ID, &snap.TaskID, &snap.Label, &snap.CombinedText,
			&sections, &meta, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, gerrors.NewNotFound("snapshot", taskID+"/"+label)
	}
	if err != nil {
		return nil, storeUnavailable("load snapshot", err)
	}
	if err := jsonx.Unmarshal([]byte(sections), &snap.Sections); err != nil {
		return nil, storeUnavailable("decode snapshot sections", err)
	}
	if snap.Meta, err = unmarshalMeta(meta); err != nil {
		return nil, storeUnavailable("decode snapshot meta", err)
	}
	return &snap, nil
}

// CreateRun writes the audit record for one scheduling pass.
func (s *SQLite) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.PlanID == "" {
		return gerrors.NewValidation("invalid_run", "run requires a plan id")
	}
	if run.ID == "" {
		run.ID = id.NewRunID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now()
	}
	if run.Status == "" {
		run.Status = domain.RunRunning
	}

	p, err := s.planDB(ctx, run.PlanID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var options any
	if len(run.Options) > 0 {
		options = string(run.Options)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, started_at, finished_at, strategy, options, status)
		VALUES (?, ?, ?, NULL, ?, ?, ?)`,
		run.ID, run.PlanID, run.StartedAt, run.Strategy, options, string(run.Status))
	if err != nil {
		return storeUnavailable("create run", err)
	}
	return nil
}

// FinishRun stamps a run's terminal status and finish time.
func (s *SQLite) FinishRun(ctx context.Context, planID, runID string, status domain.RunStatus) error {
	p, err := s.planDB(ctx, planID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), now(), runID)
	if err != nil {
		return storeUnavailable("finish run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gerrors.NewNotFound("run", runID)
	}
	return nil
}

// Runs lists a plan's runs, newest first.
func (s *SQLite) Runs(ctx context.Context, planID string) ([]domain.Run, error) {
	p, err := s.planDB(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, plan_id, started_at, finished_at, strategy, options, status
		FROM runs ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, storeUnavailable("list runs", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		var run domain.Run
		var finished sql.NullTime
		var options sql.NullString
		var status string
		if err := rows.Scan(&run.ID, &run.PlanID, &run.StartedAt, &finished,
			&run.Strategy, &options, &status); err != nil {
			return nil, storeUnavailable("scan run", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		if options.Valid && options.String != "" {
			run.Options = jsonx.RawMessage(options.String)
		}
		run.Status = domain.RunStatus(status)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
