package store

import (
	"context"
	"database/sql"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
)

// CreateLink inserts a directed link between two tasks of the same plan.
// A requires edge that would close a cycle is rejected with a CycleError
// describing the offending path.
func (s *SQLite) CreateLink(ctx context.Context, link domain.TaskLink) error {
	if err := link.Validate(); err != nil {
		return gerrors.NewValidation("invalid_link", "%v", err)
	}

	fromPlan, err := s.PlanIDForTask(ctx, link.FromID)
	if err != nil {
		return err
	}
	toPlan, err := s.PlanIDForTask(ctx, link.ToID)
	if err != nil {
		return err
	}
	if fromPlan != toPlan {
		return gerrors.NewConflict("cross_plan_link",
			"tasks %s and %s belong to different plans", link.FromID, link.ToID)
	}

	p, err := s.planDB(ctx, fromPlan)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if link.Kind == domain.LinkRequires {
		if err := s.checkAcyclic(ctx, p.db, link); err != nil {
			return err
		}
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO task_links (from_id, to_id, kind, created_at) VALUES (?, ?, ?, ?)`,
		link.FromID, link.ToID, string(link.Kind), now())
	if err != nil {
		if isUniqueViolation(err) {
			return gerrors.NewConflict("duplicate_link",
				"link %s -> %s (%s) already exists", link.FromID, link.ToID, link.Kind)
		}
		return storeUnavailable("create link", err)
	}
	s.touchPlan(ctx, fromPlan)
	return nil
}

// checkAcyclic rejects a requires edge when its target can already reach its
// source, which would close a cycle. BFS over the existing requires edges.
func (s *SQLite) checkAcyclic(ctx context.Context, db *sql.DB, link domain.TaskLink) error {
	edges, err := requiresEdgesIn(ctx, db)
	if err != nil {
		return err
	}
	adjacency := make(map[string][]string, len(edges))
	for _, e := range edges {
		adjacency[e.FromID] = append(adjacency[e.FromID], e.ToID)
	}

	// parent[x] remembers how BFS reached x so the cycle path can be rebuilt.
	parent := map[string]string{link.ToID: ""}
	queue := []string{link.ToID}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[node] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = node
			if next == link.FromID {
				return s.buildCycleError(ctx, db, link, parent)
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// buildCycleError reconstructs the offending cycle: the BFS path ToID -> ...
// -> FromID plus the rejected edge FromID -> ToID.
func (s *SQLite) buildCycleError(ctx context.Context, db *sql.DB, link domain.TaskLink, parent map[string]string) error {
	path := []string{link.FromID}
	for node := parent[link.FromID]; node != ""; node = parent[node] {
		path = append([]string{node}, path...)
	}
	// path is now ToID ... FromID; the new edge closes it.
	nodes := append([]string{}, path...)
	edges := make([]gerrors.Edge, 0, len(path))
	edges = append(edges, gerrors.Edge{From: link.FromID, To: link.ToID})
	for i := 0; i+1 < len(path); i++ {
		edges = append(edges, gerrors.Edge{From: path[i], To: path[i+1]})
	}

	names := make(map[string]string, len(nodes))
	for _, nodeID := range nodes {
		if task, err := taskIn(ctx, db, nodeID); err == nil {
			names[nodeID] = task.Name
		}
	}
	return &gerrors.CycleError{Nodes: nodes, Edges: edges, Names: names}
}

// DeleteLink removes one link identified by its full primary key.
func (s *SQLite) DeleteLink(ctx context.Context, link domain.TaskLink) error {
	if err := link.Validate(); err != nil {
		return gerrors.NewValidation("invalid_link", "%v", err)
	}
	p, err := s.planDBForTask(ctx, link.FromID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res, err := p.db.ExecContext(ctx,
		`DELETE FROM task_links WHERE from_id = ? AND to_id = ? AND kind = ?`,
		link.FromID, link.ToID, string(link.Kind))
	if err != nil {
		return storeUnavailable("delete link", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gerrors.NewNotFound("link", link.FromID+"->"+link.ToID)
	}
	return nil
}

// Links returns a task's links grouped by direction.
func (s *SQLite) Links(ctx context.Context, taskID string) (*LinkSet, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	outbound, err := queryLinks(ctx, p.db,
		`SELECT from_id, to_id, kind FROM task_links WHERE from_id = ? ORDER BY kind, to_id`, taskID)
	if err != nil {
		return nil, err
	}
	inbound, err := queryLinks(ctx, p.db,
		`SELECT from_id, to_id, kind FROM task_links WHERE to_id = ? ORDER BY kind, from_id`, taskID)
	if err != nil {
		return nil, err
	}
	return &LinkSet{Inbound: inbound, Outbound: outbound}, nil
}

// ListDependencies returns the upstream tasks of taskID: requires before
// refers, then priority asc, then id asc. The context assembler depends on
// this exact order.
func (s *SQLite) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	p, err := s.planDBForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT l.kind, `+taskColumnsPrefixed("t")+`
		FROM task_links l
		JOIN tasks t ON t.id = l.to_id
		WHERE l.from_id = ? AND l.kind IN (?, ?)
		ORDER BY CASE l.kind WHEN ? THEN 0 ELSE 1 END, t.priority ASC, t.id ASC`,
		taskID, string(domain.LinkRequires), string(domain.LinkRefers), string(domain.LinkRequires))
	if err != nil {
		return nil, storeUnavailable("list dependencies", err)
	}
	defer rows.Close()

	deps := make([]Dependency, 0)
	for rows.Next() {
		var kind string
		var task domain.Task
		var parentID sql.NullString
		var taskType, status string
		var meta sql.NullString
		err := rows.Scan(&kind, &task.ID, &task.PlanID, &parentID, &task.RootID, &task.Name,
			&taskType, &status, &task.Priority, &task.Depth, &task.Position,
			&task.Path, &task.SessionID, &task.WorkflowID,
			&task.CreatedAt, &task.UpdatedAt, &meta)
		if err != nil {
			return nil, storeUnavailable("scan dependency", err)
		}
		task.ParentID = parentID.String
		task.Type = domain.TaskType(taskType)
		task.Status = domain.Status(status)
		if task.Meta, err = unmarshalMeta(meta); err != nil {
			return nil, storeUnavailable("decode dependency meta", err)
		}
		deps = append(deps, Dependency{Task: task, Kind: domain.LinkKind(kind)})
	}
	return deps, rows.Err()
}

// RequiresEdges returns every requires link of a plan, ordered for stable
// iteration.
func (s *SQLite) RequiresEdges(ctx context.Context, planID string) ([]domain.TaskLink, error) {
	p, err := s.planDB(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return requiresEdgesIn(ctx, p.db)
}

func requiresEdgesIn(ctx context.Context, q querier) ([]domain.TaskLink, error) {
	return queryLinks(ctx, q,
		`SELECT from_id, to_id, kind FROM task_links WHERE kind = ? ORDER BY from_id, to_id`,
		string(domain.LinkRequires))
}

func queryLinks(ctx context.Context, q querier, query string, args ...any) ([]domain.TaskLink, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("query links", err)
	}
	defer rows.Close()

	links := make([]domain.TaskLink, 0)
	for rows.Next() {
		var link domain.TaskLink
		var kind string
		if err := rows.Scan(&link.FromID, &link.ToID, &kind); err != nil {
			return nil, storeUnavailable("scan link", err)
		}
		link.Kind = domain.LinkKind(kind)
		links = append(links, link)
	}
	return links, rows.Err()
}

// taskColumnsPrefixed qualifies the shared task column list with an alias.
func taskColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.plan_id, ` + alias + `.parent_id, ` + alias + `.root_id, ` +
		alias + `.name, ` + alias + `.task_type, ` + alias + `.status, ` + alias + `.priority, ` +
		alias + `.depth, ` + alias + `.position, ` + alias + `.path, ` + alias + `.session_id, ` +
		alias + `.workflow_id, ` + alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.meta`
}
