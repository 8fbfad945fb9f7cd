package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/store"
)

// TaskReader is the read-only slice of the store the db_query tool needs.
type TaskReader interface {
	PlanTasks(ctx context.Context, planID string) ([]domain.Task, error)
	Output(ctx context.Context, taskID string) (string, error)
}

// dbQuery answers read-only questions about the current plan: task listings
// filtered by status or type, and committed outputs. Queries run against the
// plan datastore through the store, never raw SQL from the model.
type dbQuery struct {
	reader TaskReader
	planID string
}

// NewDBQuery builds the db_query info tool scoped to one plan.
func NewDBQuery(reader TaskReader, planID string) Tool {
	return &dbQuery{reader: reader, planID: planID}
}

func (t *dbQuery) Descriptor() Descriptor {
	return Descriptor{
		Name: "db_query",
		Kind: KindInfo,
		Description: "Query the current plan's task database. " +
			"Supported queries: tasks (optionally filtered by status), output of a task by id.",
		Schema: jsonx.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "enum": ["tasks", "output"], "description": "What to look up"},
				"status": {"type": "string", "description": "Optional status filter for tasks"},
				"task_id": {"type": "string", "description": "Task id, required for output queries"}
			},
			"required": ["query"]
		}`),
	}
}

func (t *dbQuery) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	switch query {
	case "tasks":
		return t.listTasks(ctx, args)
	case "output":
		taskID, err := stringArg(args, "task_id")
		if err != nil {
			return nil, err
		}
		output, err := t.reader.Output(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return &Result{Content: output, Meta: map[string]any{"task_id": taskID}}, nil
	default:
		return nil, fmt.Errorf("db_query: unknown query %q", query)
	}
}

func (t *dbQuery) listTasks(ctx context.Context, args map[string]any) (*Result, error) {
	tasks, err := t.reader.PlanTasks(ctx, t.planID)
	if err != nil {
		return nil, err
	}
	statusFilter := ""
	if raw, ok := args["status"].(string); ok {
		statusFilter = raw
	}

	var out strings.Builder
	count := 0
	for _, task := range tasks {
		if statusFilter != "" && string(task.Status) != statusFilter {
			continue
		}
		fmt.Fprintf(&out, "%s [%s/%s] %s\n", task.ID, task.Type, task.Status, task.Name)
		count++
	}
	if count == 0 {
		out.WriteString("no matching tasks")
	}
	return &Result{Content: out.String(), Meta: map[string]any{"count": count}}, nil
}

var _ TaskReader = (store.Store)(nil)
