package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
)

// ArtifactSection is one fragment of the assembled document: a heading for a
// composite or the output of an atomic task.
type ArtifactSection struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name"`
	Heading bool   `json:"heading"`
	Depth   int    `json:"depth"`
	Content string `json:"content,omitempty"`
}

// Artifact is the stitched result of a completed plan.
type Artifact struct {
	PlanID   string            `json:"plan_id"`
	Title    string            `json:"title"`
	Sections []ArtifactSection `json:"sections"`
	Combined string            `json:"combined"`
}

// Assemble stitches the plan's outputs into one document. The tree is walked
// depth-first in sibling order; composites become markdown headings and
// atomic outputs appear beneath their parent's heading. Tasks without output
// are skipped. When storeResult is set the combined text is written back as
// the root task's output.
func (o *Orchestrator) Assemble(ctx context.Context, planID string, storeResult bool) (*Artifact, error) {
	root, err := o.planRoot(ctx, planID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.PlanTasks(ctx, planID)
	if err != nil {
		return nil, err
	}

	children := make(map[string][]domain.Task)
	for _, task := range tasks {
		if task.ParentID != "" {
			children[task.ParentID] = append(children[task.ParentID], task)
		}
	}
	for parent := range children {
		siblings := children[parent]
		sort.SliceStable(siblings, func(i, j int) bool {
			if siblings[i].Position != siblings[j].Position {
				return siblings[i].Position < siblings[j].Position
			}
			return siblings[i].ID < siblings[j].ID
		})
	}

	artifact := &Artifact{PlanID: planID, Title: root.Name}

	var walk func(task domain.Task, depth int) error
	walk = func(task domain.Task, depth int) error {
		switch {
		case task.Type.IsContainer():
			if task.Type == domain.TypeComposite {
				artifact.Sections = append(artifact.Sections, ArtifactSection{
					TaskID: task.ID, Name: task.Name, Heading: true, Depth: depth,
				})
			}
			for _, child := range children[task.ID] {
				if err := walk(child, depth+1); err != nil {
					return err
				}
			}
		default:
			output, err := o.store.Output(ctx, task.ID)
			if errors.Is(err, gerrors.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			artifact.Sections = append(artifact.Sections, ArtifactSection{
				TaskID: task.ID, Name: task.Name, Depth: depth, Content: output,
			})
		}
		return nil
	}
	if err := walk(*root, 0); err != nil {
		return nil, err
	}

	artifact.Combined = renderArtifact(artifact)
	if storeResult && artifact.Combined != "" {
		if err := o.store.PutOutput(ctx, root.ID, artifact.Combined); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

func renderArtifact(artifact *Artifact) string {
	var b strings.Builder
	b.WriteString("# " + artifact.Title)
	for _, section := range artifact.Sections {
		if section.Heading {
			b.WriteString("\n\n" + strings.Repeat("#", section.Depth+1) + " " + section.Name)
			continue
		}
		if strings.TrimSpace(section.Content) == "" {
			continue
		}
		b.WriteString("\n\n" + section.Content)
	}
	return b.String()
}
