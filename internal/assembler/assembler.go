// Package assembler builds the context bundle a task executes against:
// candidates gathered in priority tiers, trimmed to a character budget,
// and optionally snapshotted for replay.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yiyabo/gagent/internal/domain"
	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/llm"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/memory"
	tokenutil "github.com/yiyabo/gagent/internal/shared/token"
	"github.com/yiyabo/gagent/internal/store"
	"github.com/yiyabo/gagent/internal/utils/id"
)

// Priority tiers, lower = higher priority. Tool results sit between the
// requires deps and siblings; memory sits between retrieved and refers;
// manual pins come last unless promoted.
const (
	tierIndex     = 1
	tierRequires  = 2
	tierTool      = 3
	tierSibling   = 4
	tierRetrieved = 5
	tierMemory    = 6
	tierRefers    = 7
	tierManual    = 8
)

// Options selects candidate categories and bounds the bundle. The zero
// value gathers nothing; callers opt in per category.
type Options struct {
	IncludeIndex        bool     `json:"include_index"`
	IncludeDeps         bool     `json:"include_deps"`
	IncludePlanSiblings bool     `json:"include_plan_siblings"`
	IncludeRetrieved    bool     `json:"include_retrieved"`
	KPerCategory        int      `json:"k_per_category"`
	RetrievalK          int      `json:"retrieval_k"`
	RetrievalMinScore   float64  `json:"retrieval_min_similarity"`
	RetrievalMaxCand    int      `json:"retrieval_max_candidates"`
	ManualIDs           []string `json:"manual_ids,omitempty"`
	PinManual           bool     `json:"pin_manual"`
	UseMemory           bool     `json:"use_memory"`

	BudgetTotalChars      int                   `json:"budget_total_chars"`
	BudgetPerSectionChars int                   `json:"budget_per_section_chars"`
	Summarization         SummarizationStrategy `json:"summarization_strategy,omitempty"`

	SaveSnapshot bool   `json:"save_snapshot"`
	Label        string `json:"label,omitempty"`

	// Extra carries caller-built sections (tool results) into the same
	// dedup and budget pass as the gathered candidates. Not part of the
	// HTTP options surface.
	Extra []Section `json:"-"`
}

func (o Options) normalized() Options {
	if o.KPerCategory <= 0 {
		o.KPerCategory = 5
	}
	if o.RetrievalK <= 0 {
		o.RetrievalK = 3
	}
	if o.RetrievalMaxCand <= 0 {
		o.RetrievalMaxCand = 50
	}
	if o.Summarization == "" {
		o.Summarization = SummarizeTruncate
	}
	if o.Label == "" {
		o.Label = "latest"
	}
	return o
}

// Bundle is the assembled context for one task.
type Bundle struct {
	TaskID   string         `json:"task_id"`
	Sections []Section      `json:"sections"`
	Combined string         `json:"combined"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Assembler gathers and budgets context bundles.
type Assembler struct {
	store    store.Store
	embedder *llm.Embedder
	memory   memory.Service
	logger   logging.Logger
}

// New builds an assembler. Embedder and memory may be nil; the matching
// categories are then silently unavailable.
func New(st store.Store, embedder *llm.Embedder, mem memory.Service, logger logging.Logger) *Assembler {
	return &Assembler{
		store:    st,
		embedder: embedder,
		memory:   mem,
		logger:   logging.OrNop(logger),
	}
}

// Gather assembles the context bundle for taskID. With save_snapshot off the
// call is read-only and idempotent; identical inputs (including embedding
// outputs) produce a byte-identical bundle.
func (a *Assembler) Gather(ctx context.Context, taskID string, opts Options) (*Bundle, error) {
	opts = opts.normalized()
	if !opts.Summarization.Valid() {
		return nil, gerrors.NewValidation("invalid_strategy", "unknown summarization strategy %q", opts.Summarization)
	}

	task, err := a.store.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var candidates []Section
	seen := map[string]bool{task.ID: true}
	add := func(s Section) {
		if strings.TrimSpace(s.Content) == "" || seen[s.Meta.SourceID] {
			return
		}
		seen[s.Meta.SourceID] = true
		candidates = append(candidates, s)
	}

	if opts.IncludeIndex {
		if section, ok := a.indexSection(ctx, task.PlanID); ok {
			add(section)
		}
	}

	if opts.IncludeDeps {
		deps, err := a.store.ListDependencies(ctx, taskID)
		if err != nil {
			return nil, err
		}
		requires, refers := 0, 0
		for _, dep := range deps {
			switch dep.Kind {
			case domain.LinkRequires:
				if requires >= opts.KPerCategory {
					continue
				}
				if section, ok := a.taskSection(ctx, dep.Task, tierRequires, domain.SectionDepRequires); ok {
					add(section)
					requires++
				}
			case domain.LinkRefers:
				if refers >= opts.KPerCategory {
					continue
				}
				if section, ok := a.taskSection(ctx, dep.Task, tierRefers, domain.SectionDepRefers); ok {
					add(section)
					refers++
				}
			}
		}
	}

	if opts.IncludePlanSiblings {
		siblings, err := a.store.Siblings(ctx, taskID)
		if err != nil {
			return nil, err
		}
		count := 0
		for _, sibling := range siblings {
			if sibling.ID == task.ID || count >= opts.KPerCategory {
				continue
			}
			if section, ok := a.taskSection(ctx, sibling, tierSibling, domain.SectionSibling); ok {
				add(section)
				count++
			}
		}
	}

	degradedRetrieval := false
	queryText := a.queryText(ctx, task)

	if opts.IncludeRetrieved {
		retrieved, degraded, err := a.retrieve(ctx, task, queryText, opts, seen)
		if err != nil {
			return nil, err
		}
		degradedRetrieval = degraded
		for _, section := range retrieved {
			add(section)
		}
	}

	if opts.UseMemory && a.memory != nil {
		hits, err := a.memory.Query(ctx, queryText, nil, opts.RetrievalK)
		if err != nil {
			a.logger.Warn("memory query degraded: %v", err)
		}
		for _, hit := range hits {
			score := hit.Similarity
			add(Section{
				Meta: domain.SectionMeta{
					SourceID:     hit.ID,
					Kind:         domain.SectionMemory,
					PriorityTier: tierMemory,
					Score:        &score,
				},
				Title:   "memory",
				Content: hit.Content,
			})
		}
	}

	manualTier := tierManual
	if opts.PinManual {
		manualTier = tierIndex
	}
	for _, manualID := range opts.ManualIDs {
		manual, err := a.store.Task(ctx, manualID)
		if err != nil {
			if errors.Is(err, gerrors.ErrNotFound) {
				a.logger.Warn("manual context source %s not found, skipping", manualID)
				continue
			}
			return nil, err
		}
		if section, ok := a.taskSection(ctx, *manual, manualTier, domain.SectionManual); ok {
			add(section)
		}
	}

	for _, extra := range opts.Extra {
		add(extra)
	}

	budget := Budget{
		TotalChars:      opts.BudgetTotalChars,
		PerSectionChars: opts.BudgetPerSectionChars,
		Strategy:        opts.Summarization,
	}
	sections := applyBudget(candidates, budget)
	combined := combine(sections)

	bundle := &Bundle{
		TaskID:   task.ID,
		Sections: sections,
		Combined: combined,
		Meta: map[string]any{
			"section_count":  len(sections),
			"token_estimate": tokenutil.EstimateFast(combined),
		},
	}
	if budget.Limited() {
		bundle.Meta["budget"] = map[string]any{
			"total_chars":       budget.TotalChars,
			"per_section_chars": budget.PerSectionChars,
			"strategy":          string(budget.Strategy),
		}
	}
	if degradedRetrieval {
		bundle.Meta["degraded_retrieval"] = true
	}

	if opts.SaveSnapshot {
		if err := a.saveSnapshot(ctx, bundle, opts.Label); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// indexSection resolves the plan's INDEX document: the most recently created
// root, preferring its output over its input.
func (a *Assembler) indexSection(ctx context.Context, planID string) (Section, bool) {
	roots, err := a.store.Roots(ctx, planID)
	if err != nil || len(roots) == 0 {
		return Section{}, false
	}
	index := roots[0]
	for _, root := range roots[1:] {
		if root.CreatedAt.After(index.CreatedAt) || (root.CreatedAt.Equal(index.CreatedAt) && root.ID > index.ID) {
			index = root
		}
	}
	return a.taskSection(ctx, index, tierIndex, domain.SectionIndex)
}

// taskSection turns a task into a candidate section, preferring its stored
// output and falling back to its input.
func (a *Assembler) taskSection(ctx context.Context, task domain.Task, tier int, kind domain.SectionKind) (Section, bool) {
	content := a.contentOf(ctx, task.ID)
	if strings.TrimSpace(content) == "" {
		return Section{}, false
	}
	return Section{
		Meta: domain.SectionMeta{
			SourceID:     task.ID,
			Kind:         kind,
			PriorityTier: tier,
		},
		Title:   task.Name,
		Content: content,
	}, true
}

func (a *Assembler) contentOf(ctx context.Context, taskID string) string {
	if output, err := a.store.Output(ctx, taskID); err == nil && strings.TrimSpace(output) != "" {
		return output
	}
	input, err := a.store.Input(ctx, taskID)
	if err != nil {
		return ""
	}
	return input
}

func (a *Assembler) queryText(ctx context.Context, task *domain.Task) string {
	if input, err := a.store.Input(ctx, task.ID); err == nil && strings.TrimSpace(input) != "" {
		return input
	}
	return task.Name
}

// retrievalCandidate pairs a completed task with its output for scoring.
type retrievalCandidate struct {
	task    domain.Task
	content string
	score   float64
}

// retrieve ranks completed sibling-plan outputs by cosine similarity to the
// query. Embedding failures disable retrieval for this bundle instead of
// failing the gather.
func (a *Assembler) retrieve(ctx context.Context, task *domain.Task, queryText string, opts Options, seen map[string]bool) ([]Section, bool, error) {
	if a.embedder == nil {
		return nil, false, nil
	}
	tasks, err := a.store.PlanTasks(ctx, task.PlanID)
	if err != nil {
		return nil, false, err
	}

	candidates := make([]retrievalCandidate, 0, len(tasks))
	for _, candidate := range tasks {
		if candidate.ID == task.ID || seen[candidate.ID] || candidate.Status != domain.StatusCompleted {
			continue
		}
		output, err := a.store.Output(ctx, candidate.ID)
		if err != nil || strings.TrimSpace(output) == "" {
			continue
		}
		candidates = append(candidates, retrievalCandidate{task: candidate, content: output})
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}

	// Cap before scoring so the embedding batch stays bounded; id order keeps
	// the cap deterministic.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].task.ID < candidates[j].task.ID })
	if len(candidates) > opts.RetrievalMaxCand {
		candidates = candidates[:opts.RetrievalMaxCand]
	}

	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, queryText)
	for _, c := range candidates {
		texts = append(texts, c.content)
	}
	vectors, err := a.embedder.Embed(ctx, texts)
	if err != nil {
		degraded := gerrors.NewDegradedError(err, "embedding backend unavailable", "retrieval disabled")
		a.logger.Warn("context retrieval degraded: %v", degraded)
		return nil, true, nil
	}

	queryVec := vectors[0]
	scored := candidates[:0]
	for i, c := range candidates {
		c.score = llm.CosineSimilarity(queryVec, vectors[i+1])
		if c.score < opts.RetrievalMinScore {
			continue
		}
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].task.ID < scored[j].task.ID
	})
	if len(scored) > opts.RetrievalK {
		scored = scored[:opts.RetrievalK]
	}

	sections := make([]Section, 0, len(scored))
	for _, c := range scored {
		score := c.score
		sections = append(sections, Section{
			Meta: domain.SectionMeta{
				SourceID:     c.task.ID,
				Kind:         domain.SectionRetrieved,
				PriorityTier: tierRetrieved,
				Score:        &score,
			},
			Title:   c.task.Name,
			Content: c.content,
		})
	}
	return sections, false, nil
}

// ToolSection wraps an information-tool result as a retrieved-kind candidate
// slotted between the requires deps and the siblings.
func ToolSection(tool, content string) Section {
	return Section{
		Meta: domain.SectionMeta{
			SourceID:     "tool:" + tool,
			Kind:         domain.SectionRetrieved,
			PriorityTier: tierTool,
		},
		Title:   "tool " + tool,
		Content: content,
	}
}

// combine renders the budgeted sections into the prompt-ready text. The
// format is stable so identical sections yield identical bytes.
func combine(sections []Section) string {
	if len(sections) == 0 {
		return ""
	}
	var b strings.Builder
	for i, section := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s: %s]\n", section.Meta.Kind, section.Title)
		b.WriteString(section.Content)
	}
	return b.String()
}

func (a *Assembler) saveSnapshot(ctx context.Context, bundle *Bundle, label string) error {
	metas := make([]domain.SectionMeta, 0, len(bundle.Sections))
	for _, section := range bundle.Sections {
		metas = append(metas, section.Meta)
	}
	snapshot := &domain.ContextSnapshot{
		ID:           id.NewSnapshotID(),
		TaskID:       bundle.TaskID,
		Label:        label,
		CombinedText: bundle.Combined,
		Sections:     metas,
		Meta:         bundle.Meta,
	}
	return a.store.SaveSnapshot(ctx, snapshot)
}
