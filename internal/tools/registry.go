// Package tools implements the ToolRegistry collaborator: a named set of
// info tools (text in, text out) and output tools (side effects, deferred
// until a task's result is accepted), plus the router that translates
// registry descriptors into LLM function-calling definitions.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Kind partitions tools by effect.
type Kind string

const (
	// KindInfo tools produce text consumed as extra context.
	KindInfo Kind = "info"
	// KindOutput tools produce side effects and run only after acceptance.
	KindOutput Kind = "output"
)

// Descriptor describes one registered tool.
type Descriptor struct {
	Name        string           `json:"name"`
	Kind        Kind             `json:"kind"`
	Description string           `json:"description"`
	Schema      jsonx.RawMessage `json:"schema,omitempty"`
}

// Result is the outcome of one invocation.
type Result struct {
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Tool is one callable capability.
type Tool interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry is the tool collaborator contract consumed by the executor and
// the decomposer.
type Registry interface {
	List() []Descriptor
	Invoke(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// MapRegistry is the in-process Registry: a mutex-guarded name -> Tool map.
type MapRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger logging.Logger) *MapRegistry {
	return &MapRegistry{
		tools:  make(map[string]Tool),
		logger: logging.OrNop(logger),
	}
}

// Register adds a tool; duplicate names are rejected.
func (r *MapRegistry) Register(tool Tool) error {
	name := tool.Descriptor().Name
	if name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// List returns every descriptor sorted by name for stable prompts.
func (r *MapRegistry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(r.tools))
	for _, tool := range r.tools {
		descriptors = append(descriptors, tool.Descriptor())
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// Invoke runs one tool by name.
func (r *MapRegistry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, gerrors.NewNotFound("tool", name)
	}
	r.logger.Debug("invoking tool %s", name)
	return tool.Invoke(ctx, args)
}

// Kind looks up the kind of a registered tool.
func (r *MapRegistry) Kind(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return tool.Descriptor().Kind, true
}

var _ Registry = (*MapRegistry)(nil)

// overlay exposes a base registry plus per-invocation tools. Extras shadow
// base entries with the same name.
type overlay struct {
	base  Registry
	extra map[string]Tool
}

// WithTools layers extras on top of base for one execution. Used to scope
// plan-bound tools such as db_query without mutating the shared registry.
func WithTools(base Registry, extras ...Tool) Registry {
	if len(extras) == 0 {
		return base
	}
	m := make(map[string]Tool, len(extras))
	for _, tool := range extras {
		m[tool.Descriptor().Name] = tool
	}
	return &overlay{base: base, extra: m}
}

func (o *overlay) List() []Descriptor {
	descriptors := make([]Descriptor, 0, len(o.extra))
	seen := make(map[string]bool, len(o.extra))
	for _, tool := range o.extra {
		d := tool.Descriptor()
		descriptors = append(descriptors, d)
		seen[d.Name] = true
	}
	if o.base != nil {
		for _, d := range o.base.List() {
			if !seen[d.Name] {
				descriptors = append(descriptors, d)
			}
		}
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

func (o *overlay) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	if tool, ok := o.extra[name]; ok {
		return tool.Invoke(ctx, args)
	}
	if o.base != nil {
		return o.base.Invoke(ctx, name, args)
	}
	return nil, gerrors.NewNotFound("tool", name)
}

// stringArg reads a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

// intArg reads an optional integer argument (JSON numbers arrive as float64).
func intArg(args map[string]any, key string, fallback int) int {
	raw, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
