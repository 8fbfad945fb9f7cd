package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
)

// MockBackend is the deterministic offline backend (LLM_MOCK=true). The same
// request always yields the same response, so runs and tests are
// reproducible without a model server.
//
// Tests can script it: queued responses are served first, then the ChatFunc
// hook, then the built-in deterministic behavior keyed on prompt markers.
type MockBackend struct {
	mu     sync.Mutex
	model  string
	queue  []queuedReply
	calls  []ChatRequest
	// ChatFunc, when set, overrides the default deterministic behavior.
	ChatFunc func(req ChatRequest) (*ChatResponse, error)
	// EmbedFunc, when set, overrides the hash-based embedding.
	EmbedFunc func(texts []string) ([][]float32, error)
	// PingErr, when set, makes Ping fail.
	PingErr error
}

type queuedReply struct {
	resp *ChatResponse
	err  error
}

// NewMockBackend builds a mock for the given model name.
func NewMockBackend(model string) *MockBackend {
	if model == "" {
		model = "mock-model"
	}
	return &MockBackend{model: model}
}

// EnqueueContent scripts the next Chat call to return content.
func (m *MockBackend) EnqueueContent(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queuedReply{resp: &ChatResponse{Content: content}})
}

// EnqueueResponse scripts the next Chat call to return resp verbatim.
func (m *MockBackend) EnqueueResponse(resp ChatResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queuedReply{resp: &resp})
}

// EnqueueError scripts the next Chat call to fail.
func (m *MockBackend) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, queuedReply{err: err})
}

// Calls returns a copy of every ChatRequest seen so far.
func (m *MockBackend) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// Chat serves scripted replies first, then falls back to marker-keyed
// deterministic content.
func (m *MockBackend) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		if next.err != nil {
			return nil, next.err
		}
		return next.resp, nil
	}
	hook := m.ChatFunc
	m.mu.Unlock()

	if hook != nil {
		return hook(req)
	}
	return m.respond(req), nil
}

// respond implements the built-in deterministic behavior. Prompt markers
// placed by the components select the reply shape.
func (m *MockBackend) respond(req ChatRequest) *ChatResponse {
	prompt := flatten(req.Messages)
	lower := strings.ToLower(prompt)

	var content string
	switch {
	case strings.Contains(lower, "complexity analyst"):
		content = m.decomposition(prompt)
	case strings.Contains(lower, "adversarial critic"):
		content = `{"weaknesses": ["The argument lacks supporting evidence.", "The conclusion restates the premise."]}`
	case strings.Contains(lower, "rewriter"):
		content = "Revised draft: " + lastUserExcerpt(req.Messages, 120)
	case strings.Contains(lower, "quality evaluator"):
		content = `{"overall_score": 0.92, "dimensions": {"relevance": 0.93, "completeness": 0.9, ` +
			`"accuracy": 0.92, "clarity": 0.93, "coherence": 0.92, "rigor": 0.9}, ` +
			`"suggestions": [], "needs_revision": false}`
	case strings.Contains(lower, "plan architect"):
		content = m.proposal(req.Messages)
	default:
		content = fmt.Sprintf("Mock result (%s): %s", shortHash(prompt), lastUserExcerpt(req.Messages, 160))
	}

	promptTokens := len(strings.Fields(prompt))
	return &ChatResponse{
		Content: content,
		Usage: Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      promptTokens + len(strings.Fields(content)),
		},
	}
}

// decomposition answers the complexity-analysis prompt. Short instructions
// stay atomic; longer ones split into three deterministic subtasks.
func (m *MockBackend) decomposition(prompt string) string {
	name := extractField(prompt, "Task name:")
	if name == "" {
		name = "the task"
	}
	instruction := extractField(prompt, "Instruction:")
	words := len(strings.Fields(instruction))

	complexity := "low"
	if words > 40 {
		complexity = "high"
	} else if words > 12 {
		complexity = "medium"
	}
	if complexity == "low" {
		return `{"complexity": "low", "should_decompose": false, "subtasks": []}`
	}
	return fmt.Sprintf(`{"complexity": %q, "should_decompose": true, "subtasks": [`+
		`{"name": "Research for %s", "instruction": "Collect material for %s.", "kind": "atomic"}, `+
		`{"name": "Draft %s", "instruction": "Write the body of %s.", "kind": "atomic"}, `+
		`{"name": "Review %s", "instruction": "Check and polish %s.", "kind": "atomic"}]}`,
		complexity, name, name, name, name, name, name)
}

// proposal answers the plan-proposal prompt with a three-task seed plan.
func (m *MockBackend) proposal(messages []Message) string {
	goal := lastUserExcerpt(messages, 60)
	return fmt.Sprintf(`{"title": "Plan: %s", "tasks": [`+
		`{"name": "Outline", "instruction": "Outline the approach for: %s", "kind": "atomic", "priority": 0}, `+
		`{"name": "Develop", "instruction": "Develop the main content for: %s", "kind": "atomic", "priority": 1}, `+
		`{"name": "Finalize", "instruction": "Finalize and polish the result for: %s", "kind": "atomic", "priority": 2}]}`,
		escapeJSON(goal), escapeJSON(goal), escapeJSON(goal), escapeJSON(goal))
}

// Embed produces a deterministic unit vector per text, derived from its hash.
// Identical texts always embed identically.
func (m *MockBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	hook := m.EmbedFunc
	m.mu.Unlock()
	if hook != nil {
		return hook(texts)
	}

	const dim = 16
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, dim)
		var norm float64
		for j := 0; j < dim; j++ {
			bits := binary.BigEndian.Uint16(sum[j*2 : j*2+2])
			vec[j] = float32(bits)/math.MaxUint16 - 0.5
			norm += float64(vec[j]) * float64(vec[j])
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for j := range vec {
				vec[j] = float32(float64(vec[j]) / norm)
			}
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// Ping reports the scripted health state.
func (m *MockBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.PingErr
}

// ModelInfo identifies the mock.
func (m *MockBackend) ModelInfo() ModelInfo {
	return ModelInfo{Provider: "mock", Model: m.model, EmbeddingModel: m.model + "-embed"}
}

func flatten(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

func lastUserExcerpt(messages []Message, limit int) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		text := strings.TrimSpace(messages[i].Content)
		runes := []rune(text)
		if len(runes) > limit {
			return string(runes[:limit])
		}
		return text
	}
	return ""
}

// extractField pulls the remainder of the line starting with the given label.
func extractField(prompt, label string) string {
	idx := strings.Index(prompt, label)
	if idx < 0 {
		return ""
	}
	rest := prompt[idx+len(label):]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", " ")
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:4])
}

var _ Backend = (*MockBackend)(nil)
