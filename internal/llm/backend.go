// Package llm abstracts the language-model backend: chat completion,
// embeddings, and health checks. Components depend on the Backend interface;
// wiring picks an OpenAI-compatible client or the deterministic mock, wrapped
// with retry and rate limiting.
package llm

import (
	"context"

	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDef describes a callable function offered to the model.
type ToolDef struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  jsonx.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Arguments jsonx.RawMessage `json:"arguments"`
}

// ChatRequest is a single completion request.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Tools       []ToolDef `json:"tools,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

/// ChatResponse is the model's reply: either content, tool calls, or both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ModelInfo describes the configured backend.
type ModelInfo struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	EmbeddingModel string `json:"embedding_model"`
	BaseURL        string `json:"base_url,omitempty"`
}

// Backend is the language-model collaborator contract. Implementations must
// honor ctx cancellation on every call.
type Backend interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Ping(ctx context.Context) error
	ModelInfo() ModelInfo
}
