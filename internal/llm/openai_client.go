package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/logging"
	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

// OpenAIConfig configures the OpenAI-compatible HTTP client. BaseURL points
// at any server speaking the chat-completions and embeddings protocol
// (OpenAI, Ollama, vLLM, ...).
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	RateLimitRPS   float64 // 0 disables the token bucket
	Logger         logging.Logger
}

// openAIClient is the concrete Backend over an OpenAI-compatible API.
type openAIClient struct {
	config  OpenAIConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewOpenAIClient builds an OpenAI-compatible Backend.
func NewOpenAIClient(config OpenAIConfig) (Backend, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL must not be empty")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), 1)
	}
	return &openAIClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		logger:  logging.OrNop(config.Logger),
	}, nil
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []wireMessage       `json:"messages"`
	Tools       []wireTool          `json:"tools,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Parameters  jsonx.RawMessage `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat executes one chat completion.
func (c *openAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, gerrors.NewPermanentError(nil, "chat request has no messages")
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	payload := chatCompletionRequest{
		Model:       c.config.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, wireMessage(m))
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	var parsed chatCompletionResponse
	if err := c.post(ctx, "/chat/completions", payload, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, gerrors.NewTransientError(nil, "chat completion returned no choices")
	}

	choice := parsed.Choices[0].Message
	resp := &ChatResponse{Content: choice.Content, Usage: parsed.Usage}
	for _, tc := range choice.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: jsonx.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (c *openAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	model := c.config.EmbeddingModel
	if model == "" {
		model = c.config.Model
	}
	var parsed embeddingsResponse
	if err := c.post(ctx, "/embeddings", embeddingsRequest{Model: model, Input: texts}, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, gerrors.NewTransientError(nil,
			fmt.Sprintf("embeddings returned %d vectors for %d inputs", len(parsed.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, gerrors.NewTransientError(nil, "embeddings returned out-of-range index")
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// Ping checks the backend with a minimal models request.
func (c *openAIClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.config.BaseURL, "/")+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return gerrors.NewTransientError(err, "backend unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, nil)
	}
	return nil
}

// ModelInfo reports the configured models.
func (c *openAIClient) ModelInfo() ModelInfo {
	return ModelInfo{
		Provider:       "openai-compatible",
		Model:          c.config.Model,
		EmbeddingModel: c.config.EmbeddingModel,
		BaseURL:        c.config.BaseURL,
	}
}

func (c *openAIClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *openAIClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := jsonx.Marshal(payload)
	if err != nil {
		return gerrors.NewPermanentError(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.config.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return gerrors.NewPermanentError(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return gerrors.NewTransientError(err, "backend request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return gerrors.NewTransientError(err, "read backend response")
	}
	c.logger.Debug("%s %d in %v", path, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, raw)
	}
	if err := jsonx.Unmarshal(raw, out); err != nil {
		return gerrors.NewTransientError(err, "decode backend response")
	}
	return nil
}

func (c *openAIClient) authorize(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}

// statusError classifies HTTP failures: 429 and 5xx are transient, the rest
// of 4xx permanent.
func (c *openAIClient) statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 300 {
		detail = detail[:300]
	}
	msg := fmt.Sprintf("backend returned status %d: %s", status, detail)
	if status == http.StatusTooManyRequests || status >= 500 {
		return &gerrors.TransientError{StatusCode: status, Message: msg}
	}
	return &gerrors.PermanentError{StatusCode: status, Message: msg}
}

var _ Backend = (*openAIClient)(nil)
