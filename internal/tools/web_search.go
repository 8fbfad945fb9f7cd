package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yiyabo/gagent/internal/shared/jsonx"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// webSearch queries the Tavily search API. Without an API key it degrades to
// an explanatory result instead of failing the task.
type webSearch struct {
	client *http.Client
	apiKey string
}

// NewWebSearch builds the web_search info tool.
func NewWebSearch(apiKey string) Tool {
	return &webSearch{
		client: &http.Client{Timeout: 30 * time.Second},
		apiKey: apiKey,
	}
}

func (t *webSearch) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web_search",
		Kind:        KindInfo,
		Description: "Search the web for current information. Returns result titles, summaries, and URLs.",
		Schema: jsonx.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"},
				"max_results": {"type": "integer", "description": "Number of results (default 5)"}
			},
			"required": ["query"]
		}`),
	}
}

func (t *webSearch) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, err
	}
	if t.apiKey == "" {
		return &Result{
			Content: "Web search is not configured (TAVILY_API_KEY unset); proceed without search results.",
			Meta:    map[string]any{"degraded": true},
		}, nil
	}
	maxResults := intArg(args, "max_results", 5)
	if maxResults < 1 || maxResults > 20 {
		maxResults = 5
	}

	payload, err := jsonx.Marshal(map[string]any{
		"api_key":     t.apiKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tavilyEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_search: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("web_search: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web_search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := jsonx.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("web_search: decode response: %w", err)
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Search: %s\n\n", query)
	if parsed.Answer != "" {
		fmt.Fprintf(&out, "Answer: %s\n\n", parsed.Answer)
	}
	for i, r := range parsed.Results {
		fmt.Fprintf(&out, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Content)
	}
	return &Result{
		Content: out.String(),
		Meta:    map[string]any{"result_count": len(parsed.Results)},
	}, nil
}
