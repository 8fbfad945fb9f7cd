package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/yiyabo/gagent/internal/shared/jsonx"
	"github.com/yiyabo/gagent/internal/shared/textutil"
)

const fetchMaxChars = 8000

// webFetch downloads a page and extracts readable text with goquery.
type webFetch struct {
	client *http.Client
}

// NewWebFetch builds the web_fetch info tool.
func NewWebFetch() Tool {
	return &webFetch{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *webFetch) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web_fetch",
		Kind:        KindInfo,
		Description: "Fetch a URL and return its readable text content.",
		Schema: jsonx.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The http(s) URL to fetch"}
			},
			"required": ["url"]
		}`),
	}
}

func (t *webFetch) Invoke(ctx context.Context, args map[string]any) (*Result, error) {
	rawURL, err := stringArg(args, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("web_fetch: %q is not an http(s) URL", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "gagent/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web_fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("web_fetch: status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: read body: %w", err)
	}

	text, err := extractText(string(body))
	if err != nil {
		return nil, fmt.Errorf("web_fetch: parse HTML: %w", err)
	}
	text = textutil.TruncateChars(text, fetchMaxChars)
	return &Result{
		Content: fmt.Sprintf("Content of %s:\n\n%s", rawURL, text),
		Meta:    map[string]any{"url": rawURL, "status": resp.StatusCode},
	}, nil
}

// extractText pulls headings, paragraphs, and list items in document order,
// skipping script/style noise.
func extractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	var out strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, article, section").Each(func(_ int, s *goquery.Selection) {
		// Leaf-ish nodes only; containers repeat their children's text.
		if s.Children().Filter("p, li, h1, h2, h3").Length() > 0 {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		out.WriteString(text)
		out.WriteByte('\n')
	})
	if out.Len() == 0 {
		return strings.TrimSpace(doc.Text()), nil
	}
	return strings.TrimSpace(out.String()), nil
}
