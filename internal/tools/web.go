package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	braveSearchURL      = "https://api.search.brave.com/res/v1/web/search"
	defaultFetchMaxChar = 50000
	maxFetchBody        = 5 << 20
	webUserAgent        = "clawcore/1.0"
)

// WebSearchTool searches the web via the Brave Search API.
type WebSearchTool struct {
	apiKey     string
	maxResults int
	baseURL    string
	client     *http.Client
}

// NewWebSearchTool creates a web_search tool. maxResults <= 0 means 5.
func NewWebSearchTool(apiKey string, maxResults int) *WebSearchTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		maxResults: maxResults,
		baseURL:    braveSearchURL,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Tier() int    { return TierReadOnly }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns titles, URLs and snippets."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Number of results (1-10)",
				"minimum":     1,
				"maximum":     10,
			},
		},
		"required": []string{"query"},
	}
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (t *WebSearchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	query := strings.TrimSpace(GetString(params, "query", ""))
	if query == "" {
		return "Error: query is required", nil
	}
	if t.apiKey == "" {
		return "Error: web search API key not configured (tools.web.search.apiKey or BRAVE_API_KEY)", nil
	}
	count := GetInt(params, "count", t.maxResults)
	if count < 1 {
		count = 1
	}
	if count > 10 {
		count = 10
	}

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: search API returned status %d", resp.StatusCode), nil
	}

	var result braveResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return fmt.Sprintf("No results for: %s", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for: %s\n\n", query)
	for i, r := range result.Web.Results {
		if i >= count {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
	}
	return sb.String(), nil
}

// WebFetchTool fetches a URL and returns its content as markdown.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

// NewWebFetchTool creates a web_fetch tool. maxChars <= 0 means 50000.
func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChar
	}
	return &WebFetchTool{
		maxChars: maxChars,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Tier() int    { return TierReadOnly }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its readable content. HTML is converted to markdown."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The http(s) URL to fetch",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters to return",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	raw := strings.TrimSpace(GetString(params, "url", ""))
	if raw == "" {
		return "Error: url is required", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Sprintf("Error: invalid URL: %s", raw), nil
	}
	maxChars := GetInt(params, "max_chars", t.maxChars)
	if maxChars <= 0 || maxChars > t.maxChars {
		maxChars = t.maxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: HTTP status %d for %s", resp.StatusCode, raw), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	text := string(body)
	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var pretty any
		if json.Unmarshal(body, &pretty) == nil {
			if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				text = string(b)
			}
		}
	case strings.Contains(contentType, "text/html") || contentType == "" || looksLikeHTML(text):
		md, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		text = md
	}

	if r := []rune(text); len(r) > maxChars {
		text = string(r[:maxChars]) + "\n\n[Content truncated]"
	}
	return text, nil
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(strings.TrimSpace(s))
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype") || strings.HasPrefix(head, "<html")
}
