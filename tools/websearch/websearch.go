// Package websearch performs web searches via the Brave search API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

// Name is the web search tool's registered name.
const Name = "web_search"

const defaultCount = 8

// Tool implements reverie.Tool over the Brave web search endpoint.
type Tool struct {
	apiKey     string
	httpClient *http.Client
}

// New creates the web search tool. Requires a Brave API key; with an empty
// key every search returns a tool error instead of failing the agent.
func New(apiKey string) *Tool {
	return &Tool{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

var _ reverie.Tool = (*Tool)(nil)

func (t *Tool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        Name,
		Description: "Search the web for current/real-time information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Search query optimized for search engines"
				}
			},
			"required": ["query"]
		}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, _ *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(in.Query) == "" {
		return reverie.ToolResult{Error: "empty query"}, nil
	}
	if t.apiKey == "" {
		return reverie.ToolResult{Error: "web search is not configured"}, nil
	}

	content, err := t.search(ctx, in.Query)
	if err != nil {
		return reverie.ToolResult{Error: err.Error()}, nil
	}
	return reverie.ToolResult{Content: content}, nil
}

type result struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Tool) search(ctx context.Context, query string) (string, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), defaultCount)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("brave parse error: %w", err)
	}

	var results []result
	for _, r := range data.Web.Results {
		results = append(results, result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	return format(results), nil
}

func format(results []result) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
