package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	braveSearchURL     = "https://api.search.brave.com/res/v1/web/search"
	perplexityChatURL  = "https://api.perplexity.ai/chat/completions"
	searchDefaultCount = 5
	searchMaxCount     = 10
	searchTimeout      = 20 * time.Second
)

// WebSearchTool queries the web via Brave Search, falling back to
// Perplexity when only that key is configured.
type WebSearchTool struct {
	braveKey      string
	perplexityKey string
	client        *http.Client
}

func NewWebSearchTool(braveKey, perplexityKey string) *WebSearchTool {
	return &WebSearchTool{
		braveKey:      braveKey,
		perplexityKey: perplexityKey,
		client:        &http.Client{Timeout: searchTimeout},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns a list of results with title, url, and description."
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
				"description": "Number of results (1-10, default 5)",
			},
		},
		"required": []any{"query"},
	}
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult(errJSON("query is required"))
	}
	count := searchDefaultCount
	if c, ok := args["count"].(float64); ok {
		count = int(c)
	}
	if count < 1 {
		count = 1
	}
	if count > searchMaxCount {
		count = searchMaxCount
	}

	var (
		results []searchResult
		err     error
	)
	switch {
	case t.braveKey != "":
		results, err = t.searchBrave(ctx, query, count)
	case t.perplexityKey != "":
		results, err = t.searchPerplexity(ctx, query)
	default:
		return ErrorResult(errJSON("no search provider configured: set a Brave or Perplexity API key"))
	}
	if err != nil {
		return ErrorResult(errJSON(fmt.Sprintf("search failed: %v", err)))
	}
	out, _ := json.Marshal(map[string]any{"query": query, "results": results})
	return NewResult(string(out))
}

func (t *WebSearchTool) searchBrave(ctx context.Context, query string, count int) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.braveKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave: HTTP %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	results := make([]searchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}

// searchPerplexity asks the sonar model for an answer with citations and
// maps the citations to search results.
func (t *WebSearchTool) searchPerplexity(ctx context.Context, query string) ([]searchResult, error) {
	payload, _ := json.Marshal(map[string]any{
		"model": "sonar",
		"messages": []map[string]string{
			{"role": "user", "content": query},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, perplexityChatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.perplexityKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("perplexity: HTTP %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Citations []string `json:"citations"`
		Choices   []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	var results []searchResult
	if len(parsed.Choices) > 0 {
		results = append(results, searchResult{Title: "Answer", Description: parsed.Choices[0].Message.Content})
	}
	for _, c := range parsed.Citations {
		results = append(results, searchResult{Title: c, URL: c})
	}
	return results, nil
}
