package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

func (t *Tool) searchSearXNG(ctx context.Context, query string, maxResults int) (*Response, error) {
	if t.cfg.SearXNGURL == "" {
		return nil, fmt.Errorf("searxng url not configured")
	}

	searchURL, err := url.Parse(t.cfg.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid searxng url: %w", err)
	}
	values := url.Values{}
	values.Set("q", query)
	values.Set("format", "json")
	values.Set("pageno", "1")
	values.Set("categories", "general")
	searchURL.Path = "/search"
	searchURL.RawQuery = values.Encode()

	body, err := t.getJSON(ctx, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}

	var parsed struct {
		Results []struct {
			Title         string `json:"title"`
			URL           string `json:"url"`
			Content       string `json:"content"`
			PublishedDate string `json:"publishedDate,omitempty"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("searxng: failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, maxResults)
	for i := 0; i < len(parsed.Results) && i < maxResults; i++ {
		r := parsed.Results[i]
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Content,
			PublishedAt: r.PublishedDate,
		})
	}

	return &Response{
		Query:       query,
		Provider:    ProviderBuiltin,
		Backend:     BackendSearXNG,
		Results:     results,
		ResultCount: len(results),
	}, nil
}

// searchDuckDuckGo uses DuckDuckGo's Instant Answer API, which returns an
// abstract plus related topics rather than classic ranked links.
func (t *Tool) searchDuckDuckGo(ctx context.Context, query string, maxResults int) (*Response, error) {
	requestURL := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", t.duckduckgoURL, url.QueryEscape(query))
	headers := map[string]string{
		"User-Agent": "Mozilla/5.0 (compatible; PlanweaveBot/1.0)",
	}
	body, err := t.getJSON(ctx, requestURL, headers)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}

	var parsed struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("duckduckgo: failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, maxResults)
	if parsed.AbstractText != "" && parsed.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	for _, topic := range parsed.RelatedTopics {
		if len(results) >= maxResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}

	return &Response{
		Query:       query,
		Provider:    ProviderBuiltin,
		Backend:     BackendDuckDuckGo,
		Results:     results,
		ResultCount: len(results),
	}, nil
}

func (t *Tool) searchBrave(ctx context.Context, query string, maxResults int) (*Response, error) {
	if t.cfg.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave api key not configured")
	}

	searchURL, err := url.Parse(t.braveURL)
	if err != nil {
		return nil, fmt.Errorf("invalid brave url: %w", err)
	}
	values := url.Values{}
	values.Set("q", query)
	values.Set("count", fmt.Sprintf("%d", maxResults))
	searchURL.RawQuery = values.Encode()

	headers := map[string]string{
		"Accept":               "application/json",
		"X-Subscription-Token": t.cfg.BraveAPIKey,
	}
	body, err := t.getJSON(ctx, searchURL.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age,omitempty"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("brave: failed to parse response: %w", err)
	}

	results := make([]SearchResult, 0, maxResults)
	for i := 0; i < len(parsed.Web.Results) && i < maxResults; i++ {
		r := parsed.Web.Results[i]
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Description,
			PublishedAt: r.Age,
		})
	}

	return &Response{
		Query:       query,
		Provider:    ProviderBuiltin,
		Backend:     BackendBrave,
		Results:     results,
		ResultCount: len(results),
	}, nil
}

func (t *Tool) getJSON(ctx context.Context, requestURL string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
