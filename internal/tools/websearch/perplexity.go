package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultPerplexityModel = "sonar"

// searchPerplexity asks the Perplexity chat API for a synthesized answer.
// The answer becomes the leading result; citations follow as sources.
func (t *Tool) searchPerplexity(ctx context.Context, query string, maxResults int) (*Response, error) {
	if t.cfg.PerplexityAPIKey == "" {
		return nil, fmt.Errorf("perplexity api key not configured")
	}
	model := t.cfg.PerplexityModel
	if model == "" {
		model = defaultPerplexityModel
	}

	payload := map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "system", "content": "Answer the search query concisely and cite sources."},
			{"role": "user", "content": query},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("perplexity: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.perplexityURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("perplexity: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.PerplexityAPIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perplexity: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("perplexity: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("perplexity: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("perplexity: failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("perplexity: empty response")
	}

	results := []SearchResult{{
		Title:   "Perplexity answer",
		Snippet: parsed.Choices[0].Message.Content,
	}}
	for i, citation := range parsed.Citations {
		if len(results) > maxResults {
			break
		}
		results = append(results, SearchResult{
			Title: fmt.Sprintf("Source %d", i+1),
			URL:   citation,
		})
	}

	return &Response{
		Query:       query,
		Provider:    ProviderPerplexity,
		Results:     results,
		ResultCount: len(results),
	}, nil
}
