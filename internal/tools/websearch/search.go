// Package websearch implements the web_search tool. The builtin provider
// queries one of the free backends (DuckDuckGo, SearXNG, Brave); the
// perplexity provider calls the Perplexity API and doubles as the
// automatic fallback when the builtin backend fails.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/observability"
	"github.com/planweave/planweave/internal/tools"
)

const (
	ProviderBuiltin    = "builtin"
	ProviderPerplexity = "perplexity"

	BackendDuckDuckGo = "duckduckgo"
	BackendSearXNG    = "searxng"
	BackendBrave      = "brave"

	// maxResultCap bounds max_results regardless of the request.
	maxResultCap = 20

	// maxCacheSize limits cached responses to prevent unbounded growth.
	maxCacheSize = 1000
)

// SearchResult is a single normalised search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Response is the complete result of one web_search invocation.
// FallbackFrom is set when the builtin provider failed and Perplexity
// answered in its place.
type Response struct {
	Query        string         `json:"query"`
	Provider     string         `json:"provider"`
	Backend      string         `json:"backend,omitempty"`
	Results      []SearchResult `json:"results"`
	ResultCount  int            `json:"result_count"`
	FallbackFrom string         `json:"fallback_from,omitempty"`
}

type searchParams struct {
	Query      string `json:"query"`
	Provider   string `json:"provider,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Tool implements tools.Tool for web searching with response caching.
type Tool struct {
	cfg        config.WebSearchConfig
	httpClient *http.Client
	logger     *observability.Logger

	cache   map[string]*cacheEntry
	cacheMu sync.RWMutex

	// Endpoint bases, overridable in tests.
	duckduckgoURL string
	braveURL      string
	perplexityURL string
}

// New creates the web_search tool, applying config defaults.
func New(cfg config.WebSearchConfig, logger *observability.Logger) *Tool {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = ProviderBuiltin
	}
	if cfg.BuiltinBackend == "" {
		if cfg.SearXNGURL != "" {
			cfg.BuiltinBackend = BackendSearXNG
		} else {
			cfg.BuiltinBackend = BackendDuckDuckGo
		}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	perplexityURL := cfg.PerplexityAPIURL
	if perplexityURL == "" {
		perplexityURL = "https://api.perplexity.ai/chat/completions"
	}

	return &Tool{
		cfg:           cfg,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        logger.WithComponent("websearch"),
		cache:         make(map[string]*cacheEntry),
		duckduckgoURL: "https://api.duckduckgo.com",
		braveURL:      "https://api.search.brave.com/res/v1/web/search",
		perplexityURL: perplexityURL,
	}
}

func (t *Tool) Name() string {
	return "web_search"
}

func (t *Tool) Description() string {
	return "Search the web for current information. The builtin provider uses a free search backend; the perplexity provider returns a synthesized answer with sources."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "description": "The search query"
    },
    "provider": {
      "type": "string",
      "enum": ["builtin", "perplexity"],
      "description": "Search provider to use (default: configured default)"
    },
    "max_results": {
      "type": "integer",
      "minimum": 1,
      "maximum": 20,
      "description": "Number of results to return (default: 5)"
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`)
}

// Execute runs the search, checking the cache first. A builtin failure
// falls back to Perplexity when an API key is configured.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &tools.Result{Summary: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return &tools.Result{Summary: "query is required", IsError: true}, nil
	}

	provider := p.Provider
	if provider == "" {
		provider = t.cfg.DefaultProvider
	}
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = t.cfg.MaxResults
	}
	if maxResults > maxResultCap {
		maxResults = maxResultCap
	}

	cacheKey := fmt.Sprintf("%s:%d:%s", provider, maxResults, query)
	if cached := t.getFromCache(cacheKey); cached != nil {
		return t.formatResult(cached), nil
	}

	var response *Response
	var err error

	switch provider {
	case ProviderBuiltin:
		response, err = t.searchBuiltin(ctx, query, maxResults)
		if err != nil && t.cfg.PerplexityAPIKey != "" {
			t.logger.Warn(ctx, "builtin search failed, falling back to perplexity",
				"backend", t.cfg.BuiltinBackend, "error", err)
			var fallbackErr error
			response, fallbackErr = t.searchPerplexity(ctx, query, maxResults)
			if fallbackErr != nil {
				return &tools.Result{
					Summary: fmt.Sprintf("search failed: %v (perplexity fallback: %v)", err, fallbackErr),
					IsError: true,
				}, nil
			}
			response.FallbackFrom = ProviderBuiltin
		} else if err != nil {
			return &tools.Result{Summary: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
		}
	case ProviderPerplexity:
		response, err = t.searchPerplexity(ctx, query, maxResults)
		if err != nil {
			return &tools.Result{Summary: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
		}
	default:
		return &tools.Result{Summary: fmt.Sprintf("unknown search provider: %s", provider), IsError: true}, nil
	}

	t.putInCache(cacheKey, response)
	return t.formatResult(response), nil
}

func (t *Tool) formatResult(response *Response) *tools.Result {
	via := response.Provider
	if response.Backend != "" {
		via = response.Backend
	}
	return &tools.Result{
		Summary: fmt.Sprintf("%d results for %q via %s", response.ResultCount, response.Query, via),
		Data:    response,
	}
}

func (t *Tool) searchBuiltin(ctx context.Context, query string, maxResults int) (*Response, error) {
	switch t.cfg.BuiltinBackend {
	case BackendSearXNG:
		return t.searchSearXNG(ctx, query, maxResults)
	case BackendBrave:
		return t.searchBrave(ctx, query, maxResults)
	case BackendDuckDuckGo:
		return t.searchDuckDuckGo(ctx, query, maxResults)
	default:
		return nil, fmt.Errorf("unknown builtin backend: %s", t.cfg.BuiltinBackend)
	}
}

func (t *Tool) getFromCache(key string) *Response {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, exists := t.cache[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (t *Tool) putInCache(key string, response *Response) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()
	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	// Still at capacity after dropping expired entries: evict soonest-to-expire.
	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(t.cache, oldestKey)
	}

	t.cache[key] = &cacheEntry{
		response:  response,
		expiresAt: now.Add(t.cfg.CacheTTL),
	}
}
