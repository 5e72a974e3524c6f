// Package config loads and validates the planweave configuration from
// YAML or JSON5 files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for the planweave service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	LLM       LLMProfile      `yaml:"llm"`
	Decompose DecomposeConfig `yaml:"decompose"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Tools     ToolsConfig     `yaml:"tools"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DataConfig locates the storage root. The main registry lives at
// <root>/registry.db, per-plan files under <root>/plans/, and the
// shared system-jobs store at <root>/system_jobs.db.
type DataConfig struct {
	Root string `yaml:"root"`

	// PlanCacheSize bounds the LRU of simultaneously open plan files.
	PlanCacheSize int `yaml:"plan_cache_size"`
}

// LLMProfile configures one LLM endpoint. The conversation, decomposer,
// and executor each carry their own profile so decomposition can run a
// cheaper model than the conversation.
type LLMProfile struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIURL      string        `yaml:"api_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
}

// Merge fills empty fields of p from fallback.
func (p LLMProfile) Merge(fallback LLMProfile) LLMProfile {
	if p.Provider == "" {
		p.Provider = fallback.Provider
	}
	if p.Model == "" {
		p.Model = fallback.Model
	}
	if p.APIURL == "" {
		p.APIURL = fallback.APIURL
	}
	if p.APIKey == "" {
		p.APIKey = fallback.APIKey
	}
	if p.Timeout == 0 {
		p.Timeout = fallback.Timeout
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = fallback.MaxTokens
	}
	if p.Temperature == 0 {
		p.Temperature = fallback.Temperature
	}
	return p
}

// DecomposeConfig configures the BFS plan decomposer.
type DecomposeConfig struct {
	LLM             LLMProfile `yaml:"llm"`
	MaxDepth        int        `yaml:"max_depth"`
	MaxChildren     int        `yaml:"max_children"`
	TotalNodeBudget int        `yaml:"total_node_budget"`
	AutoOnCreate    bool       `yaml:"auto_on_create"`
	RetryLimit      int        `yaml:"retry_limit"`
	StopOnEmpty     bool       `yaml:"stop_on_empty"`
}

// ExecutorConfig configures the plan executor.
type ExecutorConfig struct {
	LLM         LLMProfile    `yaml:"llm"`
	MaxRetries  int           `yaml:"max_retries"`
	Timeout     time.Duration `yaml:"timeout"`
	UseContext  bool          `yaml:"use_context"`
	Parallelism int           `yaml:"parallelism"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"websearch"`
	GraphRAG  GraphRAGConfig  `yaml:"graphrag"`
}

// WebSearchConfig configures the web_search tool. The builtin provider
// uses one of the free backends; perplexity is the paid fallback.
type WebSearchConfig struct {
	DefaultProvider  string        `yaml:"default_provider"`
	BuiltinBackend   string        `yaml:"builtin_backend"`
	SearXNGURL       string        `yaml:"searxng_url"`
	BraveAPIKey      string        `yaml:"brave_api_key"`
	PerplexityAPIKey string        `yaml:"perplexity_api_key"`
	PerplexityAPIURL string        `yaml:"perplexity_api_url"`
	PerplexityModel  string        `yaml:"perplexity_model"`
	MaxResults       int           `yaml:"max_results"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	Timeout          time.Duration `yaml:"timeout"`
}

// GraphRAGConfig configures the graph_rag tool.
type GraphRAGConfig struct {
	TriplesPath string        `yaml:"triples_path"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// JobsConfig configures the background job manager.
type JobsConfig struct {
	QueueCapacity     int           `yaml:"queue_capacity"`
	Workers           int           `yaml:"workers"`
	RetentionDays     int           `yaml:"retention_days"`
	MaxLogRows        int           `yaml:"max_log_rows"`
	CleanupSchedule   string        `yaml:"cleanup_schedule"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
}

// AgentConfig configures the structured action agent.
type AgentConfig struct {
	HistoryLimit             int  `yaml:"history_limit"`
	OutlineMaxDepth          int  `yaml:"outline_max_depth"`
	OutlineMaxNodes          int  `yaml:"outline_max_nodes"`
	AutoTitle                bool `yaml:"auto_title"`
	AutoTitleMinUserMessages int  `yaml:"auto_title_min_user_messages"`
	ValidationRetries        int  `yaml:"validation_retries"`
	RecentToolResultsLimit   int  `yaml:"recent_tool_results_limit"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry export. Empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads the configuration file at path, resolves includes, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeStrict(raw)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from environment variables and
// defaults alone, for running without a config file.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Data.Root) == "" {
		return fmt.Errorf("data root is required")
	}
	if c.Decompose.MaxDepth < 1 {
		return fmt.Errorf("decompose max_depth must be >= 1, got %d", c.Decompose.MaxDepth)
	}
	if c.Decompose.MaxChildren < 1 {
		return fmt.Errorf("decompose max_children must be >= 1, got %d", c.Decompose.MaxChildren)
	}
	if c.Decompose.TotalNodeBudget < 1 {
		return fmt.Errorf("decompose total_node_budget must be >= 1, got %d", c.Decompose.TotalNodeBudget)
	}
	if c.Executor.Parallelism < 1 {
		return fmt.Errorf("executor parallelism must be >= 1, got %d", c.Executor.Parallelism)
	}
	switch c.Tools.WebSearch.DefaultProvider {
	case "builtin", "perplexity":
	default:
		return fmt.Errorf("unknown web search provider %q", c.Tools.WebSearch.DefaultProvider)
	}
	if c.Jobs.QueueCapacity < 1 {
		return fmt.Errorf("jobs queue_capacity must be >= 1, got %d", c.Jobs.QueueCapacity)
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs workers must be >= 1, got %d", c.Jobs.Workers)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Data.Root == "" {
		cfg.Data.Root = "./data"
	}
	if cfg.Data.PlanCacheSize == 0 {
		cfg.Data.PlanCacheSize = 16
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}

	// The decomposer and executor inherit the conversation profile for
	// anything left unset.
	cfg.Decompose.LLM = cfg.Decompose.LLM.Merge(cfg.LLM)
	cfg.Executor.LLM = cfg.Executor.LLM.Merge(cfg.LLM)

	if cfg.Decompose.MaxDepth == 0 {
		cfg.Decompose.MaxDepth = 3
	}
	if cfg.Decompose.MaxChildren == 0 {
		cfg.Decompose.MaxChildren = 5
	}
	if cfg.Decompose.TotalNodeBudget == 0 {
		cfg.Decompose.TotalNodeBudget = 60
	}
	if cfg.Decompose.RetryLimit == 0 {
		cfg.Decompose.RetryLimit = 2
	}

	if cfg.Executor.MaxRetries == 0 {
		cfg.Executor.MaxRetries = 2
	}
	if cfg.Executor.Timeout == 0 {
		cfg.Executor.Timeout = 2 * time.Minute
	}
	if cfg.Executor.Parallelism == 0 {
		cfg.Executor.Parallelism = 1
	}

	if cfg.Tools.WebSearch.DefaultProvider == "" {
		cfg.Tools.WebSearch.DefaultProvider = "builtin"
	}
	if cfg.Tools.WebSearch.BuiltinBackend == "" {
		cfg.Tools.WebSearch.BuiltinBackend = "duckduckgo"
	}
	if cfg.Tools.WebSearch.PerplexityAPIURL == "" {
		cfg.Tools.WebSearch.PerplexityAPIURL = "https://api.perplexity.ai"
	}
	if cfg.Tools.WebSearch.PerplexityModel == "" {
		cfg.Tools.WebSearch.PerplexityModel = "sonar"
	}
	if cfg.Tools.WebSearch.MaxResults == 0 {
		cfg.Tools.WebSearch.MaxResults = 5
	}
	if cfg.Tools.WebSearch.CacheTTL == 0 {
		cfg.Tools.WebSearch.CacheTTL = 5 * time.Minute
	}
	if cfg.Tools.WebSearch.Timeout == 0 {
		cfg.Tools.WebSearch.Timeout = 10 * time.Second
	}
	if cfg.Tools.GraphRAG.CacheTTL == 0 {
		cfg.Tools.GraphRAG.CacheTTL = 5 * time.Minute
	}

	if cfg.Jobs.QueueCapacity == 0 {
		cfg.Jobs.QueueCapacity = 64
	}
	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = 30
	}
	if cfg.Jobs.MaxLogRows == 0 {
		cfg.Jobs.MaxLogRows = 5000
	}
	if cfg.Jobs.CleanupSchedule == "" {
		cfg.Jobs.CleanupSchedule = "0 3 * * *"
	}
	if cfg.Jobs.HeartbeatInterval == 0 {
		cfg.Jobs.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Jobs.SubscriberBuffer == 0 {
		cfg.Jobs.SubscriberBuffer = 64
	}

	if cfg.Agent.HistoryLimit == 0 {
		cfg.Agent.HistoryLimit = 20
	}
	if cfg.Agent.OutlineMaxDepth == 0 {
		cfg.Agent.OutlineMaxDepth = 3
	}
	if cfg.Agent.OutlineMaxNodes == 0 {
		cfg.Agent.OutlineMaxNodes = 60
	}
	if cfg.Agent.AutoTitleMinUserMessages == 0 {
		cfg.Agent.AutoTitleMinUserMessages = 2
	}
	if cfg.Agent.ValidationRetries == 0 {
		cfg.Agent.ValidationRetries = 1
	}
	if cfg.Agent.RecentToolResultsLimit == 0 {
		cfg.Agent.RecentToolResultsLimit = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// applyEnv overlays the enumerated environment variables onto cfg.
// Environment values win over file values.
func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Data.Root, "DB_ROOT")

	setStr(&cfg.LLM.Provider, "LLM_PROVIDER")
	setStr(&cfg.LLM.Model, "LLM_MODEL")
	setStr(&cfg.LLM.APIURL, "LLM_API_URL")
	setStr(&cfg.LLM.APIKey, "LLM_API_KEY")

	setStr(&cfg.Decompose.LLM.Provider, "DECOMP_PROVIDER")
	setStr(&cfg.Decompose.LLM.Model, "DECOMP_MODEL")
	setStr(&cfg.Decompose.LLM.APIURL, "DECOMP_API_URL")
	setStr(&cfg.Decompose.LLM.APIKey, "DECOMP_API_KEY")
	setInt(&cfg.Decompose.MaxDepth, "DECOMP_MAX_DEPTH")
	setInt(&cfg.Decompose.MaxChildren, "DECOMP_MAX_CHILDREN")
	setInt(&cfg.Decompose.TotalNodeBudget, "DECOMP_TOTAL_NODE_BUDGET")
	setBool(&cfg.Decompose.AutoOnCreate, "DECOMP_AUTO_ON_CREATE")

	setStr(&cfg.Executor.LLM.Provider, "PLAN_EXECUTOR_PROVIDER")
	setStr(&cfg.Executor.LLM.Model, "PLAN_EXECUTOR_MODEL")
	setStr(&cfg.Executor.LLM.APIURL, "PLAN_EXECUTOR_API_URL")
	setStr(&cfg.Executor.LLM.APIKey, "PLAN_EXECUTOR_API_KEY")
	setInt(&cfg.Executor.MaxRetries, "PLAN_EXECUTOR_MAX_RETRIES")
	setDuration(&cfg.Executor.Timeout, "PLAN_EXECUTOR_TIMEOUT")
	setBool(&cfg.Executor.UseContext, "PLAN_EXECUTOR_USE_CONTEXT")
	setInt(&cfg.Executor.Parallelism, "PLAN_EXECUTOR_PARALLELISM")

	setStr(&cfg.Tools.WebSearch.DefaultProvider, "DEFAULT_WEB_SEARCH_PROVIDER")
	setStr(&cfg.Tools.WebSearch.BuiltinBackend, "BUILTIN_SEARCH_PROVIDER")
	setStr(&cfg.Tools.WebSearch.SearXNGURL, "SEARXNG_URL")
	setStr(&cfg.Tools.WebSearch.BraveAPIKey, "BRAVE_API_KEY")
	setStr(&cfg.Tools.WebSearch.PerplexityAPIKey, "PERPLEXITY_API_KEY")
	setStr(&cfg.Tools.WebSearch.PerplexityAPIURL, "PERPLEXITY_API_URL")

	setStr(&cfg.Tools.GraphRAG.TriplesPath, "GRAPH_RAG_TRIPLES_PATH")
	setDuration(&cfg.Tools.GraphRAG.CacheTTL, "GRAPH_RAG_CACHE_TTL")

	setInt(&cfg.Jobs.RetentionDays, "JOB_LOG_RETENTION_DAYS")
	setInt(&cfg.Jobs.MaxLogRows, "JOB_LOG_MAX_ROWS")

	setStr(&cfg.Logging.Level, "LOG_LEVEL")
	setStr(&cfg.Logging.Format, "LOG_FORMAT")
	setStr(&cfg.Tracing.Endpoint, "OTEL_ENDPOINT")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Bare numbers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
