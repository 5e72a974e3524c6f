// Package graphrag implements the graph_rag tool: retrieval over a
// knowledge graph loaded from a triples file. Queries seed on entities
// mentioned in the question (or given explicitly) and walk the graph a
// bounded number of hops.
package graphrag

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/observability"
)

const (
	defaultTopK = 10
	maxTopK     = 50
	defaultHops = 1
	maxHops     = 3

	// queryCacheSize bounds the expirable query cache.
	queryCacheSize = 256

	// minEntityLength keeps very short entity names from matching
	// everywhere in free text.
	minEntityLength = 3

	watchDebounce = 250 * time.Millisecond
)

// Triple is one subject-predicate-object edge of the knowledge graph.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Fact is a retrieved triple annotated with its hop distance from the
// seed entities.
type Fact struct {
	Triple
	Hops int `json:"hops"`
}

// Subgraph is the localized graph neighbourhood of a query.
type Subgraph struct {
	Nodes []string `json:"nodes"`
	Edges []Triple `json:"edges"`
}

// QueryResult is the outcome of one graph query.
type QueryResult struct {
	Query    string    `json:"query"`
	Entities []string  `json:"entities"`
	Facts    []Fact    `json:"facts"`
	Subgraph *Subgraph `json:"subgraph,omitempty"`
}

// QueryParams controls one graph query.
type QueryParams struct {
	Query          string
	TopK           int
	Hops           int
	ReturnSubgraph bool
	FocusEntities  []string
}

// Store holds the loaded graph and serves queries. The triples file is
// JSON lines, one {"subject","predicate","object"} per line; blank lines
// and lines starting with # are skipped.
type Store struct {
	path   string
	logger *observability.Logger

	mu       sync.RWMutex
	triples  []Triple
	byEntity map[string][]int
	display  map[string]string

	cache *expirable.LRU[string, *QueryResult]

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewStore loads the triples file. A missing file yields an empty store
// so a watcher can pick the file up when it appears; any other read
// error is fatal.
func NewStore(cfg config.GraphRAGConfig, logger *observability.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.TriplesPath) == "" {
		return nil, fmt.Errorf("graphrag: triples path not configured")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	s := &Store{
		path:     cfg.TriplesPath,
		logger:   logger.WithComponent("graphrag"),
		byEntity: make(map[string][]int),
		display:  make(map[string]string),
		cache:    expirable.NewLRU[string, *QueryResult](queryCacheSize, nil, ttl),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the triples file, swaps the graph, and purges the
// query cache.
func (s *Store) Reload() error {
	triples, skipped, err := loadTriples(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn(context.Background(), "triples file missing, starting empty", "path", s.path)
			triples = nil
		} else {
			return fmt.Errorf("graphrag: %w", err)
		}
	}

	byEntity := make(map[string][]int)
	display := make(map[string]string)
	for i, t := range triples {
		for _, entity := range []string{t.Subject, t.Object} {
			key := strings.ToLower(entity)
			byEntity[key] = append(byEntity[key], i)
			if _, ok := display[key]; !ok {
				display[key] = entity
			}
		}
	}

	s.mu.Lock()
	s.triples = triples
	s.byEntity = byEntity
	s.display = display
	s.mu.Unlock()
	s.cache.Purge()

	s.logger.Info(context.Background(), "graph loaded",
		"path", s.path,
		"triples", len(triples),
		"entities", len(display),
		"skipped_lines", skipped)
	return nil
}

func loadTriples(path string) ([]Triple, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var triples []Triple
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var t Triple
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			skipped++
			continue
		}
		if t.Subject == "" || t.Predicate == "" || t.Object == "" {
			skipped++
			continue
		}
		triples = append(triples, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return triples, skipped, nil
}

// StartWatching reloads the graph when the triples file changes. The
// parent directory is watched so atomic replaces (write + rename) are
// seen.
func (s *Store) StartWatching(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	target := filepath.Clean(s.path)
	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := s.Reload(); err != nil {
				s.logger.Warn(context.Background(), "graph reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(context.Background(), "graph watcher error", "error", err)
		}
	}
}

// Stats reports the loaded triple and entity counts.
func (s *Store) Stats() (triples, entities int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.triples), len(s.display)
}

// Query walks the graph from the seed entities and returns the nearest
// facts. Results are cached per parameter set until the TTL expires or
// the graph reloads.
func (s *Store) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return nil, fmt.Errorf("graphrag: query is required")
	}
	topK := params.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	hops := params.Hops
	if hops <= 0 {
		hops = defaultHops
	}
	if hops > maxHops {
		hops = maxHops
	}

	key := cacheKey(query, topK, hops, params.ReturnSubgraph, params.FocusEntities)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seeds := s.seedEntities(query, params.FocusEntities)
	result := &QueryResult{
		Query:    query,
		Entities: make([]string, 0, len(seeds)),
		Facts:    []Fact{},
	}
	for _, seed := range seeds {
		result.Entities = append(result.Entities, s.display[seed])
	}

	facts := s.walk(seeds, hops)
	if len(facts) > topK {
		facts = facts[:topK]
	}
	result.Facts = facts

	if params.ReturnSubgraph {
		result.Subgraph = buildSubgraph(facts)
	}

	s.cache.Add(key, result)
	return result, nil
}

// seedEntities resolves the starting set: explicit focus entities when
// given, otherwise entity names found in the query text.
func (s *Store) seedEntities(query string, focus []string) []string {
	seen := make(map[string]struct{})
	var seeds []string

	if len(focus) > 0 {
		for _, entity := range focus {
			key := strings.ToLower(strings.TrimSpace(entity))
			if key == "" {
				continue
			}
			if _, known := s.byEntity[key]; !known {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			seeds = append(seeds, key)
		}
		sort.Strings(seeds)
		return seeds
	}

	queryLower := strings.ToLower(query)
	for key := range s.byEntity {
		if len(key) < minEntityLength {
			continue
		}
		if containsEntity(queryLower, key) {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				seeds = append(seeds, key)
			}
		}
	}
	sort.Strings(seeds)
	return seeds
}

// walk collects triples breadth-first, nearest hops first. Within a hop,
// file order is preserved for determinism.
func (s *Store) walk(seeds []string, hops int) []Fact {
	facts := []Fact{}
	seenTriples := make(map[int]struct{})
	visited := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		visited[seed] = struct{}{}
	}

	frontier := seeds
	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		var next []string
		for _, entity := range frontier {
			for _, idx := range s.byEntity[entity] {
				if _, ok := seenTriples[idx]; ok {
					continue
				}
				seenTriples[idx] = struct{}{}
				triple := s.triples[idx]
				facts = append(facts, Fact{Triple: triple, Hops: hop})

				for _, other := range []string{strings.ToLower(triple.Subject), strings.ToLower(triple.Object)} {
					if _, ok := visited[other]; !ok {
						visited[other] = struct{}{}
						next = append(next, other)
					}
				}
			}
		}
		frontier = next
	}
	return facts
}

func buildSubgraph(facts []Fact) *Subgraph {
	subgraph := &Subgraph{Nodes: []string{}, Edges: make([]Triple, 0, len(facts))}
	seenNodes := make(map[string]struct{})
	for _, fact := range facts {
		subgraph.Edges = append(subgraph.Edges, fact.Triple)
		for _, node := range []string{fact.Subject, fact.Object} {
			key := strings.ToLower(node)
			if _, ok := seenNodes[key]; !ok {
				seenNodes[key] = struct{}{}
				subgraph.Nodes = append(subgraph.Nodes, node)
			}
		}
	}
	return subgraph
}

func cacheKey(query string, topK, hops int, subgraph bool, focus []string) string {
	normalized := make([]string, 0, len(focus))
	for _, f := range focus {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(f)))
	}
	sort.Strings(normalized)
	return fmt.Sprintf("%s|%d|%d|%t|%s", strings.ToLower(query), topK, hops, subgraph, strings.Join(normalized, ","))
}

// containsEntity reports whether entity occurs in text on word
// boundaries, so "java" does not match inside "javascript".
func containsEntity(text, entity string) bool {
	for start := 0; start <= len(text)-len(entity); {
		idx := strings.Index(text[start:], entity)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(entity)
		beforeOK := idx == 0 || !isWordByte(text[idx-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
