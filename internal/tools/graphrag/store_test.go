package graphrag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/planweave/planweave/internal/config"
	"github.com/planweave/planweave/internal/tools"
)

func writeTriples(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triples.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write triples: %v", err)
	}
	return path
}

func newTestStore(t *testing.T, lines ...string) *Store {
	t.Helper()
	path := writeTriples(t, lines...)
	store, err := NewStore(config.GraphRAGConfig{TriplesPath: path}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStoreLoadSkipsBadLines(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"golang","predicate":"created_by","object":"google"}`,
		`# a comment`,
		``,
		`not json at all`,
		`{"subject":"","predicate":"missing","object":"fields"}`,
		`{"subject":"kubernetes","predicate":"written_in","object":"golang"}`,
	)

	triples, entities := store.Stats()
	if triples != 2 {
		t.Errorf("triples = %d, want 2", triples)
	}
	// golang, google, kubernetes
	if entities != 3 {
		t.Errorf("entities = %d, want 3", entities)
	}
}

func TestStoreMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.jsonl")
	store, err := NewStore(config.GraphRAGConfig{TriplesPath: path}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if triples, _ := store.Stats(); triples != 0 {
		t.Errorf("triples = %d, want 0", triples)
	}
}

func TestStoreRequiresPath(t *testing.T) {
	if _, err := NewStore(config.GraphRAGConfig{}, nil); err == nil {
		t.Error("NewStore with empty path should fail")
	}
}

func TestQuerySeedsFromQueryText(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"kubernetes","predicate":"orchestrates","object":"docker"}`,
		`{"subject":"kubernetes","predicate":"written_in","object":"golang"}`,
		`{"subject":"terraform","predicate":"provisions","object":"aws"}`,
	)

	result, err := store.Query(context.Background(), QueryParams{
		Query: "how does kubernetes schedule containers",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0] != "kubernetes" {
		t.Errorf("Entities = %v, want [kubernetes]", result.Entities)
	}
	if len(result.Facts) != 2 {
		t.Fatalf("len(Facts) = %d, want 2", len(result.Facts))
	}
	for _, fact := range result.Facts {
		if fact.Hops != 1 {
			t.Errorf("fact %v has hops %d, want 1", fact.Triple, fact.Hops)
		}
	}
}

func TestQueryWordBoundaryMatching(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"java","predicate":"runs_on","object":"jvm"}`,
	)

	result, err := store.Query(context.Background(), QueryParams{
		Query: "why is javascript single threaded",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Entities) != 0 {
		t.Errorf("Entities = %v, want none (java should not match javascript)", result.Entities)
	}

	result, err = store.Query(context.Background(), QueryParams{
		Query: "tell me about java performance",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0] != "java" {
		t.Errorf("Entities = %v, want [java]", result.Entities)
	}
}

func TestQueryFocusEntitiesOverrideExtraction(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"postgres","predicate":"stores","object":"relational data"}`,
		`{"subject":"redis","predicate":"stores","object":"key-value data"}`,
	)

	result, err := store.Query(context.Background(), QueryParams{
		Query:         "redis questions",
		FocusEntities: []string{"Postgres", "unknown-entity"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0] != "postgres" {
		t.Errorf("Entities = %v, want [postgres]", result.Entities)
	}
	if len(result.Facts) != 1 || result.Facts[0].Subject != "postgres" {
		t.Errorf("Facts = %+v, want the postgres triple", result.Facts)
	}
}

func TestQueryHopsExpansion(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"alpha","predicate":"uses","object":"beta"}`,
		`{"subject":"beta","predicate":"stores_in","object":"gamma"}`,
		`{"subject":"gamma","predicate":"hosted_on","object":"delta"}`,
	)

	one, err := store.Query(context.Background(), QueryParams{
		Query:         "alpha",
		FocusEntities: []string{"alpha"},
		Hops:          1,
	})
	if err != nil {
		t.Fatalf("Query hops=1: %v", err)
	}
	if len(one.Facts) != 1 {
		t.Fatalf("hops=1 facts = %d, want 1", len(one.Facts))
	}

	two, err := store.Query(context.Background(), QueryParams{
		Query:         "alpha",
		FocusEntities: []string{"alpha"},
		Hops:          2,
	})
	if err != nil {
		t.Fatalf("Query hops=2: %v", err)
	}
	if len(two.Facts) != 2 {
		t.Fatalf("hops=2 facts = %d, want 2", len(two.Facts))
	}
	if two.Facts[0].Hops != 1 || two.Facts[1].Hops != 2 {
		t.Errorf("hop ordering = %d, %d, want 1, 2", two.Facts[0].Hops, two.Facts[1].Hops)
	}
	if two.Facts[1].Subject != "beta" {
		t.Errorf("second-hop fact = %+v, want beta triple", two.Facts[1].Triple)
	}
}

func TestQueryTopKLimit(t *testing.T) {
	lines := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		lines = append(lines, fmt.Sprintf(`{"subject":"hub","predicate":"links_to","object":"spoke%d"}`, i))
	}
	store := newTestStore(t, lines...)

	result, err := store.Query(context.Background(), QueryParams{
		Query:         "hub",
		FocusEntities: []string{"hub"},
		TopK:          3,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(result.Facts) != 3 {
		t.Errorf("len(Facts) = %d, want 3", len(result.Facts))
	}
}

func TestQuerySubgraph(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"api","predicate":"calls","object":"database"}`,
	)

	result, err := store.Query(context.Background(), QueryParams{
		Query:          "api",
		FocusEntities:  []string{"api"},
		ReturnSubgraph: true,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Subgraph == nil {
		t.Fatal("Subgraph is nil")
	}
	if len(result.Subgraph.Nodes) != 2 {
		t.Errorf("nodes = %v, want 2", result.Subgraph.Nodes)
	}
	if len(result.Subgraph.Edges) != 1 {
		t.Errorf("edges = %v, want 1", result.Subgraph.Edges)
	}

	without, err := store.Query(context.Background(), QueryParams{
		Query:         "api",
		FocusEntities: []string{"api"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if without.Subgraph != nil {
		t.Error("Subgraph should be nil when not requested")
	}
}

func TestReloadPurgesQueryCache(t *testing.T) {
	path := writeTriples(t,
		`{"subject":"service","predicate":"reads","object":"cache"}`,
	)
	store, err := NewStore(config.GraphRAGConfig{TriplesPath: path}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	params := QueryParams{Query: "service", FocusEntities: []string{"service"}}
	first, err := store.Query(context.Background(), params)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(first.Facts) != 1 {
		t.Fatalf("facts = %d, want 1", len(first.Facts))
	}

	extra := `{"subject":"service","predicate":"reads","object":"cache"}` + "\n" +
		`{"subject":"service","predicate":"writes","object":"queue"}` + "\n"
	if err := os.WriteFile(path, []byte(extra), 0o644); err != nil {
		t.Fatalf("rewrite triples: %v", err)
	}

	// Same params still served from cache until a reload.
	cached, err := store.Query(context.Background(), params)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cached.Facts) != 1 {
		t.Errorf("cached facts = %d, want 1", len(cached.Facts))
	}

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	fresh, err := store.Query(context.Background(), params)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(fresh.Facts) != 2 {
		t.Errorf("post-reload facts = %d, want 2", len(fresh.Facts))
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeTriples(t,
		`{"subject":"one","predicate":"links","object":"two"}`,
	)
	store, err := NewStore(config.GraphRAGConfig{TriplesPath: path}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	defer store.Close()

	appended := `{"subject":"one","predicate":"links","object":"two"}` + "\n" +
		`{"subject":"two","predicate":"links","object":"three"}` + "\n"
	if err := os.WriteFile(path, []byte(appended), 0o644); err != nil {
		t.Fatalf("rewrite triples: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if triples, _ := store.Stats(); triples == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	triples, _ := store.Stats()
	t.Errorf("watcher did not reload, triples = %d, want 2", triples)
}

func TestToolExecute(t *testing.T) {
	store := newTestStore(t,
		`{"subject":"planner","predicate":"emits","object":"actions"}`,
	)
	tool := NewTool(store)

	if tool.Name() != "graph_rag" {
		t.Errorf("Name() = %q, want graph_rag", tool.Name())
	}
	var _ tools.Tool = tool

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"what does the planner emit"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Summary)
	}
	data, ok := result.Data.(*QueryResult)
	if !ok {
		t.Fatalf("Data is %T, want *QueryResult", result.Data)
	}
	if len(data.Facts) != 1 {
		t.Errorf("facts = %d, want 1", len(data.Facts))
	}

	missing, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !missing.IsError {
		t.Error("expected error result for missing query")
	}

	none, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"irrelevant topic"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if none.IsError {
		t.Errorf("no-match query should not be an error: %s", none.Summary)
	}
}
