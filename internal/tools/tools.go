// Package tools hosts the invocable capabilities exposed to chat
// conversations. Tools are registered by name; the registry validates
// parameters against each tool's schema before dispatching.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planweave/planweave/internal/observability"
)

// Parameter limits guard against resource exhaustion.
const (
	// MaxNameLength is the maximum length of a tool name.
	MaxNameLength = 256

	// MaxParamsSize is the maximum size of tool parameters JSON (1MB).
	MaxParamsSize = 1 << 20
)

// Tool is one capability the conversation agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the tool's parameters.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the normalised outcome of a tool invocation. Summary is the
// human-readable line recorded in action logs; Data carries the structured
// payload surfaced in response metadata.
type Result struct {
	Summary string `json:"summary"`
	Data    any    `json:"data,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Registry manages available tools with thread-safe registration and
// lookup. Parameter schemas are compiled on first use and cached until
// the tool is re-registered.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger.WithComponent("tools"),
		metrics: metrics,
	}
}

// Register adds a tool by its name, replacing any previous registration.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	delete(r.schemas, tool.Name())
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute validates params against the named tool's schema and invokes
// it. Invalid names or parameters produce an error Result, not an error;
// the error return is reserved for handler failures.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxNameLength {
		return &Result{
			Summary: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxParamsSize {
		return &Result{
			Summary: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Summary: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.validateParams(tool, params); err != nil {
		return &Result{
			Summary: fmt.Sprintf("invalid parameters for %s: %v", name, err),
			IsError: true,
		}, nil
	}

	start := time.Now()
	result, err := tool.Execute(ctx, params)
	elapsed := time.Since(start)

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.IsError:
		status = "failed"
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, status, elapsed.Seconds())
	}
	r.logger.Debug(ctx, "tool executed",
		"tool", name,
		"status", status,
		"duration_ms", elapsed.Milliseconds())
	return result, err
}

func (r *Registry) validateParams(tool Tool, params json.RawMessage) error {
	schema, err := r.compiledSchema(tool)
	if err != nil {
		// A malformed tool schema should not block the tool itself.
		r.logger.Warn(context.Background(), "tool schema failed to compile",
			"tool", tool.Name(), "error", err)
		return nil
	}
	if schema == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (r *Registry) compiledSchema(tool Tool) (*jsonschema.Schema, error) {
	name := tool.Name()

	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	raw := tool.Schema()
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.schemas[name] = schema
	r.mu.Unlock()
	return schema, nil
}
