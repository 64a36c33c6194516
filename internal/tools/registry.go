package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stewardhq/steward/internal/llm"
)

// Registry holds the tools available to the model and satisfies the loop's
// executor contract. Registration happens at startup; Execute may be called
// concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Spec().Name] = tool
}

// Execute dispatches one tool call. It never fails: unknown tools and
// execution errors come back as result strings, and a panicking tool is
// contained rather than taking down the loop.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, tc llm.ToolContext) (result string) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error: %s: tool %s panicked: %v", ErrInternal, name, rec)
		}
	}()

	out, err := tool.Execute(ctx, args, tc)
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	return out
}

// Definitions returns the specs of all registered tools, sorted by name so
// prompt caching sees a stable ordering.
func (r *Registry) Definitions() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].Name < specs[j].Name
	})
	return specs
}

var _ llm.ToolExecutor = (*Registry)(nil)
