package llm

import (
	"context"
	"fmt"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/executor"
	"github.com/stewardhq/steward/internal/vault"
)

// Backend is one inference implementation. All variants satisfy the same
// contract: a bounded agentic loop, a token counter for compaction
// bookkeeping, and a cheap utility completion for summarization.
type Backend interface {
	// RunAgenticLoop drives the model through tool rounds and returns the
	// final reply plus the (possibly grown) history.
	RunAgenticLoop(ctx context.Context, p LoopParams) (string, []Message, error)

	// CountTokens measures the current conversation. Returns a negative
	// value when the backend cannot count, so callers keep their stale
	// figure instead of erroring.
	CountTokens(ctx context.Context, model Model, system []SystemBlock, tools []ToolSpec, messages []Message) (int, error)

	// UtilityComplete runs a one-shot prompt on the cheap utility model.
	UtilityComplete(ctx context.Context, prompt string, maxTokens int) (string, error)

	// Close releases backend resources (sockets, clients).
	Close() error
}

// BackendDeps are the collaborators a backend may need; unused fields stay
// nil.
type BackendDeps struct {
	Executor executor.CommandExecutor
	Vault    vault.Vault
	Tools    ToolExecutor
	Audit    AuditLog
	UsageLog UsageLog
}

func modelFromTier(t config.ModelTier) Model {
	return Model{
		ID:              t.ID,
		MaxOutputTokens: t.MaxOutputTokens,
		ThinkingBudget:  t.ThinkingBudget,
	}
}

// ResolveModel converts a configured tier into a Model descriptor.
func ResolveModel(cfg *config.Config, tier string) (Model, error) {
	t, ok := cfg.Models[tier]
	if !ok {
		return Model{}, fmt.Errorf("unknown model tier: %q", tier)
	}
	return modelFromTier(t), nil
}

// NewBackend builds the backend named by cfg.Backend.
func NewBackend(cfg *config.Config, deps BackendDeps) (Backend, error) {
	switch cfg.Backend {
	case "", "anthropic":
		return NewAnthropicBackend(cfg, deps)
	case "openai":
		return NewOpenAIBackend(cfg, deps)
	case "claude-cli":
		if deps.Executor == nil {
			return nil, fmt.Errorf("claude-cli backend requires a command executor")
		}
		return NewClaudeCLIBackend(cfg, deps)
	default:
		return nil, fmt.Errorf("unknown inference backend: %q", cfg.Backend)
	}
}
