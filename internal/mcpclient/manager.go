package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/tools"
)

// Manager starts the configured MCP servers and registers their tools with
// the host registry. A server that fails to start is logged and skipped; the
// rest keep working.
type Manager struct {
	clients []*Client
}

func NewManager(servers map[string]config.MCPServerConfig) *Manager {
	m := &Manager{}
	for name, cfg := range servers {
		m.clients = append(m.clients, NewClient(name, cfg))
	}
	return m
}

// Start connects every server and registers their tools.
func (m *Manager) Start(ctx context.Context, registry *tools.Registry) {
	for _, client := range m.clients {
		if err := client.Start(ctx); err != nil {
			slog.Error("failed to start MCP server", "server", client.Name(), "error", err)
			continue
		}
		specs := client.Tools()
		for _, spec := range specs {
			registry.Register(&proxyTool{client: client, spec: spec})
		}
		slog.Info("MCP server attached", "server", client.Name(), "tools", len(specs))
	}
}

// Stop closes every running server.
func (m *Manager) Stop() {
	for _, client := range m.clients {
		if err := client.Stop(); err != nil {
			slog.Warn("failed to stop MCP server", "server", client.Name(), "error", err)
		}
	}
}

// proxyTool forwards registry calls to a remote MCP server. The exposed name
// is prefixed with the server name to avoid collisions with local tools.
type proxyTool struct {
	client *Client
	spec   ToolSpec
}

func (t *proxyTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        fmt.Sprintf("%s__%s", t.client.Name(), t.spec.Name),
		Description: t.spec.Description,
		Schema:      t.spec.Schema,
	}
}

func (t *proxyTool) Execute(ctx context.Context, args json.RawMessage, _ llm.ToolContext) (string, error) {
	return t.client.CallTool(ctx, t.spec.Name, args)
}
