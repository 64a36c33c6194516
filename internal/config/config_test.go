package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "anthropic" {
		t.Fatalf("backend=%q", cfg.Backend)
	}
	if cfg.ChatModel != "opus" || cfg.UtilityModel != "haiku" {
		t.Fatalf("chat=%q utility=%q", cfg.ChatModel, cfg.UtilityModel)
	}
	if cfg.ChatTier().ID != "claude-opus-4-6" {
		t.Fatalf("chat tier=%+v", cfg.ChatTier())
	}
	if cfg.UtilityTier().MaxOutputTokens != 16_000 {
		t.Fatalf("utility tier=%+v", cfg.UtilityTier())
	}
	if cfg.Limits.CompactThreshold != 140_000 || cfg.Limits.ContextBudget != 180_000 {
		t.Fatalf("limits=%+v", cfg.Limits)
	}
	if cfg.Claude.Binary != "claude" || cfg.Claude.OAuthTokenRef != "CLAUDE_CODE_OAUTH_TOKEN" {
		t.Fatalf("claude=%+v", cfg.Claude)
	}
	if !cfg.Session.Enabled {
		t.Fatal("session persistence disabled by default")
	}
}

func TestLoadDataDirDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dataHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	base := filepath.Join(dataHome, "steward")
	for name, got := range map[string]string{
		"workspace":  cfg.Workspace,
		"audit_dir":  cfg.AuditDir,
		"usage_dir":  cfg.UsageDir,
		"claude_dir": cfg.Claude.DataDir,
		"db_path":    cfg.Session.DBPath,
	} {
		if !strings.HasPrefix(got, base) {
			t.Fatalf("%s=%q, want under %q", name, got, base)
		}
	}
}

func TestLoadFromConfigFile(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dir := filepath.Join(configHome, "steward")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `backend: claude-cli
chat_model: sonnet
limits:
  compact_threshold: 90000
claude:
  max_tool_rounds: 4
mcp_servers:
  files:
    command: mcp-files
    args: ["--root", "/srv"]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != "claude-cli" {
		t.Fatalf("backend=%q", cfg.Backend)
	}
	if cfg.ChatTier().ID != "claude-sonnet-4-5-20250929" || cfg.ChatTier().ThinkingBudget != 10_000 {
		t.Fatalf("chat tier=%+v", cfg.ChatTier())
	}
	if cfg.Limits.CompactThreshold != 90_000 {
		t.Fatalf("compact threshold=%d", cfg.Limits.CompactThreshold)
	}
	// Unset limits keep their defaults.
	if cfg.Limits.ContextBudget != 180_000 {
		t.Fatalf("context budget=%d", cfg.Limits.ContextBudget)
	}
	if cfg.Claude.MaxToolRounds != 4 {
		t.Fatalf("max tool rounds=%d", cfg.Claude.MaxToolRounds)
	}
	server, ok := cfg.MCPServers["files"]
	if !ok || server.Command != "mcp-files" || len(server.Args) != 2 {
		t.Fatalf("mcp server=%+v", server)
	}
}

func TestAPIKeyEnvFallback(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("OPENAI_API_KEY", "sk-oai-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test" || cfg.OpenAI.APIKey != "sk-oai-test" {
		t.Fatalf("keys=%q %q", cfg.Anthropic.APIKey, cfg.OpenAI.APIKey)
	}
}
