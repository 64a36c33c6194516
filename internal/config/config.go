package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// ModelTier is one configured model with its output and thinking budgets.
type ModelTier struct {
	ID              string `mapstructure:"id"`
	MaxOutputTokens int    `mapstructure:"max_output_tokens"`
	ThinkingBudget  int    `mapstructure:"thinking_budget"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"` // empty means api.openai.com
}

type ClaudeCLIConfig struct {
	Binary        string `mapstructure:"binary"`
	DataDir       string `mapstructure:"data_dir"`       // mounted as ~/.claude inside the sandbox
	OAuthTokenRef string `mapstructure:"oauth_token_ref"` // vault reference for CLAUDE_CODE_OAUTH_TOKEN
	MaxToolRounds int    `mapstructure:"max_tool_rounds"`
}

// LimitsConfig holds the context-window bookkeeping knobs.
type LimitsConfig struct {
	ContextBudget    int `mapstructure:"context_budget"`
	CompactThreshold int `mapstructure:"compact_threshold"`
	MaxToolRounds    int `mapstructure:"max_tool_rounds"`
}

type SessionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"` // empty means the XDG default
}

// MCPServerConfig describes one external MCP tool server to attach.
type MCPServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

type Config struct {
	Backend      string                     `mapstructure:"backend"` // anthropic, openai, claude-cli
	ChatModel    string                     `mapstructure:"chat_model"`
	UtilityModel string                     `mapstructure:"utility_model"`
	Models       map[string]ModelTier       `mapstructure:"models"`
	Anthropic    AnthropicConfig            `mapstructure:"anthropic"`
	OpenAI       OpenAIConfig               `mapstructure:"openai"`
	Claude       ClaudeCLIConfig            `mapstructure:"claude"`
	Limits       LimitsConfig               `mapstructure:"limits"`
	Session      SessionConfig              `mapstructure:"session"`
	MCPServers   map[string]MCPServerConfig `mapstructure:"mcp_servers"`
	Workspace    string                     `mapstructure:"workspace"`
	Profile      string                     `mapstructure:"profile"` // prompt profile YAML
	AuditDir     string                     `mapstructure:"audit_dir"`
	UsageDir     string                     `mapstructure:"usage_dir"`
}

// GetConfigDir returns the XDG config directory for steward.
func GetConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "steward"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "steward"), nil
}

// GetDataDir returns the XDG data directory for steward.
func GetDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "steward"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "steward"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.SetEnvPrefix("STEWARD")
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	applyDataDirDefaults(&cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "anthropic")
	v.SetDefault("chat_model", "opus")
	v.SetDefault("utility_model", "haiku")

	v.SetDefault("models.opus.id", "claude-opus-4-6")
	v.SetDefault("models.opus.max_output_tokens", 128_000)
	v.SetDefault("models.sonnet.id", "claude-sonnet-4-5-20250929")
	v.SetDefault("models.sonnet.max_output_tokens", 64_000)
	v.SetDefault("models.sonnet.thinking_budget", 10_000)
	v.SetDefault("models.haiku.id", "claude-haiku-4-5-20251001")
	v.SetDefault("models.haiku.max_output_tokens", 16_000)

	v.SetDefault("limits.context_budget", 180_000)
	v.SetDefault("limits.compact_threshold", 140_000)
	v.SetDefault("limits.max_tool_rounds", 25)

	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.max_tool_rounds", 10)
	v.SetDefault("claude.oauth_token_ref", "CLAUDE_CODE_OAUTH_TOKEN")

	v.SetDefault("session.enabled", true)
}

func applyDataDirDefaults(cfg *Config) {
	dataDir, err := GetDataDir()
	if err != nil {
		return
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(dataDir, "workspace")
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = filepath.Join(dataDir, "audit")
	}
	if cfg.UsageDir == "" {
		cfg.UsageDir = filepath.Join(dataDir, "token-usage")
	}
	if cfg.Claude.DataDir == "" {
		cfg.Claude.DataDir = filepath.Join(dataDir, "claude")
	}
	if cfg.Session.DBPath == "" {
		cfg.Session.DBPath = filepath.Join(dataDir, "sessions.db")
	}
}

// ChatTier resolves the configured chat model tier.
func (c *Config) ChatTier() ModelTier {
	return c.Models[c.ChatModel]
}

// UtilityTier resolves the configured utility (cheap summarizer) tier.
func (c *Config) UtilityTier() ModelTier {
	return c.Models[c.UtilityModel]
}
