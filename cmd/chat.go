package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/audit"
	"github.com/stewardhq/steward/internal/brain"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/executor"
	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/internal/mcpclient"
	"github.com/stewardhq/steward/internal/prompt"
	"github.com/stewardhq/steward/internal/session"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/vault"
)

var (
	chatRoom     string
	chatUsername string
	chatBackend  string
	chatModel    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the agent.

Each room keeps its own history, persisted across restarts. Tool calls and
intermediate replies stream to the terminal as they happen.

Examples:
  steward chat
  steward chat --room standup
  steward chat --backend claude-cli`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatRoom, "room", "default", "Room whose history to use")
	chatCmd.Flags().StringVar(&chatUsername, "user", defaultUsername(), "Username shown to the agent")
	chatCmd.Flags().StringVar(&chatBackend, "backend", "", "Inference backend (anthropic, openai, claude-cli)")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "Chat model tier override")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if chatBackend != "" {
		cfg.Backend = chatBackend
	}
	if chatModel != "" {
		cfg.ChatModel = chatModel
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog, err := audit.NewLog(cfg.AuditDir)
	if err != nil {
		return err
	}
	usageLog, err := audit.NewUsageLog(cfg.UsageDir)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewCurrentTimeTool())
	registry.Register(tools.NewReadFileTool(cfg.Workspace))

	mcpManager := mcpclient.NewManager(cfg.MCPServers)
	mcpManager.Start(ctx, registry)
	defer mcpManager.Stop()

	backend, err := llm.NewBackend(cfg, llm.BackendDeps{
		Executor: executor.NewLocal(),
		Vault:    vault.NewEnv(),
		Tools:    registry,
		Audit:    auditLog,
		UsageLog: usageLog,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	profile, err := prompt.Load(cfg.Profile)
	if err != nil {
		return err
	}

	var store session.Store
	if cfg.Session.Enabled {
		sqlStore, err := session.NewSQLiteStore(cfg.Session.DBPath)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	agent, err := brain.New(brain.Options{
		Backend: backend,
		Tools:   registry,
		Profile: profile,
		Store:   store,
		Config:  cfg,
	})
	if err != nil {
		return err
	}

	fmt.Printf("steward: room %q, backend %s. Type /quit to exit.\n", chatRoom, cfg.Backend)
	return chatLoop(ctx, agent)
}

func chatLoop(ctx context.Context, agent *brain.Brain) error {
	callbacks := llm.Callbacks{
		OnFirstText: func() { fmt.Print("… ") },
		OnText: func(text string) {
			fmt.Printf("\r%s\n", text)
		},
		OnToolStart: func(name string) {
			fmt.Printf("  [%s]\n", name)
		},
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		reply, err := agent.Process(ctx, chatRoom, brain.Incoming{
			Username:  chatUsername,
			Text:      line,
			Timestamp: time.Now(),
		}, callbacks)
		if err != nil {
			return err
		}
		if reply != "" {
			fmt.Printf("\r%s\n", reply)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "user"
}
