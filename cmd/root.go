package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var debugLogs bool

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "A personal AI agent with tools, sessions, and context management",
	Long: `steward runs a personal AI agent: it streams model responses, drives
tool use through a bounded agentic loop, and keeps long conversations within
the context budget by compacting old history.

Examples:
  steward chat                     # interactive chat in the default room
  steward chat --room standup      # separate history per room
  steward usage                    # token usage for the last 7 days
  steward rooms                    # list stored conversations`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLogs {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Emit debug logs")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
