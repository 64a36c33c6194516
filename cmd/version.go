package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stewardhq/steward/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("steward %s\n", version.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
