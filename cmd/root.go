// Package cmd holds the devbot CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devbot",
	Short: "AI DevOps engineer living in your team chat",
	Long: `devbot listens in a team chat, answers questions about one target
repository, and turns change requests into tasks executed in isolated git
worktrees, delivered as pull or merge requests.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
