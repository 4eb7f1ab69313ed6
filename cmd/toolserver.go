package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devbot/internal/toolchan"
	"github.com/nextlevelbuilder/devbot/internal/tools"
)

var (
	toolserverWorkspace string
	toolserverSkills    string
)

func init() {
	toolserverCmd.Flags().StringVar(&toolserverWorkspace, "workspace", "", "workspace root for file tools (default: cwd)")
	toolserverCmd.Flags().StringVar(&toolserverSkills, "skills", "", "skills directory")
	rootCmd.AddCommand(toolserverCmd)
}

var toolserverCmd = &cobra.Command{
	Use:   "toolserver",
	Short: "Expose the built-in tools as an MCP stdio server",
	Long: `toolserver speaks MCP over stdin/stdout so a devbot instance (or any
MCP client) can call the built-in file, search, shell, and git tools in a
separate process, for example inside a container.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		workspace := toolserverWorkspace
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			workspace = wd
		}
		registry := tools.NewRegistry()
		tools.RegisterBuiltins(registry, workspace, toolserverSkills, true)
		return toolchan.ServeRegistry(registry, Version)
	},
}
