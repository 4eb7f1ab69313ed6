package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/devbot/internal/config"
	"github.com/nextlevelbuilder/devbot/internal/memory"
)

func init() {
	memoryCmd.AddCommand(memorySearchCmd, memoryListCmd, memoryAddCmd, memoryBackfillCmd, memoryExportCmd)
	rootCmd.AddCommand(memoryCmd)
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and manage the project memory store",
}

// openEngine loads config and opens the memory engine for one-shot CLI
// operations.
func openEngine() (*memory.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	var opts []memory.Option
	if cfg.Memory.EmbeddingBase != "" {
		opts = append(opts, memory.WithEmbedder(
			memory.NewHTTPEmbedder(cfg.Memory.EmbeddingBase, cfg.Memory.EmbeddingAPIKey, cfg.Memory.EmbeddingModel)))
	}
	return memory.NewEngine(cfg.Memory.Dir, cfg.Project.Path, opts...)
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Hybrid search over stored memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		results, err := engine.Search(cmd.Context(), strings.Join(args, " "), memory.SearchOptions{Limit: 10})
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.3f  [%s/%s]  %s\n", r.Score, r.Item.Type, r.MatchSource, r.Item.Content)
		}
		if len(results) == 0 {
			fmt.Println("no matches")
		}
		return nil
	},
}

var memoryListCmd = &cobra.Command{
	Use:   "list [type]",
	Short: "List memories, optionally filtered by type",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		var items []*memory.Item
		if len(args) == 1 {
			items, err = engine.ListByType(cmd.Context(), args[0], 100)
		} else {
			items, err = engine.ListAll(cmd.Context())
		}
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Printf("%s  %-11s  x%-3d  %s\n", it.CreatedAt.Format("2006-01-02"), it.Type, it.ReinforcementCount, it.Content)
		}
		return nil
	},
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <type> <content>",
	Short: "Manually record a memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := engine.AddItem(cmd.Context(), memory.AddRequest{
			Type:      args[0],
			Content:   args[1],
			Source:    memory.SourceManual,
			CreatedBy: "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", res.Action, res.Item.ID)
		return nil
	},
}

var memoryBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute embeddings for memories that are missing them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Backfill(cmd.Context())
	},
}

var memoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the per-type JSONL export files now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()
		return engine.Export(cmd.Context())
	},
}
