package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var graphFormat string

//nolint:gochecknoglobals // Cobra commands are typically global
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the dependency graph of the configured sources",
	Long: `Graph prints the extract, merge and history nodes of every source grouped by
dependency level. Use --format dot for Graphviz or --format json for tooling.

Examples:
  cdcore graph
  cdcore graph --format dot | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().StringVar(&graphFormat, "format", "tree", "Output format: tree, dot or json")
}

func runGraph(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sources, graph, err := engine.LoadGraph(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	switch graphFormat {
	case "tree":
		info := graph.Info()

		fmt.Fprintf(out, "Sources: %d\nNodes: %d\nMax depth: %d\n\n", len(sources), len(info.Nodes), info.MaxLevel)
		fmt.Fprint(out, graph.Tree())
	case "dot":
		fmt.Fprintln(out, graph.DOT())
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(graph.Info())
	default:
		return fmt.Errorf("unknown format %q (want tree, dot or json)", graphFormat)
	}

	return nil
}
