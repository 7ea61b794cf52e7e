package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	runsLimit int
	runsJSON  bool
)

//nolint:gochecknoglobals // Cobra commands are typically global
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run manifests",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE:  runRunsList,
}

//nolint:gochecknoglobals // Cobra commands are typically global
var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the per-node manifest of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
	runsShowCmd.Flags().BoolVar(&runsJSON, "json", false, "Print the manifest as JSON")
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	stores, err := engine.OpenStores(cmd.Context(), logger, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	runs, err := stores.Manifests.List(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found")

		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tTRIGGER\tSTARTED\tOUTCOME\tNODES\tFAILED")

	for _, m := range runs {
		counts := m.Counts()

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			m.RunID, m.Trigger, m.StartedAt.Format("2006-01-02 15:04:05"), m.Outcome,
			len(m.Nodes), counts[manifest.StatusFailed])
	}

	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	stores, err := engine.OpenStores(cmd.Context(), logger, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	m, err := stores.Manifests.Get(cmd.Context(), args[0])
	if errors.Is(err, manifest.ErrNotFound) {
		return fmt.Errorf("run %s not found (manifests expire after %s)", args[0], cfg.Manifest.Retention)
	}

	if err != nil {
		return err
	}

	if runsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(m)
	}

	printManifest(cmd.OutOrStdout(), m)

	return nil
}

// formatStats renders counters as sorted key=value pairs
func formatStats(stats map[string]int) string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[k]))
	}

	return strings.Join(parts, " ")
}
