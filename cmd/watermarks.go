package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var watermarksCmd = &cobra.Command{
	Use:   "watermarks",
	Short: "Inspect committed watermarks",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var watermarksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the committed watermark of every incremental source",
	RunE:  runWatermarksList,
}

func init() {
	rootCmd.AddCommand(watermarksCmd)
	watermarksCmd.AddCommand(watermarksListCmd)
}

func runWatermarksList(cmd *cobra.Command, _ []string) error {
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

	states, err := stores.Watermarks.List(cmd.Context())
	if err != nil {
		return err
	}

	if len(states) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No watermarks committed (%s store)\n", cfg.Watermarks.Type)

		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tCURSOR\tRUN\tCOMMITTED")

	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			s.SourceID, s.Cursor.String(), s.RunID, s.CommittedAt.Format("2006-01-02 15:04:05"))
	}

	return w.Flush()
}
