package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethpandaops/cdcore/pkg/coordinator"
	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/ethpandaops/cdcore/pkg/manifest"
	cdredis "github.com/ethpandaops/cdcore/pkg/redis"
	"github.com/ethpandaops/cdcore/pkg/tasks"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	triggerSelect  []string
	triggerEnqueue bool
	triggerRunID   string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a selection of the pipeline graph",
	Long: `Trigger runs the selected nodes of the graph in this process and prints the run id
and the per-node manifest. The exit status is 0 when every node succeeded, 2 when
some nodes failed or were blocked, and 1 when nothing succeeded.

Selectors are node ids (extract:raw_plans, merge:raw_plans, history:raw_users) or
bare source ids, which select both nodes of the source. A leading + adds ancestors
and a trailing + adds descendants. No selector selects the whole graph.

Examples:
  # Everything
  cdcore trigger

  # The users snapshot and everything that depends on it
  cdcore trigger --select raw_users+

  # Hand the run to the engine's worker instead of running it here
  cdcore trigger --select raw_plans --enqueue`,
	RunE: runTrigger,
}

func init() {
	rootCmd.AddCommand(triggerCmd)

	triggerCmd.Flags().StringSliceVar(&triggerSelect, "select", nil, "Comma-separated node selectors")
	triggerCmd.Flags().BoolVar(&triggerEnqueue, "enqueue", false, "Enqueue the run for the engine worker and return")
	triggerCmd.Flags().StringVar(&triggerRunID, "run-id", "", "Run id to use instead of a generated one")
}

func runTrigger(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if triggerEnqueue {
		return enqueueRun(ctx, cmd.OutOrStdout(), cfg)
	}

	components, err := engine.BuildComponents(ctx, logger, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := components.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close components")
		}
	}()

	opts := []coordinator.RunOption{coordinator.WithTrigger(coordinator.TriggerCLI)}
	if triggerRunID != "" {
		opts = append(opts, coordinator.WithRunID(triggerRunID))
	}

	m, err := components.Coordinator.Run(ctx, triggerSelect, opts...)
	if m != nil {
		printManifest(cmd.OutOrStdout(), m)
	}

	if err != nil {
		return err
	}

	if code := m.Outcome.ExitCode(); code != 0 {
		return &exitError{code: code}
	}

	return nil
}

// enqueueRun validates the selection locally and hands the run to the worker queue
func enqueueRun(ctx context.Context, out io.Writer, cfg *engine.Config) error {
	_, graph, err := engine.LoadGraph(cfg)
	if err != nil {
		return err
	}

	nodes, err := graph.Select(triggerSelect)
	if err != nil {
		return err
	}

	opts, err := cfg.Redis.Options()
	if err != nil {
		return err
	}

	queue := tasks.NewQueueManager(cdredis.NewAsynqRedisOptions(opts), cfg.Redis.PrefixQueue(cfg.Worker.Queue))
	defer queue.Close()

	payload := tasks.NewRunPayload(triggerSelect, coordinator.TriggerCLI, "")
	if triggerRunID != "" {
		payload.RunID = triggerRunID
	}

	if err := queue.EnqueueRun(ctx, payload); err != nil {
		return err
	}

	fmt.Fprintf(out, "Enqueued run %s (%d nodes)\n", payload.RunID, len(nodes))

	return nil
}

func printManifest(out io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(out, "Run:      %s\n", m.RunID)
	fmt.Fprintf(out, "Trigger:  %s\n", m.Trigger)
	fmt.Fprintf(out, "Started:  %s\n", m.StartedAt.Format("2006-01-02 15:04:05 MST"))

	if m.FinishedAt != nil {
		fmt.Fprintf(out, "Duration: %s\n", m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
	}

	if len(m.Selection) > 0 {
		fmt.Fprintf(out, "Select:   %s\n", strings.Join(m.Selection, ","))
	}

	fmt.Fprintf(out, "Outcome:  %s\n\n", m.Outcome)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tATTEMPTS\tRECORDS\tCURSOR\tDETAIL")

	for _, n := range m.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			n.ID, n.Status, n.Attempts, n.Records, cursorText(n), nodeDetail(n))
	}

	_ = w.Flush()
}

func cursorText(n *manifest.NodeState) string {
	if n.Cursor.IsZero() {
		return "-"
	}

	return n.Cursor.String()
}

func nodeDetail(n *manifest.NodeState) string {
	switch {
	case n.Error != "":
		return fmt.Sprintf("[%s] %s", n.ErrorKind, n.Error)
	case len(n.BlockedBy) > 0:
		return "blocked by " + strings.Join(n.BlockedBy, ", ")
	case len(n.Stats) > 0:
		return formatStats(n.Stats)
	default:
		return ""
	}
}
