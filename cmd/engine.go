package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Start the cdcore engine",
	Long: `The engine runs the cron scheduler, the run worker and the HTTP API until it
receives SIGINT or SIGTERM. Each service can be disabled in the config file.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.WithField("config", cfgFile).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := engine.NewService(ctx, logger, cfg)
	if err != nil {
		return err
	}

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()

		return err
	}

	<-ctx.Done()

	logger.Info("Received shutdown signal")

	return svc.Stop()
}
