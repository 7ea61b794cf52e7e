// Package cmd contains the CLI commands for cdcore
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethpandaops/cdcore/pkg/engine"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile string
	logger  *logrus.Logger
)

// rootCmd represents the base command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "cdcore",
	Short: "Change-capture core - extract, merge and historize operational data",
	Long: `cdcore pulls changed rows from operational stores (Postgres, MongoDB), merges them
into an analytical store keyed by natural key, and keeps slowly-changing history for
sources that can only be read in full. Runs follow a dependency graph of sources.`,
}

// exitError carries a process exit status out of a command
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides the config file")

	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func initConfig() {
	if cfgFile == "" {
		cfgFile = "./config.yaml"
	}
}

// loadConfig reads the config file and applies the log level, the flag winning over the file
func loadConfig(cmd *cobra.Command) (*engine.Config, error) {
	cfg, err := engine.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging

	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, defaulting to info")

		parsed = logrus.InfoLevel
	}

	logger.SetLevel(parsed)

	return cfg, nil
}
