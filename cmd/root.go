// Package cmd defines the CLI commands for the cricketdb executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/config"
	"github.com/olcroft/cricketdb/internal/logging"
)

var (
	cfgFile string
	dryRun  bool
)

// appState carries the services every subcommand needs. It is built in
// PersistentPreRunE so flag parsing and config loading happen exactly
// once, before any RunE.
type appState struct {
	cfg    config.Config
	logger *zap.Logger
}

func (a *appState) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCmd() *cobra.Command {
	state := &appState{}

	cmd := &cobra.Command{
		Use:   "cricketdb",
		Short: "Polite ingestion and reconciliation tooling for the cricket database.",
		Long: `cricketdb fetches scorecard pages politely, resolves them into a
normalized match schema, manages schema migrations, and reconciles the
result against the legacy database.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if dryRun {
				cfg.Pipeline.DryRun = true
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}

			state.cfg = cfg
			state.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			state.close()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default reads CRICKETDB_* env)")
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "fetch and parse without writing to the database")

	cmd.AddCommand(newFetchCmd(state))
	cmd.AddCommand(newIngestCmd(state))
	cmd.AddCommand(newMigrateCmd(state))
	cmd.AddCommand(newReconcileCmd(state))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cricketdb: %v\n", err)
		os.Exit(1)
	}
}
