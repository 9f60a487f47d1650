package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/config"
	"github.com/olcroft/cricketdb/internal/id/uuid"
	"github.com/olcroft/cricketdb/internal/reconcile"
	"github.com/olcroft/cricketdb/internal/store/postgres"
)

// newReconcileCmd creates the 'reconcile' subcommand.
func newReconcileCmd(state *appState) *cobra.Command {
	var (
		reports   []string
		threshold float64
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the legacy database against the canonical schema",
		Long: `Produces CSV review reports from the read-only legacy database:
row-count profiles, duplicate player candidates, and fuzzy name-mapping
candidates for players and teams. Reports never modify either database.

Available reports: counts, dup-players, players-map, teams-map.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := state.cfg

			if cfg.Legacy.DSN == "" {
				return fmt.Errorf("legacy.dsn is required for reconciliation")
			}

			legacy, err := postgres.NewPool(ctx, config.DBConfig{DSN: cfg.Legacy.DSN})
			if err != nil {
				return fmt.Errorf("connect legacy source: %w", err)
			}
			defer legacy.Close()

			target, err := postgres.NewPool(ctx, cfg.DB)
			if err != nil {
				return err
			}
			defer target.Close()

			if threshold <= 0 {
				threshold = cfg.Reconcile.Threshold
			}
			runID := uuid.NewGenerator().NewID()
			engine := reconcile.New(legacy, target, cfg.Reconcile.ReportsDir, runID, threshold, state.logger)

			outputs, err := engine.Run(ctx, reports)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			for report, path := range outputs {
				state.logger.Info("report ready", zap.String("report", report), zap.String("path", path))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&reports, "reports",
		[]string{reconcile.ReportCounts, reconcile.ReportDupPlayers, reconcile.ReportPlayersMap, reconcile.ReportTeamsMap},
		"reports to produce")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold for mapping candidates (default from config)")
	return cmd
}
