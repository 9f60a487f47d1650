package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/migrate"
	"github.com/olcroft/cricketdb/internal/store/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd(state *appState) *cobra.Command {
	var forceReapply bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Applies the *.sql files from the configured migrations directory in
lexical order. Each file runs in its own transaction and is recorded
with a checksum; a file that changed after being applied fails the run
unless --force-reapply is given.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			pool, err := postgres.NewPool(ctx, state.cfg.DB)
			if err != nil {
				return err
			}
			defer pool.Close()

			dir := state.cfg.Migrate.Dir
			runner := migrate.New(pool, os.DirFS(dir), forceReapply, state.logger)
			sum, err := runner.Run(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			state.logger.Info("migrations complete",
				zap.String("dir", dir),
				zap.Strings("applied", sum.Applied),
				zap.Strings("reapplied", sum.Reapplied),
				zap.Int("skipped", len(sum.Skipped)),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceReapply, "force-reapply", false, "re-execute migrations whose checksum changed")
	return cmd
}
