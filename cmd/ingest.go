package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/pipeline"
)

// newIngestCmd creates the 'ingest' subcommand: fetch, parse and upsert
// scorecards end to end.
func newIngestCmd(state *appState) *cobra.Command {
	var useBrowser bool

	cmd := &cobra.Command{
		Use:   "ingest [scorecard key or URL]...",
		Short: "Fetch scorecards and upsert them into the canonical schema",
		Long: `Runs the full pipeline for the given scorecards: polite fetch with
snapshot dedup, parse into a match document, and an idempotent upsert
into the normalized schema. Re-running the same pages is safe; unchanged
bodies are skipped and changed fields are overwritten in place.`,
		Args: cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx, state)
			if err != nil {
				return err
			}
			defer s.close()
			serveMetrics(ctx, state, s.met)

			pipeline.ProbeRobots(ctx, state.cfg.Fetch.BaseURL, "/Scorecards/", firstUserAgent(state), state.logger)

			intents := pipeline.ScorecardIntents(state.cfg.Fetch.BaseURL, args, useBrowser)
			sum, err := s.pipeline.Run(ctx, intents)
			if err != nil {
				return fmt.Errorf("ingest run: %w", err)
			}
			state.logger.Info("ingest run complete",
				zap.String("run_id", sum.RunID),
				zap.Int("succeeded", sum.Succeeded),
				zap.Int("failed", sum.Failed),
				zap.Int("skipped", sum.Skipped),
				zap.Int("deduped", sum.Deduped),
				zap.Int("capped", sum.Capped),
				zap.Int("parse_warnings", sum.Warnings),
			)
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d items failed", sum.Failed, len(intents))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useBrowser, "browser", false, "render pages with the headless browser transport")
	return cmd
}
