package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/pipeline"
)

// newFetchCmd creates the 'fetch' subcommand: capture raw scorecard
// snapshots without parsing or upserting.
func newFetchCmd(state *appState) *cobra.Command {
	var (
		useBrowser  bool
		headersOnly bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [scorecard key or URL]...",
		Short: "Politely fetch scorecard pages into the raw snapshot store",
		Long: `Fetches the given scorecard pages (bare numeric keys are resolved
against the configured base URL) through the shared rate limiter, with
conditional GET and content-hash deduplication. Bodies land in the raw
snapshot store untouched; parsing happens in a later ingest run.`,
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
			for i := range intents {
				intents[i].HeadersOnly = headersOnly
			}

			sum, err := s.fetchOnly(ctx, intents)
			if err != nil {
				return fmt.Errorf("fetch run: %w", err)
			}
			state.logger.Info("fetch run complete",
				zap.String("run_id", sum.RunID),
				zap.Int("succeeded", sum.Succeeded),
				zap.Int("deduped", sum.Deduped),
				zap.Int("skipped", sum.Skipped),
				zap.Int("failed", sum.Failed),
				zap.Int("capped", sum.Capped),
				zap.Int("new_bodies", s.fetcher.NewFetchCount()),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useBrowser, "browser", false, "render pages with the headless browser transport")
	cmd.Flags().BoolVar(&headersOnly, "headers-only", false, "probe with HEAD requests, persisting nothing")
	return cmd
}

func firstUserAgent(state *appState) string {
	if len(state.cfg.Fetch.UserAgents) > 0 {
		return state.cfg.Fetch.UserAgents[0]
	}
	return ""
}
