package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/clock/system"
	"github.com/olcroft/cricketdb/internal/config"
	"github.com/olcroft/cricketdb/internal/fetch"
	"github.com/olcroft/cricketdb/internal/fetch/ratelimit"
	"github.com/olcroft/cricketdb/internal/hash/sha256"
	"github.com/olcroft/cricketdb/internal/id/uuid"
	"github.com/olcroft/cricketdb/internal/ingest"
	"github.com/olcroft/cricketdb/internal/metrics"
	"github.com/olcroft/cricketdb/internal/parser"
	"github.com/olcroft/cricketdb/internal/pipeline"
	"github.com/olcroft/cricketdb/internal/resolve"
	"github.com/olcroft/cricketdb/internal/store/postgres"
)

// stack bundles the wired services behind one fetch/ingest run. close
// releases resources in reverse construction order.
type stack struct {
	cfg      config.Config
	logger   *zap.Logger
	met      *metrics.Metrics
	fetcher  *fetch.Fetcher
	pipeline *pipeline.Pipeline
	pool     *pgxpool.Pool
	browser  *fetch.BrowserTransport
}

// fetchOnly runs the intents through a pipeline without parser or
// upserter: bodies are captured and deduplicated, nothing is ingested.
func (s *stack) fetchOnly(ctx context.Context, intents []ingest.FetchRequest) (pipeline.Summary, error) {
	p := pipeline.New(
		pipeline.Config{
			Concurrency: s.cfg.Pipeline.Concurrency,
			DryRun:      s.cfg.Pipeline.DryRun,
		},
		s.fetcher,
		nil,
		nil,
		uuid.NewGenerator(),
		s.met,
		s.logger,
	)
	return p.Run(ctx, intents)
}

func (s *stack) close() {
	if s.browser != nil {
		s.browser.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// buildStack wires the full fetch-parse-upsert pipeline from config. In
// dry-run mode no database connection is opened: snapshots are not
// persisted and nothing is upserted.
func buildStack(ctx context.Context, state *appState) (*stack, error) {
	cfg := state.cfg
	logger := state.logger
	met := metrics.New()

	s := &stack{cfg: cfg, logger: logger, met: met}

	var (
		snapshots ingest.SnapshotStore
		upserter  pipeline.Upserter
	)
	if !cfg.Pipeline.DryRun {
		pool, err := postgres.NewPool(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		s.pool = pool

		store, err := postgres.NewSnapshotStore(pool)
		if err != nil {
			s.close()
			return nil, err
		}
		snapshots = store
		upserter = resolve.New(pool, ingest.SourceID(cfg.Fetch.SourceID), met, logger)
	}

	static := fetch.NewStaticTransport(fetch.StaticTransportConfig{
		UserAgents: cfg.Fetch.UserAgents,
		Timeout:    cfg.FetchTimeout(),
	})

	var browser ingest.Transport
	if cfg.Headless.Enabled {
		bt, err := fetch.NewBrowserTransport(fetch.BrowserTransportConfig{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgents:        cfg.Fetch.UserAgents,
			NavigationTimeout: cfg.NavTimeout(),
		})
		if err != nil {
			s.close()
			return nil, fmt.Errorf("init browser transport: %w", err)
		}
		s.browser = bt
		browser = bt
	}

	fetcher := fetch.New(
		fetch.Config{
			SourceID:      ingest.SourceID(cfg.Fetch.SourceID),
			MaxNewFetches: cfg.Fetch.MaxNewFetches,
			JitterMin:     cfg.JitterMin(),
			JitterMax:     cfg.JitterMax(),
			Timeout:       cfg.FetchTimeout(),
			DryRun:        cfg.Pipeline.DryRun,
		},
		ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RPS, Burst: cfg.Fetch.Burst}),
		fetch.NewRetryPolicy(cfg.Fetch.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax()),
		fetch.NewURLFilter(cfg.Fetch.Allowlist, cfg.Fetch.Blocklist, logger),
		static,
		browser,
		snapshots,
		sha256.New(),
		system.New(),
		met,
		logger,
	)
	s.fetcher = fetcher

	s.pipeline = pipeline.New(
		pipeline.Config{
			Concurrency: cfg.Pipeline.Concurrency,
			DryRun:      cfg.Pipeline.DryRun,
		},
		fetcher,
		parser.New(),
		upserter,
		uuid.NewGenerator(),
		met,
		logger,
	)
	return s, nil
}

// serveMetrics starts the optional /metrics endpoint for the duration of
// the command context.
func serveMetrics(ctx context.Context, state *appState, met *metrics.Metrics) {
	addr := state.cfg.Metrics.ListenAddr
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, met, state.logger); err != nil {
			state.logger.Warn("metrics endpoint failed", zap.Error(err))
		}
	}()
}
