// Package pipeline runs finite ingest batches: a bounded worker pool
// pulls fetch intents off a queue, fetches politely, parses, and
// upserts. Worker count bounds parallel CPU and connection use only;
// request pacing is still owned by the fetcher's shared limiter.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/ingest"
	"github.com/olcroft/cricketdb/internal/metrics"
	"github.com/olcroft/cricketdb/internal/resolve"
)

// Fetcher is the polite fetch entry point.
type Fetcher interface {
	Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResult, error)
}

// Upserter persists one parsed match document.
type Upserter interface {
	UpsertMatch(ctx context.Context, doc ingest.MatchDocument) (int64, resolve.Stats, error)
}

// IDGenerator supplies run identifiers.
type IDGenerator interface {
	NewID() string
}

// Summary aggregates the outcome of one batch run.
type Summary struct {
	RunID     string
	Succeeded int
	Failed    int
	Skipped   int
	Deduped   int
	Capped    int
	Warnings  int
}

// Config controls a Pipeline.
type Config struct {
	Concurrency int
	DryRun      bool
}

// Pipeline wires fetcher, parser and upserter into one batch executor.
type Pipeline struct {
	cfg      Config
	fetcher  Fetcher
	parser   ingest.Parser
	upserter Upserter
	ids      IDGenerator
	met      *metrics.Metrics
	logger   *zap.Logger
}

// New builds a Pipeline. Upserter may be nil for fetch-only runs.
func New(
	cfg Config,
	fetcher Fetcher,
	parser ingest.Parser,
	upserter Upserter,
	ids IDGenerator,
	met *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		fetcher:  fetcher,
		parser:   parser,
		upserter: upserter,
		ids:      ids,
		met:      met,
		logger:   logger,
	}
}

// Run processes every intent and returns the batch summary. Item
// failures are isolated: one bad page never aborts the batch. Only
// context cancellation stops the run early, and the summary still
// reflects the work done up to that point.
func (p *Pipeline) Run(ctx context.Context, intents []ingest.FetchRequest) (Summary, error) {
	sum := Summary{RunID: p.runID()}
	logger := p.logger.With(zap.String("run_id", sum.RunID))
	logger.Info("batch starting",
		zap.Int("intents", len(intents)),
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Bool("dry_run", p.cfg.DryRun),
	)

	jobs := make(chan ingest.FetchRequest)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				outcome := p.processOne(ctx, req, logger)
				mu.Lock()
				outcome.addTo(&sum)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, req := range intents {
		select {
		case jobs <- req:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	logger.Info("batch finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("deduped", sum.Deduped),
		zap.Int("capped", sum.Capped),
		zap.Int("warnings", sum.Warnings),
	)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

type itemOutcome struct {
	result   string
	warnings int
}

func (o itemOutcome) addTo(sum *Summary) {
	switch o.result {
	case resultSucceeded:
		sum.Succeeded++
	case resultFailed:
		sum.Failed++
	case resultSkipped:
		sum.Skipped++
	case resultDeduped:
		sum.Deduped++
	case resultCapped:
		sum.Capped++
	}
	sum.Warnings += o.warnings
}

const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultSkipped   = "skipped"
	resultDeduped   = "deduped"
	resultCapped    = "capped"
)

func (p *Pipeline) processOne(ctx context.Context, req ingest.FetchRequest, logger *zap.Logger) itemOutcome {
	out := p.fetchParseUpsert(ctx, req, logger)
	if p.met != nil {
		p.met.BatchItems.WithLabelValues(out.result).Inc()
		p.met.WarningsTotal.Add(float64(out.warnings))
	}
	return out
}

func (p *Pipeline) fetchParseUpsert(ctx context.Context, req ingest.FetchRequest, logger *zap.Logger) itemOutcome {
	res, err := p.fetcher.Fetch(ctx, req)
	switch {
	case errors.Is(err, ingest.ErrFetchCapReached):
		return itemOutcome{result: resultCapped}
	case err != nil:
		logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return itemOutcome{result: resultFailed}
	case res.Blocked, res.NotModified:
		return itemOutcome{result: resultSkipped}
	case res.Deduped:
		// Unchanged body means an unchanged document downstream.
		return itemOutcome{result: resultDeduped}
	}

	if p.parser == nil || p.upserter == nil || p.cfg.DryRun || req.HeadersOnly {
		return itemOutcome{result: resultSucceeded}
	}

	doc, warnings, err := p.parser.ParseScorecard(res.Body, res.URL)
	if err != nil {
		logger.Warn("parse failed", zap.String("url", req.URL), zap.Error(err))
		return itemOutcome{result: resultFailed, warnings: len(warnings)}
	}
	for _, w := range warnings {
		logger.Debug("parse warning", zap.String("url", req.URL), zap.String("warning", w))
	}

	matchID, _, err := p.upserter.UpsertMatch(ctx, doc)
	if err != nil {
		logger.Warn("upsert failed", zap.String("url", req.URL), zap.Error(err))
		return itemOutcome{result: resultFailed, warnings: len(warnings)}
	}
	logger.Debug("item ingested",
		zap.String("url", req.URL),
		zap.Int64("match_id", matchID),
	)
	return itemOutcome{result: resultSucceeded, warnings: len(warnings)}
}

func (p *Pipeline) runID() string {
	if p.ids != nil {
		return p.ids.NewID()
	}
	return "unidentified"
}

// ScorecardIntents expands scorecard URLs or keys into fetch intents.
// Bare keys are resolved against the base URL; full URLs pass through.
func ScorecardIntents(baseURL string, refs []string, useBrowser bool) []ingest.FetchRequest {
	intents := make([]ingest.FetchRequest, 0, len(refs))
	for _, ref := range refs {
		url := ref
		if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
			url = strings.TrimRight(baseURL, "/") + "/Scorecards/" + ref + ".html"
		}
		intents = append(intents, ingest.FetchRequest{URL: url, UseBrowser: useBrowser})
	}
	return intents
}
