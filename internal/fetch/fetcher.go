// Package fetch implements the polite, deduplicating fetcher. One
// Fetcher instance owns the politeness contract for a source: a shared
// rate limiter, jittered delays, retry with exponential backoff, URL
// allow/block filtering, conditional GET, and content-hash snapshot
// dedup.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/fetch/ratelimit"
	"github.com/olcroft/cricketdb/internal/ingest"
	"github.com/olcroft/cricketdb/internal/metrics"
)

// Config controls Fetcher behavior.
type Config struct {
	SourceID      ingest.SourceID
	MaxNewFetches int
	JitterMin     time.Duration
	JitterMax     time.Duration
	Timeout       time.Duration
	DryRun        bool
}

// Fetcher orchestrates a single logical fetch end to end.
type Fetcher struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	retry     *RetryPolicy
	filter    *URLFilter
	static    ingest.Transport
	browser   ingest.Transport
	snapshots ingest.SnapshotStore
	hasher    ingest.Hasher
	clock     ingest.Clock
	logger    *zap.Logger
	met       *metrics.Metrics

	mu         sync.Mutex
	newFetches int
}

// New constructs a Fetcher. The browser transport may be nil when
// headless fetching is disabled; requests asking for it then fall back
// to the static transport.
func New(
	cfg Config,
	limiter *ratelimit.Limiter,
	retry *RetryPolicy,
	filter *URLFilter,
	static ingest.Transport,
	browser ingest.Transport,
	snapshots ingest.SnapshotStore,
	hasher ingest.Hasher,
	clock ingest.Clock,
	met *metrics.Metrics,
	logger *zap.Logger,
) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		limiter:   limiter,
		retry:     retry,
		filter:    filter,
		static:    static,
		browser:   browser,
		snapshots: snapshots,
		hasher:    hasher,
		clock:     clock,
		met:       met,
		logger:    logger,
	}
}

// NewFetchCount reports how much of the new-fetch budget is taken:
// persisted bodies, plus a reservation per fetch still in flight.
func (f *Fetcher) NewFetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newFetches
}

// Fetch performs one polite fetch. Blocked URLs come back as a result
// with Blocked set and no error; an exhausted new-fetch budget surfaces
// ingest.ErrFetchCapReached.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResult, error) {
	if f.filter != nil && !f.filter.Allowed(req.URL) {
		f.logger.Info("url blocked by list rules", zap.String("url", req.URL))
		f.count(metrics.OutcomeBlocked)
		return ingest.FetchResult{URL: req.URL, Blocked: true}, nil
	}

	if err := f.reserveFetchSlot(); err != nil {
		f.logger.Warn("new-fetch cap reached, skipping", zap.String("url", req.URL))
		f.count(metrics.OutcomeCapped)
		return ingest.FetchResult{URL: req.URL}, err
	}
	keepSlot := false
	defer func() {
		if !keepSlot {
			f.releaseFetchSlot()
		}
	}()

	if req.ETag == "" && f.snapshots != nil {
		etag, err := f.snapshots.LastETag(ctx, req.URL)
		if err != nil {
			f.logger.Warn("etag lookup failed", zap.String("url", req.URL), zap.Error(err))
		} else {
			req.ETag = etag
		}
	}

	start := time.Now()
	resp, err := f.fetchWithRetry(ctx, req)
	if err != nil {
		f.count(metrics.OutcomeFailed)
		return ingest.FetchResult{URL: req.URL}, err
	}

	result := ingest.FetchResult{
		URL:         req.URL,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		ETag:        resp.ETag,
		NotModified: resp.NotModified,
		Duration:    time.Since(start),
		UsedBrowser: req.UseBrowser && f.browser != nil,
	}

	if resp.NotModified {
		f.logger.Debug("not modified, short-circuiting", zap.String("url", req.URL))
		f.count(metrics.OutcomeNotModified)
		return result, nil
	}
	if req.HeadersOnly || f.cfg.DryRun {
		f.count(metrics.OutcomeOK)
		return result, nil
	}

	if err := f.persist(ctx, req, resp, &result); err != nil {
		f.count(metrics.OutcomeFailed)
		return ingest.FetchResult{URL: req.URL}, err
	}
	keepSlot = !result.Deduped

	f.count(metrics.OutcomeOK)
	if f.met != nil {
		f.met.FetchDuration.Observe(result.Duration.Seconds())
	}
	return result, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, req ingest.FetchRequest) (ingest.TransportResponse, error) {
	transport := f.static
	if req.UseBrowser && f.browser != nil {
		transport = f.browser
	}

	var lastErr error
	for attempt := 0; attempt < f.retry.MaxAttempts(); attempt++ {
		if attempt > 0 {
			if f.met != nil {
				f.met.RetriesTotal.Inc()
			}
			if err := sleepCtx(ctx, f.retry.Backoff(attempt-1)); err != nil {
				return ingest.TransportResponse{}, err
			}
		}

		resp, err := f.attempt(ctx, transport, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !f.retry.ShouldRetry(err, attempt) {
			break
		}
		f.logger.Warn("transient fetch failure, backing off",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return ingest.TransportResponse{}, fmt.Errorf("fetch %s: %w", req.URL, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, transport ingest.Transport, req ingest.FetchRequest) (ingest.TransportResponse, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return ingest.TransportResponse{}, err
	}
	// A small random delay on top of the token bucket keeps the traffic
	// pattern from being perfectly periodic.
	if err := sleepCtx(ctx, f.politenessDelay()); err != nil {
		return ingest.TransportResponse{}, err
	}

	attemptCtx := ctx
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	resp, err := transport.RoundTrip(attemptCtx, req)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// Per-attempt timeout is a transient failure, not a caller cancel.
			return ingest.TransportResponse{}, markTransient(err)
		}
		return ingest.TransportResponse{}, err
	}

	switch {
	case resp.NotModified:
		return resp, nil
	case resp.StatusCode >= 500:
		return ingest.TransportResponse{}, serverError(resp.StatusCode)
	case resp.StatusCode >= 400:
		return ingest.TransportResponse{}, fmt.Errorf("rejected with status %d", resp.StatusCode)
	}
	return resp, nil
}

func (f *Fetcher) persist(ctx context.Context, req ingest.FetchRequest, resp ingest.TransportResponse, result *ingest.FetchResult) error {
	hash, err := f.hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	result.ContentHash = hash

	id, deduped, err := f.snapshots.InsertIfNew(ctx, ingest.Snapshot{
		SourceID:    f.cfg.SourceID,
		URL:         req.URL,
		FetchedAt:   f.clock.Now(),
		HTTPStatus:  resp.StatusCode,
		Body:        resp.Body,
		ETag:        resp.ETag,
		ContentHash: hash,
	})
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	result.SnapshotID = id
	result.Deduped = deduped

	if deduped && f.met != nil {
		f.met.SnapshotDedup.Inc()
	}
	return nil
}

// reserveFetchSlot claims one unit of the new-fetch budget before any
// network work happens, so concurrent workers cannot collectively
// overshoot the cap. The caller releases the slot again unless the
// fetch persisted a genuinely new body.
func (f *Fetcher) reserveFetchSlot() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg.MaxNewFetches > 0 && f.newFetches >= f.cfg.MaxNewFetches {
		return ingest.ErrFetchCapReached
	}
	f.newFetches++
	return nil
}

func (f *Fetcher) releaseFetchSlot() {
	f.mu.Lock()
	f.newFetches--
	f.mu.Unlock()
}

func (f *Fetcher) politenessDelay() time.Duration {
	if f.cfg.JitterMax <= 0 {
		return 0
	}
	span := f.cfg.JitterMax - f.cfg.JitterMin
	return f.cfg.JitterMin + randomJitter(span)
}

func (f *Fetcher) count(outcome string) {
	if f.met != nil {
		f.met.FetchTotal.WithLabelValues(outcome).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
