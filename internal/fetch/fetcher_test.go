package fetch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/fetch/ratelimit"
	"github.com/olcroft/cricketdb/internal/hash/sha256"
	"github.com/olcroft/cricketdb/internal/ingest"
)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

// scriptedTransport replays a fixed sequence of responses or errors and
// records every request it saw.
type scriptedTransport struct {
	mu       sync.Mutex
	steps    []func() (ingest.TransportResponse, error)
	requests []ingest.FetchRequest
}

func (t *scriptedTransport) RoundTrip(_ context.Context, req ingest.FetchRequest) (ingest.TransportResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	if len(t.steps) == 0 {
		return ingest.TransportResponse{StatusCode: http.StatusOK}, nil
	}
	step := t.steps[0]
	if len(t.steps) > 1 {
		t.steps = t.steps[1:]
	}
	return step()
}

func respondWith(resp ingest.TransportResponse) func() (ingest.TransportResponse, error) {
	return func() (ingest.TransportResponse, error) { return resp, nil }
}

func failWith(err error) func() (ingest.TransportResponse, error) {
	return func() (ingest.TransportResponse, error) { return ingest.TransportResponse{}, err }
}

// memorySnapshots is an in-memory SnapshotStore keyed by content hash.
type memorySnapshots struct {
	mu     sync.Mutex
	byHash map[string]int64
	etags  map[string]string
	nextID int64
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{byHash: map[string]int64{}, etags: map[string]string{}, nextID: 1}
}

func (s *memorySnapshots) InsertIfNew(_ context.Context, snap ingest.Snapshot) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[snap.ContentHash]; ok {
		return id, true, nil
	}
	id := s.nextID
	s.nextID++
	s.byHash[snap.ContentHash] = id
	s.etags[snap.URL] = snap.ETag
	return id, false, nil
}

func (s *memorySnapshots) LastETag(_ context.Context, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etags[url], nil
}

func (s *memorySnapshots) seed(hash, url, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[hash] = s.nextID
	s.nextID++
	s.etags[url] = etag
}

func newTestFetcher(t *testing.T, cfg Config, transport ingest.Transport, snaps ingest.SnapshotStore) *Fetcher {
	t.Helper()
	return New(
		cfg,
		ratelimit.New(ratelimit.Config{RPS: 0}),
		NewRetryPolicy(3, time.Millisecond, 4*time.Millisecond),
		nil,
		transport,
		nil,
		snaps,
		sha256.New(),
		fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		nil,
		zap.NewNop(),
	)
}

func TestFetchPersistsNewBody(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: []byte("<html>a</html>"), ETag: `"v1"`}),
	}}
	snaps := newMemorySnapshots()
	f := newTestFetcher(t, Config{SourceID: 1}, transport, snaps)

	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.False(t, res.Deduped)
	assert.NotEmpty(t, res.ContentHash)
	assert.NotZero(t, res.SnapshotID)
	assert.Equal(t, 1, f.NewFetchCount())
}

func TestFetchDedupesUnchangedBody(t *testing.T) {
	body := []byte("<html>same</html>")
	hash, err := sha256.New().Hash(body)
	require.NoError(t, err)

	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: body}),
	}}
	snaps := newMemorySnapshots()
	snaps.seed(hash, "https://src/other.html", "")

	f := newTestFetcher(t, Config{SourceID: 1}, transport, snaps)
	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)

	assert.True(t, res.Deduped)
	assert.Equal(t, 0, f.NewFetchCount(), "deduped bodies do not consume the cap")
}

func TestFetchCapStopsNewBodies(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: []byte("one")}),
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: []byte("two")}),
	}}
	f := newTestFetcher(t, Config{SourceID: 1, MaxNewFetches: 1}, transport, newMemorySnapshots())

	_, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/2.html"})
	require.ErrorIs(t, err, ingest.ErrFetchCapReached)
	assert.Len(t, transport.requests, 1, "capped fetch never reaches the transport")
}

// blockingTransport parks inside RoundTrip until released, keeping a
// fetch in flight while other fetches contend for the budget.
type blockingTransport struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (t *blockingTransport) RoundTrip(ctx context.Context, _ ingest.FetchRequest) (ingest.TransportResponse, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	select {
	case <-t.release:
	case <-ctx.Done():
		return ingest.TransportResponse{}, ctx.Err()
	}
	return ingest.TransportResponse{StatusCode: 200, Body: []byte("slow")}, nil
}

func (t *blockingTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// The budget is reserved before the network round trip, so concurrent
// workers cannot collectively overshoot MaxNewFetches while a fetch is
// still in flight.
func TestFetchCapHoldsUnderConcurrency(t *testing.T) {
	transport := &blockingTransport{release: make(chan struct{})}
	f := newTestFetcher(t, Config{SourceID: 1, MaxNewFetches: 1}, transport, newMemorySnapshots())

	errs := make(chan error, 2)
	for _, url := range []string{"https://src/1.html", "https://src/2.html"} {
		go func(u string) {
			_, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: u})
			errs <- err
		}(url)
	}

	// One fetch holds the only slot and is parked in the transport; the
	// other must be refused before reaching the network.
	require.ErrorIs(t, <-errs, ingest.ErrFetchCapReached)
	close(transport.release)
	require.NoError(t, <-errs)

	assert.Equal(t, 1, f.NewFetchCount())
	assert.Equal(t, 1, transport.Calls())
}

func TestFetchBlockedURLReturnsResultNotError(t *testing.T) {
	transport := &scriptedTransport{}
	f := New(
		Config{SourceID: 1},
		ratelimit.New(ratelimit.Config{RPS: 0}),
		NewRetryPolicy(1, time.Millisecond, time.Millisecond),
		NewURLFilter(nil, []string{`/members/`}, zap.NewNop()),
		transport,
		nil,
		newMemorySnapshots(),
		sha256.New(),
		fakeClock{},
		nil,
		zap.NewNop(),
	)

	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/members/secret.html"})
	require.NoError(t, err)
	assert.True(t, res.Blocked)
	assert.Empty(t, transport.requests)
}

func TestFetchConditionalGetShortCircuits(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: http.StatusNotModified, NotModified: true, ETag: `"v1"`}),
	}}
	snaps := newMemorySnapshots()
	snaps.seed("somehash", "https://src/1.html", `"v1"`)

	f := newTestFetcher(t, Config{SourceID: 1}, transport, snaps)
	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)

	assert.True(t, res.NotModified)
	assert.Zero(t, res.SnapshotID, "304 persists nothing")
	require.Len(t, transport.requests, 1)
	assert.Equal(t, `"v1"`, transport.requests[0].ETag, "stored validator is sent")
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		failWith(markTransient(errors.New("connection reset"))),
		respondWith(ingest.TransportResponse{StatusCode: 502}),
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: []byte("ok")}),
	}}
	f := newTestFetcher(t, Config{SourceID: 1}, transport, newMemorySnapshots())

	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Len(t, transport.requests, 3, "transient error and 5xx both retry")
}

func TestFetchClientErrorDoesNotRetry(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: 404}),
	}}
	f := newTestFetcher(t, Config{SourceID: 1}, transport, newMemorySnapshots())

	_, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/gone.html"})
	require.Error(t, err)
	assert.Len(t, transport.requests, 1, "4xx is permanent")
}

func TestFetchDryRunSkipsPersist(t *testing.T) {
	transport := &scriptedTransport{steps: []func() (ingest.TransportResponse, error){
		respondWith(ingest.TransportResponse{StatusCode: 200, Body: []byte("x")}),
	}}
	f := New(
		Config{SourceID: 1, DryRun: true},
		ratelimit.New(ratelimit.Config{RPS: 0}),
		NewRetryPolicy(1, time.Millisecond, time.Millisecond),
		nil,
		transport,
		nil,
		nil,
		sha256.New(),
		fakeClock{},
		nil,
		zap.NewNop(),
	)

	res, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: "https://src/1.html"})
	require.NoError(t, err)
	assert.Zero(t, res.SnapshotID)
	assert.Equal(t, 0, f.NewFetchCount())
}
