package ingest

import (
	"context"
	"time"
)

// Transport performs one raw HTTP exchange. Implementations exist for a
// plain HTTP client and for a scripted browser; both sit behind the same
// rate-limit and retry contract enforced by the fetcher.
type Transport interface {
	RoundTrip(ctx context.Context, request FetchRequest) (TransportResponse, error)
}

// TransportResponse is the raw result a Transport hands back to the fetcher.
type TransportResponse struct {
	StatusCode  int
	Body        []byte
	ETag        string
	NotModified bool
	Duration    time.Duration
}

// SnapshotStore persists fetched bodies keyed by content hash.
type SnapshotStore interface {
	// InsertIfNew stores the snapshot unless a row with the same content
	// hash exists; it returns the surviving row id and whether the body
	// was already captured.
	InsertIfNew(ctx context.Context, snap Snapshot) (id int64, deduped bool, err error)
	// LastETag returns the most recent validator recorded for the URL,
	// or empty when the URL has never been fetched.
	LastETag(ctx context.Context, url string) (string, error)
}

// Parser converts a raw document into a structured match document. It
// degrades gracefully: fields it cannot extract are omitted and a warning
// recorded, and it only errors when the input is not a document at all.
type Parser interface {
	ParseScorecard(body []byte, pageURL string) (MatchDocument, []string, error)
}

// Hasher computes content digests for snapshot deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}
