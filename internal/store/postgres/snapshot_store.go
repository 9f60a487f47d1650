package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/olcroft/cricketdb/internal/ingest"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// SnapshotStore persists raw fetched bodies with content-hash dedup.
// Rows are immutable and never deleted by the pipeline.
type SnapshotStore struct {
	pool querier
}

// NewSnapshotStore wraps a pool (or a pgxmock pool in tests).
func NewSnapshotStore(pool querier) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SnapshotStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertIfNew stores the snapshot unless its content hash is already
// captured, in which case the existing row id is returned. A concurrent
// insert of the same hash loses the unique-constraint race and falls back
// to the lookup.
func (s *SnapshotStore) InsertIfNew(ctx context.Context, snap ingest.Snapshot) (int64, bool, error) {
	if id, found, err := s.findByHash(ctx, snap.ContentHash); err != nil {
		return 0, false, err
	} else if found {
		return id, true, nil
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO raw_snapshots (source_id, url, fetched_at, http_status, body, etag, content_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		int(snap.SourceID),
		snap.URL,
		snap.FetchedAt,
		snap.HTTPStatus,
		snap.Body,
		nullable(snap.ETag),
		snap.ContentHash,
	).Scan(&id)
	if err == nil {
		return id, false, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		id, found, ferr := s.findByHash(ctx, snap.ContentHash)
		if ferr != nil {
			return 0, false, ferr
		}
		if found {
			return id, true, nil
		}
	}
	return 0, false, fmt.Errorf("insert snapshot: %w", err)
}

// LastETag returns the validator recorded for the most recent capture of
// the URL, or empty when unseen.
func (s *SnapshotStore) LastETag(ctx context.Context, url string) (string, error) {
	var etag *string
	err := s.pool.QueryRow(ctx, `
SELECT etag FROM raw_snapshots
WHERE url = $1
ORDER BY fetched_at DESC
LIMIT 1`, url).Scan(&etag)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup etag: %w", err)
	}
	if etag == nil {
		return "", nil
	}
	return *etag, nil
}

func (s *SnapshotStore) findByHash(ctx context.Context, hash string) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM raw_snapshots WHERE content_hash = $1`, hash,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup snapshot by hash: %w", err)
	}
	return id, true, nil
}

// nullable maps an empty string onto SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
