package ingest

import "errors"

// Sentinel errors used to classify fetch and migration outcomes. A URL
// rejected by the allow/block policy is not an error; it comes back as a
// FetchResult with Blocked set.
var (
	// ErrFetchCapReached marks a fetch intent skipped because the run's
	// budget of new (non-deduplicated) fetches is exhausted.
	ErrFetchCapReached = errors.New("new-fetch cap reached for this run")

	// ErrMigrationDrift marks a previously applied migration file whose
	// contents changed on disk. Fatal without an explicit force flag.
	ErrMigrationDrift = errors.New("migration checksum drift detected")
)
