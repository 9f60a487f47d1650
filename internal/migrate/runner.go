// Package migrate is a checksum-verified SQL migration runner. Files are
// applied in lexical order, each in its own transaction, and recorded
// with a content checksum so edits to an already-applied file surface as
// drift instead of being silently ignored.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/ingest"
)

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	filename TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// DB is the slice of pool behavior the runner needs; satisfied by
// pgxpool.Pool and pgxmock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// File statuses reported in a Summary.
const (
	StatusApplied   = "applied"
	StatusReapplied = "reapplied"
	StatusSkipped   = "skipped"
)

// FileResult records what happened to one migration file.
type FileResult struct {
	Filename   string
	Statements int
	Status     string
}

// Summary reports what one Run did, in apply order.
type Summary struct {
	Results   []FileResult
	Applied   []string
	Reapplied []string
	Skipped   []string
}

func (s *Summary) record(name string, statements int, status string) {
	s.Results = append(s.Results, FileResult{Filename: name, Statements: statements, Status: status})
	switch status {
	case StatusApplied:
		s.Applied = append(s.Applied, name)
	case StatusReapplied:
		s.Reapplied = append(s.Reapplied, name)
	case StatusSkipped:
		s.Skipped = append(s.Skipped, name)
	}
}

// Runner applies *.sql files from a filesystem in lexical order.
type Runner struct {
	db     DB
	fsys   fs.FS
	force  bool
	logger *zap.Logger
}

// New builds a Runner. With force set, files whose checksum differs from
// the ledger are re-executed and the ledger updated instead of failing.
func New(db DB, fsys fs.FS, force bool, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{db: db, fsys: fsys, force: force, logger: logger}
}

// Run applies all pending migrations. It stops at the first failure;
// already-committed files stay applied. Checksum drift without force
// returns an error wrapping ingest.ErrMigrationDrift.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	if _, err := r.db.Exec(ctx, ledgerDDL); err != nil {
		return sum, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	files, err := r.discover()
	if err != nil {
		return sum, err
	}

	for _, name := range files {
		body, err := fs.ReadFile(r.fsys, name)
		if err != nil {
			return sum, fmt.Errorf("read migration %s: %w", name, err)
		}
		checksum := checksumOf(body)

		recorded, found, err := r.recordedChecksum(ctx, name)
		if err != nil {
			return sum, err
		}

		stmts := SplitStatements(string(body))

		switch {
		case found && recorded == checksum:
			sum.record(name, 0, StatusSkipped)
			r.logger.Debug("migration already applied", zap.String("file", name))
			continue
		case found && !r.force:
			return sum, fmt.Errorf(
				"migration %s changed after being applied (recorded %s, now %s): %w",
				name, shortSum(recorded), shortSum(checksum), ingest.ErrMigrationDrift,
			)
		case found:
			if err := r.apply(ctx, name, stmts, checksum); err != nil {
				return sum, err
			}
			sum.record(name, len(stmts), StatusReapplied)
			r.logger.Warn("migration reapplied after drift", zap.String("file", name))
		default:
			if err := r.apply(ctx, name, stmts, checksum); err != nil {
				return sum, err
			}
			sum.record(name, len(stmts), StatusApplied)
			r.logger.Info("migration applied", zap.String("file", name))
		}
	}
	return sum, nil
}

func (r *Runner) discover() ([]string, error) {
	files, err := fs.Glob(r.fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (r *Runner) recordedChecksum(ctx context.Context, name string) (string, bool, error) {
	var checksum string
	err := r.db.QueryRow(ctx,
		`SELECT checksum FROM schema_migrations WHERE filename = $1`, name,
	).Scan(&checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup migration %s: %w", name, err)
	}
	return checksum, true, nil
}

// apply runs one file inside a single transaction, ledger row included,
// so a partial failure leaves no trace of the file.
func (r *Runner) apply(ctx context.Context, name string, stmts []string, checksum string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO schema_migrations (filename, checksum, applied_at)
VALUES ($1, $2, now())
ON CONFLICT (filename) DO UPDATE SET checksum = EXCLUDED.checksum, applied_at = now()`,
		name, checksum,
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// SplitStatements breaks a migration file into executable statements.
// Files that set a custom DELIMITER (procedure or trigger bodies with
// embedded semicolons) are executed as one batch with the delimiter
// directives stripped; everything else splits on top-level semicolons.
func SplitStatements(sql string) []string {
	if hasDelimiterDirective(sql) {
		batch := stripDelimiterLines(sql)
		if strings.TrimSpace(batch) == "" {
			return nil
		}
		return []string{batch}
	}

	var stmts []string
	for _, part := range strings.Split(sql, ";") {
		if strings.TrimSpace(stripLineComments(part)) == "" {
			continue
		}
		stmts = append(stmts, strings.TrimSpace(part))
	}
	return stmts
}

func hasDelimiterDirective(sql string) bool {
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "DELIMITER") {
			return true
		}
	}
	return false
}

func stripDelimiterLines(sql string) string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "DELIMITER") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func stripLineComments(sql string) string {
	var kept []string
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func checksumOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
