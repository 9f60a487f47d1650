// Package reconcile compares a legacy cricket database against the
// canonical schema and produces review artifacts: row-count profiles,
// duplicate candidates, and fuzzy name-mapping candidates. It only ever
// writes CSV reports for a human to act on; it never merges rows itself.
package reconcile

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Report names accepted by Run.
const (
	ReportCounts     = "counts"
	ReportDupPlayers = "dup-players"
	ReportPlayersMap = "players-map"
	ReportTeamsMap   = "teams-map"
)

// DefaultThreshold is the minimum similarity for a mapping candidate.
const DefaultThreshold = 0.9

// Querier is the read-only database surface the engine needs; satisfied
// by pgxpool.Pool and pgxmock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Engine drives reconciliation between the legacy source and the target
// schema. Both connections are used read-only.
type Engine struct {
	legacy     Querier
	target     Querier
	reportsDir string
	threshold  float64
	logger     *zap.Logger
}

// New builds an Engine writing reports under reportsDir/runID.
func New(legacy, target Querier, reportsDir, runID string, threshold float64, logger *zap.Logger) *Engine {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		legacy:     legacy,
		target:     target,
		reportsDir: filepath.Join(reportsDir, runID),
		threshold:  threshold,
		logger:     logger,
	}
}

// Run produces the requested reports and returns report name to written
// path. Unknown report names fail fast before any work happens.
func (e *Engine) Run(ctx context.Context, reports []string) (map[string]string, error) {
	for _, r := range reports {
		switch r {
		case ReportCounts, ReportDupPlayers, ReportPlayersMap, ReportTeamsMap:
		default:
			return nil, fmt.Errorf("unknown report %q", r)
		}
	}

	outputs := make(map[string]string, len(reports))
	for _, r := range reports {
		var (
			path string
			err  error
		)
		switch r {
		case ReportCounts:
			path, err = e.countsReport(ctx)
		case ReportDupPlayers:
			path, err = e.duplicatePlayersReport(ctx)
		case ReportPlayersMap:
			path, err = e.playerMappingReport(ctx)
		case ReportTeamsMap:
			path, err = e.teamMappingReport(ctx)
		}
		if err != nil {
			return outputs, fmt.Errorf("report %s: %w", r, err)
		}
		outputs[r] = path
		e.logger.Info("report written", zap.String("report", r), zap.String("path", path))
	}
	return outputs, nil
}

// ProfileCounts returns the row count of every public table in the
// legacy database. A table that cannot be counted (permissions, broken
// view) reports -1 rather than aborting the profile.
func (e *Engine) ProfileCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := e.legacy.Query(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list legacy tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy tables: %w", err)
	}

	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var count int64
		err := e.legacy.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, pgx.Identifier{table}.Sanitize()),
		).Scan(&count)
		if err != nil {
			e.logger.Warn("table count failed", zap.String("table", table), zap.Error(err))
			counts[table] = -1
			continue
		}
		counts[table] = count
	}
	return counts, nil
}

func (e *Engine) countsReport(ctx context.Context) (string, error) {
	counts, err := e.ProfileCounts(ctx)
	if err != nil {
		return "", err
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	records := [][]string{{"table", "row_count"}}
	for _, t := range tables {
		records = append(records, []string{t, strconv.FormatInt(counts[t], 10)})
	}
	return e.writeCSV("table_counts.csv", records)
}

// DuplicatePlayer is one group of legacy players sharing a name and
// birth date.
type DuplicatePlayer struct {
	FullName string
	BornDate string
	Count    int64
}

// DuplicateCandidates lists legacy players whose (full_name, born_date)
// pair occurs more than once, most duplicated first. Grouping is by the
// exact pair, mirroring the legacy cleanup workflow: rows sharing a name
// but carrying different birth dates are treated as distinct people and
// left to the mapping reports rather than flagged here.
func (e *Engine) DuplicateCandidates(ctx context.Context) ([]DuplicatePlayer, error) {
	rows, err := e.legacy.Query(ctx, `
SELECT full_name, born_date, COUNT(*) AS c
FROM players
GROUP BY full_name, born_date
HAVING COUNT(*) > 1
ORDER BY c DESC, full_name`)
	if err != nil {
		return nil, fmt.Errorf("query duplicate players: %w", err)
	}
	defer rows.Close()

	var dups []DuplicatePlayer
	for rows.Next() {
		var (
			d    DuplicatePlayer
			born *string
		)
		if err := rows.Scan(&d.FullName, &born, &d.Count); err != nil {
			return nil, fmt.Errorf("scan duplicate player: %w", err)
		}
		if born != nil {
			d.BornDate = *born
		}
		dups = append(dups, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duplicate players: %w", err)
	}
	return dups, nil
}

func (e *Engine) duplicatePlayersReport(ctx context.Context) (string, error) {
	dups, err := e.DuplicateCandidates(ctx)
	if err != nil {
		return "", err
	}
	records := [][]string{{"full_name", "born_date", "count"}}
	for _, d := range dups {
		records = append(records, []string{d.FullName, d.BornDate, strconv.FormatInt(d.Count, 10)})
	}
	return e.writeCSV("dup_players.csv", records)
}

// MappingCandidate pairs a legacy name with its best target-schema match.
type MappingCandidate struct {
	LegacyName string
	TargetName string
	Score      float64
}

// MappingCandidates proposes, for each legacy name, the most similar
// target name when the similarity clears the threshold. Legacy names
// with no candidate above the threshold are omitted; they need a human,
// not a guess.
func (e *Engine) MappingCandidates(ctx context.Context, legacySQL, targetSQL string) ([]MappingCandidate, error) {
	legacyNames, err := fetchNames(ctx, e.legacy, legacySQL)
	if err != nil {
		return nil, fmt.Errorf("fetch legacy names: %w", err)
	}
	targetNames, err := fetchNames(ctx, e.target, targetSQL)
	if err != nil {
		return nil, fmt.Errorf("fetch target names: %w", err)
	}

	var candidates []MappingCandidate
	for _, ln := range legacyNames {
		match, score, ok := bestMatch(ln, targetNames)
		if !ok || score < e.threshold {
			continue
		}
		candidates = append(candidates, MappingCandidate{
			LegacyName: ln,
			TargetName: match,
			Score:      score,
		})
	}
	return candidates, nil
}

func (e *Engine) playerMappingReport(ctx context.Context) (string, error) {
	candidates, err := e.MappingCandidates(ctx,
		`SELECT full_name FROM players ORDER BY full_name`,
		`SELECT full_name FROM players ORDER BY full_name`,
	)
	if err != nil {
		return "", err
	}
	return e.writeCSV("player_mapping_candidates.csv", mappingRecords("old_full_name", "new_full_name", candidates))
}

func (e *Engine) teamMappingReport(ctx context.Context) (string, error) {
	candidates, err := e.MappingCandidates(ctx,
		`SELECT DISTINCT name FROM teams ORDER BY name`,
		`SELECT DISTINCT name FROM teams ORDER BY name`,
	)
	if err != nil {
		return "", err
	}
	return e.writeCSV("team_mapping_candidates.csv", mappingRecords("old_team", "new_team", candidates))
}

func mappingRecords(legacyCol, targetCol string, candidates []MappingCandidate) [][]string {
	records := [][]string{{legacyCol, targetCol, "sim_score"}}
	for _, c := range candidates {
		records = append(records, []string{
			c.LegacyName,
			c.TargetName,
			strconv.FormatFloat(c.Score, 'f', 3, 64),
		})
	}
	return records
}

func fetchNames(ctx context.Context, db Querier, sql string) ([]string, error) {
	rows, err := db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (e *Engine) writeCSV(filename string, records [][]string) (string, error) {
	if err := os.MkdirAll(e.reportsDir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(e.reportsDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.WriteAll(records); err != nil {
		return "", fmt.Errorf("write report %s: %w", filename, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush report %s: %w", filename, err)
	}
	return path, nil
}
