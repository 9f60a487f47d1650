package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/olcroft/cricketdb/internal/ingest"
)

// getOrCreate resolves a natural key to a row id, inserting when absent.
// The insert uses ON CONFLICT DO NOTHING so a concurrent creator does not
// abort the transaction; a conflicted insert returns no row and the
// lookup is retried.
func (s *session) getOrCreate(ctx context.Context, selectSQL, insertSQL string, selectArgs, insertArgs []any) (int64, error) {
	var id int64
	err := s.tx.QueryRow(ctx, selectSQL, selectArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errNoRows(err) {
		return 0, err
	}

	err = s.tx.QueryRow(ctx, insertSQL, insertArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if errNoRows(err) || isUniqueViolation(err) {
		if err := s.tx.QueryRow(ctx, selectSQL, selectArgs...).Scan(&id); err != nil {
			return 0, fmt.Errorf("re-lookup after insert conflict: %w", err)
		}
		return id, nil
	}
	return 0, err
}

func (s *session) resolveCountry(ctx context.Context, name string) (*int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if id, ok := s.countries[name]; ok {
		return &id, nil
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM countries WHERE name = $1`,
		`INSERT INTO countries (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING id`,
		[]any{name}, []any{name},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve country %q: %w", name, err)
	}
	s.countries[name] = id
	return &id, nil
}

// resolveTeam maps a source team name onto a canonical row. The observed
// name is always recorded as an alias, including when it equals the
// canonical name, so the reconciliation reports see the full name space.
func (s *session) resolveTeam(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("team name is empty")
	}
	if id, ok := s.teams[name]; ok {
		return id, nil
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM teams WHERE name = $1`,
		`INSERT INTO teams (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING id`,
		[]any{name}, []any{name},
	)
	if err != nil {
		return 0, fmt.Errorf("resolve team %q: %w", name, err)
	}
	if err := s.recordAlias(ctx, "team_alias", "team_id", id, name); err != nil {
		return 0, err
	}
	s.teams[name] = id
	s.stats.Teams++
	return id, nil
}

func (s *session) resolveTeamRef(ctx context.Context, ref *ingest.TeamRef) (*int64, error) {
	if ref == nil || strings.TrimSpace(ref.Name) == "" {
		return nil, nil
	}
	id, err := s.resolveTeam(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *session) resolvePlayer(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("player name is empty")
	}
	if id, ok := s.players[name]; ok {
		return id, nil
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM players WHERE full_name = $1`,
		`INSERT INTO players (full_name) VALUES ($1) ON CONFLICT (full_name) DO NOTHING RETURNING id`,
		[]any{name}, []any{name},
	)
	if err != nil {
		return 0, fmt.Errorf("resolve player %q: %w", name, err)
	}
	if err := s.recordAlias(ctx, "player_alias", "player_id", id, name); err != nil {
		return 0, err
	}
	s.players[name] = id
	s.stats.Players++
	return id, nil
}

func (s *session) resolvePlayerRef(ctx context.Context, ref *ingest.PlayerRef) (*int64, error) {
	if ref == nil || strings.TrimSpace(ref.Name) == "" {
		return nil, nil
	}
	id, err := s.resolvePlayer(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *session) resolveVenue(ctx context.Context, v *ingest.VenueRef) (*int64, error) {
	if v == nil || strings.TrimSpace(v.Name) == "" {
		return nil, nil
	}
	name := strings.TrimSpace(v.Name)
	countryID, err := s.resolveCountry(ctx, v.Country)
	if err != nil {
		return nil, err
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM venues WHERE name = $1 AND city IS NOT DISTINCT FROM $2`,
		`INSERT INTO venues (name, city, country_id) VALUES ($1, $2, $3)
ON CONFLICT (name, city) DO NOTHING RETURNING id`,
		[]any{name, nullableText(v.City)},
		[]any{name, nullableText(v.City), countryID},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve venue %q: %w", name, err)
	}
	return &id, nil
}

// resolveSeries maps the series name onto a series row tied to a season
// derived from the match start year. A match with no series name gets no
// series link.
func (s *session) resolveSeries(ctx context.Context, name, startDate string) (*int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	seasonID, err := s.resolveSeason(ctx, startDate)
	if err != nil {
		return nil, err
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM series WHERE name = $1 AND season_id IS NOT DISTINCT FROM $2`,
		`INSERT INTO series (name, season_id) VALUES ($1, $2)
ON CONFLICT (name, season_id) DO NOTHING RETURNING id`,
		[]any{name, seasonID},
		[]any{name, seasonID},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve series %q: %w", name, err)
	}
	return &id, nil
}

func (s *session) resolveSeason(ctx context.Context, startDate string) (*int64, error) {
	year := seasonName(startDate)
	if year == "" {
		return nil, nil
	}
	id, err := s.getOrCreate(ctx,
		`SELECT id FROM seasons WHERE name = $1`,
		`INSERT INTO seasons (name) VALUES ($1) ON CONFLICT (name) DO NOTHING RETURNING id`,
		[]any{year}, []any{year},
	)
	if err != nil {
		return nil, fmt.Errorf("resolve season %q: %w", year, err)
	}
	return &id, nil
}

// seasonName derives the season label from an ISO start date: the year.
func seasonName(startDate string) string {
	if len(startDate) < 4 {
		return ""
	}
	year := startDate[:4]
	for _, r := range year {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return year
}

func (s *session) recordAlias(ctx context.Context, table, fkCol string, id int64, alias string) error {
	_, err := s.tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (%s, alias, source_id)
VALUES ($1, $2, $3)
ON CONFLICT (%s, alias, source_id) DO NOTHING`, table, fkCol, fkCol), id, alias, s.sourceID)
	if err != nil {
		return fmt.Errorf("record alias %q in %s: %w", alias, table, err)
	}
	return nil
}
