// Package resolve implements the canonicalization core: it maps a
// loosely-keyed match document onto the normalized schema with
// deterministic natural keys, get-or-create semantics, and alias
// recording instead of fuzzy auto-merging.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/olcroft/cricketdb/internal/ingest"
	"github.com/olcroft/cricketdb/internal/metrics"
)

const uniqueViolation = "23505"

// TxBeginner starts transactions; satisfied by pgxpool.Pool and pgxmock.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Stats reports the rows touched by one match upsert.
type Stats struct {
	Teams      int
	Players    int
	Innings    int
	Batting    int
	Bowling    int
	Fielding   int
	Deliveries int
}

// Resolver turns match documents into idempotent upserts. Safe for
// concurrent use; each UpsertMatch runs in its own transaction and the
// store's unique constraints are the source of truth for duplicates.
type Resolver struct {
	pool     TxBeginner
	sourceID ingest.SourceID
	logger   *zap.Logger
	met      *metrics.Metrics
}

// New constructs a Resolver.
func New(pool TxBeginner, sourceID ingest.SourceID, met *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		pool:     pool,
		sourceID: sourceID,
		logger:   logger,
		met:      met,
	}
}

// UpsertMatch ingests one match document inside a single transaction: the
// match and all of its innings and deliveries either fully commit or
// fully roll back. Identity is strictly the source match key; name+date
// matching is deliberately not used because team names are ambiguous
// across sources.
func (r *Resolver) UpsertMatch(ctx context.Context, doc ingest.MatchDocument) (int64, Stats, error) {
	if doc.SourceMatchKey == "" {
		return 0, Stats{}, fmt.Errorf("match document has no source match key")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, Stats{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	s := &session{
		tx:        tx,
		sourceID:  int(r.sourceID),
		countries: map[string]int64{},
		teams:     map[string]int64{},
		players:   map[string]int64{},
	}

	matchID, err := s.upsertMatchTree(ctx, doc)
	if err != nil {
		return 0, Stats{}, fmt.Errorf("upsert match %s: %w", doc.SourceMatchKey, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, Stats{}, fmt.Errorf("commit match %s: %w", doc.SourceMatchKey, err)
	}

	r.observe(s.stats)
	r.logger.Info("match upserted",
		zap.String("source_match_key", doc.SourceMatchKey),
		zap.Int64("match_id", matchID),
		zap.Int("innings", s.stats.Innings),
		zap.Int("players", s.stats.Players),
	)
	return matchID, s.stats, nil
}

func (r *Resolver) observe(st Stats) {
	if r.met == nil {
		return
	}
	r.met.UpsertRows.WithLabelValues("teams").Add(float64(st.Teams))
	r.met.UpsertRows.WithLabelValues("players").Add(float64(st.Players))
	r.met.UpsertRows.WithLabelValues("innings").Add(float64(st.Innings))
	r.met.UpsertRows.WithLabelValues("batting").Add(float64(st.Batting))
	r.met.UpsertRows.WithLabelValues("bowling").Add(float64(st.Bowling))
	r.met.UpsertRows.WithLabelValues("fielding").Add(float64(st.Fielding))
	r.met.UpsertRows.WithLabelValues("deliveries").Add(float64(st.Deliveries))
}

// session carries per-transaction state: the tx itself plus lookup caches
// so a delivery-heavy innings does not re-resolve the same player name
// hundreds of times.
type session struct {
	tx        pgx.Tx
	sourceID  int
	stats     Stats
	countries map[string]int64
	teams     map[string]int64
	players   map[string]int64
}

func (s *session) upsertMatchTree(ctx context.Context, doc ingest.MatchDocument) (int64, error) {
	teamIDs := make([]int64, 0, len(doc.Teams))
	for _, t := range doc.Teams {
		if t.Name == "" {
			continue
		}
		id, err := s.resolveTeam(ctx, t.Name)
		if err != nil {
			return 0, err
		}
		teamIDs = append(teamIDs, id)
	}

	venueID, err := s.resolveVenue(ctx, doc.Venue)
	if err != nil {
		return 0, err
	}

	seriesID, err := s.resolveSeries(ctx, doc.SeriesName, doc.StartDate)
	if err != nil {
		return 0, err
	}

	winnerID, err := s.resolveTeamRef(ctx, doc.Result.Winner)
	if err != nil {
		return 0, err
	}
	tossWinnerID, err := s.resolveTeamRef(ctx, doc.Toss.Winner)
	if err != nil {
		return 0, err
	}

	matchID, err := s.upsertMatch(ctx, doc, venueID, seriesID, winnerID, tossWinnerID)
	if err != nil {
		return 0, err
	}

	if err := s.linkMatchTeams(ctx, matchID, teamIDs); err != nil {
		return 0, err
	}

	if err := s.upsertOfficials(ctx, matchID, doc.Officials); err != nil {
		return 0, err
	}

	for _, inn := range doc.Innings {
		if err := s.upsertInnings(ctx, matchID, inn); err != nil {
			return 0, fmt.Errorf("innings %d: %w", inn.InningsNo, err)
		}
	}
	return matchID, nil
}

func (s *session) upsertMatch(
	ctx context.Context,
	doc ingest.MatchDocument,
	venueID, seriesID, winnerID, tossWinnerID *int64,
) (int64, error) {
	format := doc.Format
	if format == "" {
		format = "Unknown"
	}
	// Explicit column mapping: every non-key field is overwritten on
	// conflict (last write wins), nothing else.
	var id int64
	err := s.tx.QueryRow(ctx, `
INSERT INTO matches (
	source_match_key, format, start_date, end_date, venue_id, series_id,
	result_type, winner_team_id, toss_winner_team_id, toss_decision,
	day_night, follow_on, dl_method, reserve_day
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (source_match_key) DO UPDATE SET
	format = EXCLUDED.format,
	start_date = EXCLUDED.start_date,
	end_date = EXCLUDED.end_date,
	venue_id = EXCLUDED.venue_id,
	series_id = EXCLUDED.series_id,
	result_type = EXCLUDED.result_type,
	winner_team_id = EXCLUDED.winner_team_id,
	toss_winner_team_id = EXCLUDED.toss_winner_team_id,
	toss_decision = EXCLUDED.toss_decision,
	day_night = EXCLUDED.day_night,
	follow_on = EXCLUDED.follow_on,
	dl_method = EXCLUDED.dl_method,
	reserve_day = EXCLUDED.reserve_day,
	updated_at = now()
RETURNING id`,
		doc.SourceMatchKey,
		format,
		nullableDate(doc.StartDate),
		nullableDate(doc.EndDate),
		venueID,
		seriesID,
		nullableText(doc.Result.ResultType),
		winnerID,
		tossWinnerID,
		nullableText(doc.Toss.Decision),
		doc.DayNight,
		doc.FollowOn,
		doc.DLMethod,
		doc.ReserveDay,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert match row: %w", err)
	}
	return id, nil
}

func (s *session) linkMatchTeams(ctx context.Context, matchID int64, teamIDs []int64) error {
	if len(teamIDs) > 2 {
		teamIDs = teamIDs[:2]
	}
	for _, teamID := range teamIDs {
		_, err := s.tx.Exec(ctx, `
INSERT INTO match_teams (match_id, team_id, is_home)
VALUES ($1, $2, false)
ON CONFLICT (match_id, team_id) DO NOTHING`, matchID, teamID)
		if err != nil {
			return fmt.Errorf("link match team: %w", err)
		}
	}
	return nil
}

// Official roles recorded in match_officials.
const (
	roleUmpire   = "umpire"
	roleTVUmpire = "tv_umpire"
	roleReferee  = "referee"
)

// upsertOfficials links the match officials through the players table.
// Officials share the player namespace; an umpire who also played gets
// one row either way.
func (s *session) upsertOfficials(ctx context.Context, matchID int64, off ingest.Officials) error {
	for _, u := range off.Umpires {
		if err := s.linkOfficial(ctx, matchID, &u, roleUmpire); err != nil {
			return err
		}
	}
	if err := s.linkOfficial(ctx, matchID, off.ThirdUmpire, roleTVUmpire); err != nil {
		return err
	}
	return s.linkOfficial(ctx, matchID, off.MatchReferee, roleReferee)
}

func (s *session) linkOfficial(ctx context.Context, matchID int64, ref *ingest.PlayerRef, role string) error {
	playerID, err := s.resolvePlayerRef(ctx, ref)
	if err != nil || playerID == nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `
INSERT INTO match_officials (match_id, player_id, role)
VALUES ($1, $2, $3)
ON CONFLICT (match_id, player_id, role) DO NOTHING`, matchID, *playerID, role)
	if err != nil {
		return fmt.Errorf("link %s: %w", role, err)
	}
	return nil
}

func (s *session) upsertInnings(ctx context.Context, matchID int64, inn ingest.InningsDocument) error {
	battingTeamID, err := s.resolveTeam(ctx, inn.BattingTeam.Name)
	if err != nil {
		return err
	}
	bowlingTeamID, err := s.resolveTeam(ctx, inn.BowlingTeam.Name)
	if err != nil {
		return err
	}

	var inningsID int64
	err = s.tx.QueryRow(ctx, `
INSERT INTO innings (
	match_id, innings_no, batting_team_id, bowling_team_id,
	runs, wickets, overs, declared, follow_on_enforced
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (match_id, innings_no) DO UPDATE SET
	batting_team_id = EXCLUDED.batting_team_id,
	bowling_team_id = EXCLUDED.bowling_team_id,
	runs = EXCLUDED.runs,
	wickets = EXCLUDED.wickets,
	overs = EXCLUDED.overs,
	declared = EXCLUDED.declared,
	follow_on_enforced = EXCLUDED.follow_on_enforced
RETURNING id`,
		matchID, inn.InningsNo, battingTeamID, bowlingTeamID,
		inn.Runs, inn.Wickets, inn.Overs, inn.Declared, inn.FollowOnEnforced,
	).Scan(&inningsID)
	if err != nil {
		return fmt.Errorf("upsert innings row: %w", err)
	}
	s.stats.Innings++

	for _, be := range inn.Batting {
		if err := s.upsertBatting(ctx, inningsID, be); err != nil {
			return err
		}
	}
	for _, bw := range inn.Bowling {
		if err := s.upsertBowling(ctx, inningsID, bw); err != nil {
			return err
		}
	}
	for _, fe := range inn.Fielding {
		if err := s.upsertFielding(ctx, inningsID, fe); err != nil {
			return err
		}
	}
	for _, d := range inn.Deliveries {
		if err := s.upsertDelivery(ctx, matchID, inningsID, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) upsertBatting(ctx context.Context, inningsID int64, be ingest.BattingEntry) error {
	playerID, err := s.resolvePlayer(ctx, be.Player.Name)
	if err != nil {
		return err
	}
	bowlerID, err := s.resolvePlayerRef(ctx, be.Bowler)
	if err != nil {
		return err
	}
	fielderID, err := s.resolvePlayerRef(ctx, be.Fielder)
	if err != nil {
		return err
	}

	_, err = s.tx.Exec(ctx, `
INSERT INTO batting_innings (
	innings_id, player_id, position, runs, balls, minutes, fours, sixes,
	how_out, bowler_id, fielder_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (innings_id, player_id) DO UPDATE SET
	position = EXCLUDED.position,
	runs = EXCLUDED.runs,
	balls = EXCLUDED.balls,
	minutes = EXCLUDED.minutes,
	fours = EXCLUDED.fours,
	sixes = EXCLUDED.sixes,
	how_out = EXCLUDED.how_out,
	bowler_id = EXCLUDED.bowler_id,
	fielder_id = EXCLUDED.fielder_id`,
		inningsID, playerID, be.Position, be.Runs, be.Balls, be.Minutes,
		be.Fours, be.Sixes, nullableText(be.HowOut), bowlerID, fielderID,
	)
	if err != nil {
		return fmt.Errorf("upsert batting entry: %w", err)
	}
	s.stats.Batting++
	return nil
}

func (s *session) upsertBowling(ctx context.Context, inningsID int64, bw ingest.BowlingEntry) error {
	playerID, err := s.resolvePlayer(ctx, bw.Player.Name)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `
INSERT INTO bowling_innings (
	innings_id, player_id, overs, maidens, runs, wickets, wides, no_balls, econ
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (innings_id, player_id) DO UPDATE SET
	overs = EXCLUDED.overs,
	maidens = EXCLUDED.maidens,
	runs = EXCLUDED.runs,
	wickets = EXCLUDED.wickets,
	wides = EXCLUDED.wides,
	no_balls = EXCLUDED.no_balls,
	econ = EXCLUDED.econ`,
		inningsID, playerID, bw.Overs, bw.Maidens, bw.Runs, bw.Wickets,
		bw.Wides, bw.NoBalls, bw.Economy,
	)
	if err != nil {
		return fmt.Errorf("upsert bowling entry: %w", err)
	}
	s.stats.Bowling++
	return nil
}

func (s *session) upsertFielding(ctx context.Context, inningsID int64, fe ingest.FieldingEntry) error {
	playerID, err := s.resolvePlayer(ctx, fe.Player.Name)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `
INSERT INTO fielding_innings (
	innings_id, player_id, catches, stumpings, runouts
) VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (innings_id, player_id) DO UPDATE SET
	catches = EXCLUDED.catches,
	stumpings = EXCLUDED.stumpings,
	runouts = EXCLUDED.runouts`,
		inningsID, playerID, fe.Catches, fe.Stumpings, fe.Runouts,
	)
	if err != nil {
		return fmt.Errorf("upsert fielding entry: %w", err)
	}
	s.stats.Fielding++
	return nil
}

func (s *session) upsertDelivery(ctx context.Context, matchID, inningsID int64, d ingest.Delivery) error {
	strikerID, err := s.resolvePlayer(ctx, d.Striker.Name)
	if err != nil {
		return err
	}
	nonStrikerID, err := s.resolvePlayer(ctx, d.NonStriker.Name)
	if err != nil {
		return err
	}
	bowlerID, err := s.resolvePlayer(ctx, d.Bowler.Name)
	if err != nil {
		return err
	}
	dismissedID, err := s.resolvePlayerRef(ctx, d.DismissedPlayer)
	if err != nil {
		return err
	}

	_, err = s.tx.Exec(ctx, `
INSERT INTO deliveries (
	match_id, innings_id, over_no, ball_no, striker_id, non_striker_id, bowler_id,
	runs_off_bat, extras_bye, extras_legbye, extras_wide, extras_noball, extras_penalty,
	wicket_type, dismissed_player_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (innings_id, over_no, ball_no) DO UPDATE SET
	striker_id = EXCLUDED.striker_id,
	non_striker_id = EXCLUDED.non_striker_id,
	bowler_id = EXCLUDED.bowler_id,
	runs_off_bat = EXCLUDED.runs_off_bat,
	extras_bye = EXCLUDED.extras_bye,
	extras_legbye = EXCLUDED.extras_legbye,
	extras_wide = EXCLUDED.extras_wide,
	extras_noball = EXCLUDED.extras_noball,
	extras_penalty = EXCLUDED.extras_penalty,
	wicket_type = EXCLUDED.wicket_type,
	dismissed_player_id = EXCLUDED.dismissed_player_id`,
		matchID, inningsID, d.OverNo, d.BallNo, strikerID, nonStrikerID, bowlerID,
		d.RunsOffBat, d.ExtrasBye, d.ExtrasLegBye, d.ExtrasWide, d.ExtrasNoBall,
		d.ExtrasPenalty, nullableText(d.WicketType), dismissedID,
	)
	if err != nil {
		return fmt.Errorf("upsert delivery %d.%d: %w", d.OverNo, d.BallNo, err)
	}
	s.stats.Deliveries++
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableDate passes ISO date strings through to a DATE column, mapping
// empty onto NULL.
func nullableDate(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// errNoRows reports a no-row scan from either pgx or a wrapped source.
func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
