package ingest

import "time"

// SourceID identifies the external data provider a document came from.
// The schema supports multi-source ingest; aliases are recorded per source.
type SourceID int

// TeamRef is a team as named by a source, before canonicalization.
type TeamRef struct {
	Name      string
	SourceKey string
}

// PlayerRef is a player as named by a source, before canonicalization.
type PlayerRef struct {
	Name      string
	SourceKey string
}

// VenueRef is a venue as named by a source.
type VenueRef struct {
	Name      string
	City      string
	Country   string
	SourceKey string
}

// BattingEntry is one batter's line in an innings scorecard.
type BattingEntry struct {
	Player   PlayerRef
	Position *int
	Runs     *int
	Balls    *int
	Minutes  *int
	Fours    *int
	Sixes    *int
	HowOut   string
	Bowler   *PlayerRef
	Fielder  *PlayerRef
}

// BowlingEntry is one bowler's line in an innings scorecard.
type BowlingEntry struct {
	Player  PlayerRef
	Overs   *float64
	Maidens *int
	Runs    *int
	Wickets *int
	Wides   *int
	NoBalls *int
	Economy *float64
}

// FieldingEntry records catches/stumpings/runouts for a fielder.
type FieldingEntry struct {
	Player    PlayerRef
	Catches   *int
	Stumpings *int
	Runouts   *int
}

// Delivery is a single ball. Over and ball numbers key it within an innings.
type Delivery struct {
	OverNo          int
	BallNo          int
	Striker         PlayerRef
	NonStriker      PlayerRef
	Bowler          PlayerRef
	RunsOffBat      int
	ExtrasBye       int
	ExtrasLegBye    int
	ExtrasWide      int
	ExtrasNoBall    int
	ExtrasPenalty   int
	WicketType      string
	DismissedPlayer *PlayerRef
}

// InningsDocument is one innings of a match document.
type InningsDocument struct {
	InningsNo        int
	BattingTeam      TeamRef
	BowlingTeam      TeamRef
	Runs             *int
	Wickets          *int
	Overs            *float64
	Declared         bool
	FollowOnEnforced bool
	Batting          []BattingEntry
	Bowling          []BowlingEntry
	Fielding         []FieldingEntry
	Deliveries       []Delivery
}

// TossInfo captures the toss winner and decision ("bat" or "bowl").
type TossInfo struct {
	Winner   *TeamRef
	Decision string
}

// ResultInfo captures the match outcome.
type ResultInfo struct {
	ResultType string
	Winner     *TeamRef
}

// Officials lists match officials when the source provides them.
type Officials struct {
	Umpires      []PlayerRef
	ThirdUmpire  *PlayerRef
	MatchReferee *PlayerRef
}

// MatchDocument is the structured output of a scorecard parse. Fields the
// parser could not extract are left zero; accompanying warnings explain
// what was dropped.
type MatchDocument struct {
	SourceMatchKey string
	Format         string
	StartDate      string // ISO date, may be empty
	EndDate        string
	Venue          *VenueRef
	SeriesName     string
	SeriesKey      string
	Teams          []TeamRef
	DayNight       bool
	FollowOn       bool
	DLMethod       bool
	ReserveDay     bool
	Toss           TossInfo
	Result         ResultInfo
	Officials      Officials
	Innings        []InningsDocument
	Aliases        []string // display names observed for later review
}

// FetchRequest captures everything needed to fetch one URL politely.
type FetchRequest struct {
	URL         string
	ETag        string
	UseBrowser  bool
	HeadersOnly bool
}

// FetchResult is the outcome of a single logical fetch.
type FetchResult struct {
	URL         string
	StatusCode  int
	Body        []byte
	ETag        string
	NotModified bool
	Blocked     bool
	SnapshotID  int64
	ContentHash string
	Deduped     bool
	Duration    time.Duration
	UsedBrowser bool
}

// Snapshot is an immutable captured response body.
type Snapshot struct {
	ID          int64
	SourceID    SourceID
	URL         string
	FetchedAt   time.Time
	HTTPStatus  int
	Body        []byte
	ETag        string
	ContentHash string
}
