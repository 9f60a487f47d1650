// Package parser turns raw scorecard HTML into match documents. The
// selectors are deliberately loose: provider markup drifts, so the parser
// degrades to a partial document with warnings instead of failing.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/olcroft/cricketdb/internal/ingest"
)

var (
	sourceKeyRe  = regexp.MustCompile(`(\d{4,})`)
	tossRe       = regexp.MustCompile(`(?i)Toss:\s*([^,]+),[^.;]*?\b(bat|bowl)`)
	umpiresRe    = regexp.MustCompile(`(?i)\bUmpires:\s*([^;.]+)`)
	tvUmpireRe   = regexp.MustCompile(`(?i)\b(?:TV|Third)\s+Umpire:\s*([^;.]+)`)
	refereeRe    = regexp.MustCompile(`(?i)\b(?:Match\s+)?Referee:\s*([^;.]+)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// ScorecardParser implements ingest.Parser for generic scorecard pages.
// It is stateless and safe for concurrent use.
type ScorecardParser struct{}

// New returns a ScorecardParser.
func New() *ScorecardParser {
	return &ScorecardParser{}
}

// ParseScorecard extracts a match document from one scorecard page. The
// only hard failure is HTML that goquery cannot tokenize at all; missing
// sections produce warnings and a partial document. The match key comes
// from the first long digit run in the page URL, keeping identity
// deterministic across refetches.
func (p *ScorecardParser) ParseScorecard(body []byte, pageURL string) (ingest.MatchDocument, []string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ingest.MatchDocument{}, nil, fmt.Errorf("parse scorecard html: %w", err)
	}

	var warnings []string
	match := ingest.MatchDocument{}

	if m := sourceKeyRe.FindString(pageURL); m != "" {
		match.SourceMatchKey = m
	} else {
		warnings = append(warnings, "source_key_missing: no digit run in page url")
	}

	if title := cleanText(doc.Find("title").First().Text()); title != "" {
		match.Aliases = append(match.Aliases, title)
	}

	if venue := cleanText(doc.Find(`[class*="venue"]`).First().Text()); venue != "" {
		match.Venue = &ingest.VenueRef{Name: venue}
	} else {
		warnings = append(warnings, "venue_missing")
	}

	doc.Find(`h2[class*="team"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(match.Teams) >= 2 {
			return false
		}
		if name := cleanText(sel.Text()); name != "" {
			match.Teams = append(match.Teams, ingest.TeamRef{Name: name})
		}
		return true
	})
	if len(match.Teams) == 0 {
		warnings = append(warnings, "teams_missing")
	}

	p.parseMatchInfo(doc, &match)

	doc.Find(`div[class*="innings"]`).Each(func(idx int, block *goquery.Selection) {
		inn, ws := p.parseInnings(idx+1, block, match.Teams)
		warnings = append(warnings, ws...)
		match.Innings = append(match.Innings, inn)
	})
	if len(match.Innings) == 0 {
		warnings = append(warnings, "innings_missing")
	}

	return match, warnings, nil
}

func (p *ScorecardParser) parseMatchInfo(doc *goquery.Document, match *ingest.MatchDocument) {
	info := cleanText(doc.Find(`[class*="match-info"]`).First().Text())
	if info == "" {
		return
	}
	lower := strings.ToLower(info)
	if strings.Contains(lower, "day/night") {
		match.DayNight = true
	}
	if strings.Contains(info, "D/L") || strings.Contains(info, "DLS") {
		match.DLMethod = true
	}
	if strings.Contains(lower, "follow on") || strings.Contains(lower, "follow-on") {
		match.FollowOn = true
	}
	if strings.Contains(lower, "reserve day") {
		match.ReserveDay = true
	}
	if m := tossRe.FindStringSubmatch(info); m != nil {
		match.Toss.Winner = &ingest.TeamRef{Name: cleanText(m[1])}
		if strings.HasPrefix(strings.ToLower(m[2]), "bat") {
			match.Toss.Decision = "bat"
		} else {
			match.Toss.Decision = "bowl"
		}
	}
	if m := umpiresRe.FindStringSubmatch(info); m != nil {
		for _, name := range splitNames(m[1]) {
			match.Officials.Umpires = append(match.Officials.Umpires, ingest.PlayerRef{Name: name})
		}
	}
	if m := tvUmpireRe.FindStringSubmatch(info); m != nil {
		match.Officials.ThirdUmpire = &ingest.PlayerRef{Name: cleanText(m[1])}
	}
	if m := refereeRe.FindStringSubmatch(info); m != nil {
		match.Officials.MatchReferee = &ingest.PlayerRef{Name: cleanText(m[1])}
	}
}

// splitNames breaks an "A and B" or "A, B" list into individual names.
func splitNames(s string) []string {
	s = strings.ReplaceAll(s, " and ", ",")
	var names []string
	for _, part := range strings.Split(s, ",") {
		if name := cleanText(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (p *ScorecardParser) parseInnings(no int, block *goquery.Selection, teams []ingest.TeamRef) (ingest.InningsDocument, []string) {
	var warnings []string

	battingTeam := ingest.TeamRef{Name: "Unknown"}
	if header := cleanText(block.Find("h3").First().Text()); header != "" {
		name, _, _ := strings.Cut(header, " innings")
		battingTeam = ingest.TeamRef{Name: cleanText(name)}
	} else if len(teams) > 0 {
		battingTeam = teams[0]
	} else {
		warnings = append(warnings, fmt.Sprintf("innings_%d_header_missing", no))
	}
	bowlingTeam := ingest.TeamRef{Name: "Unknown"}
	if len(teams) > 1 {
		bowlingTeam = teams[1]
	}

	inn := ingest.InningsDocument{
		InningsNo:   no,
		BattingTeam: battingTeam,
		BowlingTeam: bowlingTeam,
		Runs:        intOrNil(cleanText(block.Find(`[class*="score"]`).First().Text())),
		Overs:       floatOrNil(cleanText(block.Find(`[class*="overs"]`).First().Text())),
	}

	block.Find(`table[class*="batting"] tr`).Each(func(_ int, tr *goquery.Selection) {
		cells := cellTexts(tr)
		if len(cells) < 2 || strings.HasPrefix(strings.ToLower(cells[0]), "extras") {
			return
		}
		entry := ingest.BattingEntry{
			Player: ingest.PlayerRef{Name: cells[0]},
			HowOut: cells[1],
		}
		if len(cells) > 2 {
			entry.Runs = intOrNil(cells[2])
		}
		if len(cells) > 3 {
			entry.Balls = intOrNil(cells[3])
		}
		if len(cells) > 4 {
			entry.Fours = intOrNil(cells[4])
		}
		if len(cells) > 5 {
			entry.Sixes = intOrNil(cells[5])
		}
		inn.Batting = append(inn.Batting, entry)
	})

	block.Find(`table[class*="bowling"] tr`).Each(func(_ int, tr *goquery.Selection) {
		cells := cellTexts(tr)
		if len(cells) < 5 {
			return
		}
		inn.Bowling = append(inn.Bowling, ingest.BowlingEntry{
			Player:  ingest.PlayerRef{Name: cells[0]},
			Overs:   floatOrNil(cells[1]),
			Maidens: intOrNil(cells[2]),
			Runs:    intOrNil(cells[3]),
			Wickets: intOrNil(cells[4]),
		})
	})

	if len(inn.Batting) == 0 && len(inn.Bowling) == 0 {
		warnings = append(warnings, fmt.Sprintf("innings_%d_tables_empty", no))
	}
	return inn, warnings
}

func cellTexts(tr *goquery.Selection) []string {
	var cells []string
	tr.Find("td").Each(func(_ int, td *goquery.Selection) {
		if text := cleanText(td.Text()); text != "" {
			cells = append(cells, text)
		}
	})
	return cells
}

var accentStripper = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
)

// cleanText folds accents to ASCII, collapses runs of whitespace, and
// trims. Name comparisons downstream rely on this exact normalization.
func cleanText(s string) string {
	if s == "" {
		return ""
	}
	if folded, _, err := transform.String(accentStripper, s); err == nil {
		s = folded
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func intOrNil(s string) *int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

func floatOrNil(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
