package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScorecard = `<!DOCTYPE html>
<html>
<head><title>India v Australia, 3rd T20I</title></head>
<body>
<div class="venue">Wankhede Stadium, Mumbai</div>
<div class="match-info">Day/night match. Toss: India, elected to bat. D/L in effect.
Umpires: A Dar and R Tucker; TV Umpire: J Wilson; Referee: R Madugalle.</div>
<h2 class="team">India</h2>
<h2 class="team">Australia</h2>
<div class="innings">
  <h3>India innings</h3>
  <span class="score">185</span>
  <span class="overs">20.0</span>
  <table class="batting">
    <tr><td>R Sharma</td><td>c Smith b Cummins</td><td>72</td><td>44</td><td>8</td><td>3</td></tr>
    <tr><td>V Kohli</td><td>not out</td><td>55</td><td>38</td><td>5</td><td>1</td></tr>
    <tr><td>Extras</td><td>(b 1, lb 4)</td><td>5</td></tr>
  </table>
  <table class="bowling">
    <tr><td>P Cummins</td><td>4.0</td><td>0</td><td>32</td><td>2</td></tr>
    <tr><td>A Zampa</td><td>4.0</td><td>0</td><td>41</td><td>1</td></tr>
  </table>
</div>
<div class="innings">
  <h3>Australia innings</h3>
  <table class="batting">
    <tr><td>D Warner</td><td>b Bumrah</td><td>12</td><td>9</td></tr>
  </table>
</div>
</body>
</html>`

func TestParseScorecardFullDocument(t *testing.T) {
	p := New()
	doc, warnings, err := p.ParseScorecard([]byte(sampleScorecard), "https://example.com/Scorecards/12345.html")
	require.NoError(t, err)

	assert.Equal(t, "12345", doc.SourceMatchKey)
	require.Len(t, doc.Teams, 2)
	assert.Equal(t, "India", doc.Teams[0].Name)
	assert.Equal(t, "Australia", doc.Teams[1].Name)

	require.NotNil(t, doc.Venue)
	assert.Equal(t, "Wankhede Stadium, Mumbai", doc.Venue.Name)

	assert.True(t, doc.DayNight)
	assert.True(t, doc.DLMethod)
	require.NotNil(t, doc.Toss.Winner)
	assert.Equal(t, "India", doc.Toss.Winner.Name)
	assert.Equal(t, "bat", doc.Toss.Decision)

	require.Len(t, doc.Officials.Umpires, 2)
	assert.Equal(t, "A Dar", doc.Officials.Umpires[0].Name)
	assert.Equal(t, "R Tucker", doc.Officials.Umpires[1].Name)
	require.NotNil(t, doc.Officials.ThirdUmpire)
	assert.Equal(t, "J Wilson", doc.Officials.ThirdUmpire.Name)
	require.NotNil(t, doc.Officials.MatchReferee)
	assert.Equal(t, "R Madugalle", doc.Officials.MatchReferee.Name)

	require.Len(t, doc.Innings, 2)
	first := doc.Innings[0]
	assert.Equal(t, "India", first.BattingTeam.Name)
	assert.Equal(t, "Australia", first.BowlingTeam.Name)
	require.NotNil(t, first.Runs)
	assert.Equal(t, 185, *first.Runs)
	require.NotNil(t, first.Overs)
	assert.InDelta(t, 20.0, *first.Overs, 0.001)

	// Extras row is skipped, two real batters remain.
	require.Len(t, first.Batting, 2)
	assert.Equal(t, "R Sharma", first.Batting[0].Player.Name)
	assert.Equal(t, "c Smith b Cummins", first.Batting[0].HowOut)
	require.NotNil(t, first.Batting[0].Runs)
	assert.Equal(t, 72, *first.Batting[0].Runs)

	require.Len(t, first.Bowling, 2)
	assert.Equal(t, "P Cummins", first.Bowling[0].Player.Name)
	require.NotNil(t, first.Bowling[0].Wickets)
	assert.Equal(t, 2, *first.Bowling[0].Wickets)

	assert.Contains(t, doc.Aliases, "India v Australia, 3rd T20I")
	assert.Empty(t, warnings)
}

func TestParseScorecardDegradesWithWarnings(t *testing.T) {
	p := New()
	doc, warnings, err := p.ParseScorecard([]byte("<html><body><p>nothing here</p></body></html>"), "https://example.com/news")
	require.NoError(t, err)

	assert.Empty(t, doc.SourceMatchKey)
	assert.Empty(t, doc.Teams)
	assert.Nil(t, doc.Venue)
	assert.Empty(t, doc.Innings)

	assert.Contains(t, warnings, "source_key_missing: no digit run in page url")
	assert.Contains(t, warnings, "teams_missing")
	assert.Contains(t, warnings, "venue_missing")
	assert.Contains(t, warnings, "innings_missing")
}

func TestParseScorecardInningsWithoutTables(t *testing.T) {
	p := New()
	page := `<html><body>
<h2 class="team">India</h2><h2 class="team">Australia</h2>
<div class="innings"><h3>India innings</h3></div>
</body></html>`
	doc, warnings, err := p.ParseScorecard([]byte(page), "https://example.com/4567")
	require.NoError(t, err)
	require.Len(t, doc.Innings, 1)
	assert.Contains(t, warnings, "innings_1_tables_empty")
}

func TestParseMatchInfoTossPhrasings(t *testing.T) {
	p := New()
	page := `<html><body><div class="match-info">Toss: Australia, chose to bowl first.</div></body></html>`
	doc, _, err := p.ParseScorecard([]byte(page), "https://example.com/7890")
	require.NoError(t, err)
	require.NotNil(t, doc.Toss.Winner)
	assert.Equal(t, "Australia", doc.Toss.Winner.Name)
	assert.Equal(t, "bowl", doc.Toss.Decision)
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "Jose Maria", cleanText("  José   María \n"))
	assert.Equal(t, "", cleanText("   "))
	assert.Equal(t, "a b c", cleanText("a\tb\nc"))
}

func TestNumericHelpers(t *testing.T) {
	require.NotNil(t, intOrNil("42"))
	assert.Equal(t, 42, *intOrNil("42"))
	assert.Nil(t, intOrNil(""))
	assert.Nil(t, intOrNil("n/a"))

	require.NotNil(t, floatOrNil("19.3"))
	assert.InDelta(t, 19.3, *floatOrNil("19.3"), 0.001)
	assert.Nil(t, floatOrNil("dnb"))
}
