package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestURLFilterBlocklistWins(t *testing.T) {
	f := NewURLFilter(
		[]string{`/Scorecards/`},
		[]string{`/Scorecards/private/`},
		zap.NewNop(),
	)

	assert.True(t, f.Allowed("https://src/Scorecards/123.html"))
	// Matches both lists; blocked takes precedence.
	assert.False(t, f.Allowed("https://src/Scorecards/private/9.html"))
}

func TestURLFilterAllowlistRequiresMatch(t *testing.T) {
	f := NewURLFilter([]string{`/Scorecards/`}, nil, zap.NewNop())
	assert.True(t, f.Allowed("https://src/Scorecards/123.html"))
	assert.False(t, f.Allowed("https://src/News/today.html"))
}

func TestURLFilterEmptyListsAllowEverything(t *testing.T) {
	f := NewURLFilter(nil, nil, zap.NewNop())
	assert.True(t, f.Allowed("https://anything.example/at/all"))
}

func TestURLFilterSkipsInvalidPatterns(t *testing.T) {
	f := NewURLFilter([]string{`[`}, []string{`(`}, zap.NewNop())
	// Both patterns invalid, so no allowlist remains and nothing blocks.
	assert.True(t, f.Allowed("https://src/Scorecards/123.html"))
}
