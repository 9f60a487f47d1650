package reconcile

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// NormalizeName lower-cases and collapses interior whitespace so that
// spacing and casing differences never affect similarity scores.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Similarity scores two names in [0, 1] from the edit distance of their
// normalized forms. 1 means identical after normalization.
func Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == nb {
		return 1
	}
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(longest)
}

// bestMatch returns the candidate with the highest similarity to name,
// or ok=false when candidates is empty.
func bestMatch(name string, candidates []string) (match string, score float64, ok bool) {
	for _, c := range candidates {
		if s := Similarity(name, c); !ok || s > score {
			match, score, ok = c, s, true
		}
	}
	return match, score, ok
}
