package fetch

import (
	"regexp"

	"go.uber.org/zap"
)

// URLFilter evaluates URLs against configured allow/block regex lists.
// The blocklist always wins; when a non-empty allowlist is present, a URL
// must match at least one allow pattern to pass.
type URLFilter struct {
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

// NewURLFilter compiles the pattern lists. Invalid patterns are logged
// and skipped rather than failing the whole filter, matching how the
// lists are operator-edited environment values.
func NewURLFilter(allowPatterns, blockPatterns []string, logger *zap.Logger) *URLFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLFilter{
		allow: compilePatterns(allowPatterns, "allowlist", logger),
		block: compilePatterns(blockPatterns, "blocklist", logger),
	}
}

// Allowed reports whether the URL passes the policy.
func (f *URLFilter) Allowed(url string) bool {
	for _, pat := range f.block {
		if pat.MatchString(url) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, pat := range f.allow {
		if pat.MatchString(url) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string, kind string, logger *zap.Logger) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		if raw == "" {
			continue
		}
		pat, err := regexp.Compile(raw)
		if err != nil {
			logger.Warn("invalid url pattern skipped",
				zap.String("list", kind),
				zap.String("pattern", raw),
				zap.Error(err),
			)
			continue
		}
		compiled = append(compiled, pat)
	}
	return compiled
}
