// Package scope implements loom's scope & safety checks (C3): path
// normalization, hallucinated-path detection, credential detection, and
// scope-violation analysis with bounded auto-expansion.
//
// No direct teacher analog exists — the teacher trusts the agent's edits
// without a scope gate — so this package is grounded directly in
// spec.md §4.3. Glob matching uses bmatcuk/doublestar/v4 instead of stdlib
// path.Match for correct `**` semantics.
package scope

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Normalize converts backslashes to '/', strips a leading "./", collapses
// repeated slashes, and drops a trailing slash.
func Normalize(path string) string {
	p := strings.ReplaceAll(path, `\`, "/")
	p = strings.TrimPrefix(p, "./")
	p = collapseSlashes(p)
	p = strings.TrimSuffix(p, "/")
	return p
}

var multiSlash = regexp.MustCompile(`/{2,}`)

func collapseSlashes(p string) string {
	return multiSlash.ReplaceAllString(p, "/")
}

// IsHallucinated reports whether the normalized path has two consecutive
// identical segments, or any "//" survives normalization (normalization
// already collapses "//" for Normalize's own output, so this check is
// applied to paths that bypass Normalize, e.g. raw agent-reported paths).
func IsHallucinated(path string) bool {
	if strings.Contains(path, "//") {
		return true
	}
	segs := strings.Split(path, "/")
	for i := 1; i < len(segs); i++ {
		if segs[i] != "" && segs[i] == segs[i-1] {
			return true
		}
	}
	return false
}

// GlobMatch reports whether path matches the doublestar glob pattern.
func GlobMatch(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// MatchesAny reports whether path matches any of patterns.
func MatchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if GlobMatch(p, path) {
			return true
		}
	}
	return false
}
