// Package proposal implements loom's proposal pipeline (C2): schema
// validation, scope/category gating, dedup, ranking, balancing, and ticket
// materialization.
//
// New package — grounded in the teacher's ticket-materialization shape in
// orchestrator.go (accept proposals, create tickets in one transaction) for
// the overall flow, extended to the full 11-stage filter spec.md §4.2
// describes. Bigram Jaccard similarity is hand-rolled (stdlib only): the
// spec pins the exact algorithm down precisely, so no text-similarity
// library would do anything but add an API to wrap the same formula.
package proposal

import (
	"strings"

	"github.com/loomworks/loom/internal/scope"
)

// bigrams returns the set of adjacent-character bigrams of a lowercased,
// whitespace-collapsed title.
func bigrams(title string) map[string]struct{} {
	norm := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	set := make(map[string]struct{})
	runes := []rune(norm)
	for i := 0; i+1 < len(runes); i++ {
		set[string(runes[i:i+2])] = struct{}{}
	}
	return set
}

// TitleSimilarity returns the bigram Jaccard similarity of two titles.
func TitleSimilarity(a, b string) float64 {
	sa, sb := bigrams(a), bigrams(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for k := range sa {
		if _, ok := sb[k]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

const dedupThreshold = 0.7

// IsDuplicateTitle reports whether a and b are duplicate by the spec's
// bigram-similarity threshold.
func IsDuplicateTitle(a, b string) bool {
	return TitleSimilarity(a, b) >= dedupThreshold
}

// FileSetOverlapsFully reports whether two file sets bidirectionally cover
// each other — every entry in a glob-matches some entry in b and vice
// versa — and both have at least minFiles entries, per spec.md §4.2 stage
// 8's "glob-aware path overlap" full-file-set-overlap rule.
func FileSetOverlapsFully(a, b []string, minFiles int) bool {
	if len(a) < minFiles || len(b) < minFiles {
		return false
	}
	return everyFileMatchesSome(a, b) && everyFileMatchesSome(b, a)
}

// everyFileMatchesSome reports whether every entry of from has a
// glob-matching counterpart in to, in either direction (either may be the
// glob pattern).
func everyFileMatchesSome(from, to []string) bool {
	for _, f := range from {
		if !anyFileMatches(f, to) {
			return false
		}
	}
	return true
}

func anyFileMatches(f string, to []string) bool {
	nf := scope.Normalize(f)
	for _, g := range to {
		ng := scope.Normalize(g)
		if nf == ng || scope.GlobMatch(ng, nf) || scope.GlobMatch(nf, ng) {
			return true
		}
	}
	return false
}
