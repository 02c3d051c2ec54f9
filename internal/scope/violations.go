package scope

import (
	"path/filepath"
	"strings"
)

// IsPathAllowed implements spec.md §4.3's isPathAllowed decision: deny
// globs and credential patterns always win; an empty allow-list allows
// everything else; otherwise at least one allow glob must match.
func IsPathAllowed(path string, allow, deny []string, content string) bool {
	path = Normalize(path)
	if MatchesAny(deny, path) {
		return false
	}
	if IsCredentialPath(path, content) {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	return MatchesAny(allow, path)
}

// ViolationKind classifies a changed file against a ticket's path policy.
type ViolationKind string

const (
	InForbidden  ViolationKind = "in_forbidden"
	NotInAllowed ViolationKind = "not_in_allowed"
	Clean        ViolationKind = "clean"
)

// Violation describes one changed file's classification.
type Violation struct {
	Path string
	Kind ViolationKind
}

// Classify classifies changed files against allow/forbidden globs.
// Forbidden matches and hallucinated paths take precedence over a simple
// not-in-allowed classification.
func Classify(changed []string, allow, forbidden []string) []Violation {
	var out []Violation
	for _, raw := range changed {
		path := Normalize(raw)
		switch {
		case MatchesAny(forbidden, path):
			out = append(out, Violation{Path: path, Kind: InForbidden})
		case IsHallucinated(path):
			out = append(out, Violation{Path: path, Kind: NotInAllowed})
		case len(allow) > 0 && !MatchesAny(allow, path):
			out = append(out, Violation{Path: path, Kind: NotInAllowed})
		default:
			out = append(out, Violation{Path: path, Kind: Clean})
		}
	}
	return out
}

// ExpansionDecision is the result of analyzing a set of violations for
// automatic allow-list expansion.
type ExpansionDecision struct {
	Expandable bool
	Additions  []string
	Blocked    []Violation
}

// AnalyzeForExpansion implements spec.md §4.3's scope-violation analysis:
// any forbidden or hallucinated violation hard-stops expansion; otherwise
// violating files are allowed to expand the ticket's allow-list when each
// is a sibling (same directory) of an already-allowed file, or a related
// test/type/impl file, capped at maxExpansions.
func AnalyzeForExpansion(violations []Violation, allowed []string, maxExpansions int) ExpansionDecision {
	var toExpand []Violation
	for _, v := range violations {
		if v.Kind == InForbidden {
			return ExpansionDecision{Expandable: false, Blocked: violations}
		}
	}
	for _, v := range violations {
		if v.Kind != NotInAllowed {
			continue
		}
		if isHallucinatedForExpansion(v.Path) {
			return ExpansionDecision{Expandable: false, Blocked: violations}
		}
		if isSiblingOrRelated(v.Path, allowed) {
			toExpand = append(toExpand, v)
		} else {
			return ExpansionDecision{Expandable: false, Blocked: violations}
		}
	}
	if len(toExpand) > maxExpansions {
		return ExpansionDecision{Expandable: false, Blocked: violations}
	}
	additions := make([]string, 0, len(toExpand))
	for _, v := range toExpand {
		additions = append(additions, v.Path)
	}
	return ExpansionDecision{Expandable: true, Additions: additions}
}

func isHallucinatedForExpansion(path string) bool {
	return IsHallucinated(path)
}

// isSiblingOrRelated reports whether path shares a directory with an
// allowed file, or is a related test/type/impl counterpart (same base name
// modulo a test/impl/type suffix) of an allowed file.
func isSiblingOrRelated(path string, allowed []string) bool {
	dir := filepath.Dir(path)
	base := stripVariantSuffix(filepath.Base(path))
	for _, a := range allowed {
		if filepath.Dir(a) == dir {
			return true
		}
		if stripVariantSuffix(filepath.Base(a)) == base {
			return true
		}
	}
	return false
}

var variantSuffixes = []string{
	"_test", ".test", "_spec", ".spec", ".types", "_types", ".impl", "_impl",
}

func stripVariantSuffix(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for _, suf := range variantSuffixes {
		stem = strings.TrimSuffix(stem, suf)
	}
	return stem
}
