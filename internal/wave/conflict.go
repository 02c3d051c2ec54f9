// Package wave implements loom's wave scheduler (C4): it partitions
// accepted proposals into conflict-free parallel waves and predicts merge
// risk when ordering candidates for milestone integration.
//
// Adapted from the teacher's kanban/conflict.go glob-based file-conflict
// detection and greedy bin-packing wave partition — the teacher's shape is
// already the spec's algorithm; this generalizes it to the full conflict
// predicate list and sensitivity levels, and swaps simple prefix matching
// for bmatcuk/doublestar/v4 glob-base matching.
package wave

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Sensitivity controls how aggressively two proposals are judged to conflict.
type Sensitivity string

const (
	Strict  Sensitivity = "strict"
	Normal  Sensitivity = "normal"
	Relaxed Sensitivity = "relaxed"
)

// Candidate is a proposal (or ticket) input to the wave scheduler.
type Candidate struct {
	ID            string
	Files         []string
	TargetSymbols []string
	Category      string
}

var conflictProneFilenames = map[string]bool{
	"index.ts": true, "package.json": true, "tsconfig.json": true,
	"__init__.py": true, "Cargo.toml": true, "go.mod": true,
}

var sharedCommonDirs = []string{"/shared/", "/common/", "/utils/", "/helpers/", "/lib/", "/types/", "/interfaces/", "/constants/", "/config/"}

// DependencyEdges maps a module path to the set of module paths it imports,
// used by the import-chain conflict predicate (C11 supplies this; nil is a
// valid "no edge data available").
type DependencyEdges map[string]map[string]bool

// Conflict reports whether A and B conflict under the given sensitivity.
func Conflict(a, b Candidate, sensitivity Sensitivity, edges DependencyEdges) bool {
	symbolEscape := len(a.TargetSymbols) > 0 && len(b.TargetSymbols) > 0 && disjoint(a.TargetSymbols, b.TargetSymbols)

	if pathOverlap(a.Files, b.Files) {
		if !symbolEscape {
			return true
		}
	}

	if sensitivity == Normal || sensitivity == Strict {
		if sameDirectorySibling(a.Files, b.Files) {
			if conflictProneSibling(a.Files, b.Files) || a.Category == b.Category {
				if !symbolEscape {
					return true
				}
			}
		}
	}

	threshold := 0.3
	if sensitivity == Strict {
		threshold = 0.2
	}
	if sensitivity == Normal || sensitivity == Strict {
		if directoryJaccard(a.Files, b.Files) >= threshold {
			return true
		}
	}

	if (sensitivity == Normal || sensitivity == Strict) && edges != nil {
		if importChainConflict(a.Files, b.Files, edges) {
			return true
		}
	}

	if sensitivity == Strict {
		if sameMonorepoPackage(a.Files, b.Files) {
			return true
		}
		if sharedCommonDir(a.Files, b.Files) {
			return true
		}
	}

	return false
}

func disjoint(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return false
		}
	}
	return true
}

func pathOverlap(a, b []string) bool {
	for _, fa := range a {
		for _, fb := range b {
			if fa == fb || isDirPrefix(fa, fb) || isDirPrefix(fb, fa) || globBasePrefixOverlap(fa, fb) {
				return true
			}
		}
	}
	return false
}

func isDirPrefix(dir, path string) bool {
	dir = strings.TrimSuffix(dir, "/") + "/"
	return strings.HasPrefix(path, dir)
}

// globBasePrefixOverlap treats each path's glob "base" (the portion before
// any wildcard) as a directory prefix check against the other, using
// doublestar's base-extraction semantics on any glob-looking file entries.
func globBasePrefixOverlap(a, b string) bool {
	if !strings.ContainsAny(a, "*?[") && !strings.ContainsAny(b, "*?[") {
		return false
	}
	baseA, _ := doublestar.SplitPattern(a)
	baseB, _ := doublestar.SplitPattern(b)
	return strings.HasPrefix(baseA, baseB) || strings.HasPrefix(baseB, baseA)
}

func sameDirectorySibling(a, b []string) bool {
	for _, fa := range a {
		for _, fb := range b {
			if fa != fb && filepath.Dir(fa) == filepath.Dir(fb) {
				return true
			}
		}
	}
	return false
}

func conflictProneSibling(a, b []string) bool {
	for _, fa := range a {
		if conflictProneFilenames[filepath.Base(fa)] {
			return true
		}
	}
	for _, fb := range b {
		if conflictProneFilenames[filepath.Base(fb)] {
			return true
		}
	}
	return false
}

func directoryJaccard(a, b []string) float64 {
	da := dirSet(a)
	db := dirSet(b)
	if len(da) == 0 && len(db) == 0 {
		return 0
	}
	inter := 0
	for d := range da {
		if db[d] {
			inter++
		}
	}
	union := len(da) + len(db) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func dirSet(files []string) map[string]bool {
	s := make(map[string]bool, len(files))
	for _, f := range files {
		s[filepath.Dir(f)] = true
	}
	return s
}

func importChainConflict(a, b []string, edges DependencyEdges) bool {
	for _, fa := range a {
		for _, fb := range b {
			if edges[fa] != nil && edges[fa][fb] {
				return true
			}
			if edges[fb] != nil && edges[fb][fa] {
				return true
			}
		}
	}
	return false
}

var monorepoRoots = []string{"packages", "apps", "libs", "modules"}

func sameMonorepoPackage(a, b []string) bool {
	pa := monorepoPackages(a)
	for _, fb := range b {
		for _, pkg := range monorepoPackages([]string{fb}) {
			if pa[pkg] {
				return true
			}
		}
	}
	return false
}

func monorepoPackages(files []string) map[string]bool {
	out := map[string]bool{}
	for _, f := range files {
		segs := strings.Split(f, "/")
		for i, s := range segs {
			for _, root := range monorepoRoots {
				if s == root && i+1 < len(segs) {
					out[root+"/"+segs[i+1]] = true
				}
			}
		}
	}
	return out
}

func sharedCommonDir(a, b []string) bool {
	return reachesCommon(a) && reachesCommon(b)
}

func reachesCommon(files []string) bool {
	for _, f := range files {
		p := "/" + strings.TrimPrefix(f, "/")
		for _, c := range sharedCommonDirs {
			if strings.Contains(p, c) {
				return true
			}
		}
	}
	return false
}
