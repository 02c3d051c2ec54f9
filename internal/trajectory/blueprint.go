package trajectory

import (
	"math"
	"sort"

	"github.com/loomworks/loom/internal/model"
)

// unionFind is a small disjoint-set used only to group proposals by
// file-overlap — not worth a dependency; this is a ~20-line hand-rolled
// structure, per spec.md §4.9's "group by file-Jaccard overlap ≥ 0.5
// (union-find)."
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

func fileJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, f := range a {
		set[f] = struct{}{}
	}
	inter, union := 0, len(set)
	for _, f := range b {
		if _, ok := set[f]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Conflict records a same-files-different-category blueprint conflict and
// its resolution.
type Conflict struct {
	A, B       int // indices into the proposal batch
	Resolution string
}

// Group is one blueprint grouping: proposals that share ≥ 0.5 file-Jaccard
// overlap, plus whether this group is an "enabler" (its files are imported
// by other groups' files).
type Group struct {
	Indices []int
	Enabler bool
}

// Blueprint is the full pre-analysis result.
type Blueprint struct {
	Groups     []Group
	Conflicts  []Conflict
	Mergeable  [][2]int // index pairs eligible to merge into one ticket
}

// DependencyEdges maps a file to the files that import it.
type DependencyEdges map[string][]string

// Analyze implements spec.md §4.9's blueprint pre-analysis: group proposals
// by file-Jaccard overlap ≥ 0.5 via union-find; detect same-files
// different-category conflicts (resolved by keep-higher-impact when the
// score gap exceeds 1, else sequenced); identify enabler groups (files
// imported by others' files); detect mergeable pairs (same category, file
// overlap ≥ 0.7). Enabler groups sort first in the returned slice.
func Analyze(proposals []model.Proposal, edges DependencyEdges) Blueprint {
	n := len(proposals)
	uf := newUnionFind(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if fileJaccard(proposals[i].Files, proposals[j].Files) >= 0.5 {
				uf.union(i, j)
			}
		}
	}

	byRoot := map[int][]int{}
	for i := 0; i < n; i++ {
		root := uf.find(i)
		byRoot[root] = append(byRoot[root], i)
	}

	var conflicts []Conflict
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !sameFileSet(proposals[i].Files, proposals[j].Files) || proposals[i].Category == proposals[j].Category {
				continue
			}
			res := "sequence"
			diff := impactOf(proposals[i]) - impactOf(proposals[j])
			if math.Abs(diff) > 1 {
				if diff > 0 {
					res = "keep-higher-impact:A"
				} else {
					res = "keep-higher-impact:B"
				}
			}
			conflicts = append(conflicts, Conflict{A: i, B: j, Resolution: res})
		}
	}

	var mergeable [][2]int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if proposals[i].Category == proposals[j].Category && fileJaccard(proposals[i].Files, proposals[j].Files) >= 0.7 {
				mergeable = append(mergeable, [2]int{i, j})
			}
		}
	}

	groups := make([]Group, 0, len(byRoot))
	for _, idxs := range byRoot {
		sort.Ints(idxs)
		groups = append(groups, Group{Indices: idxs, Enabler: isEnablerGroup(idxs, proposals, edges)})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Enabler != groups[j].Enabler {
			return groups[i].Enabler
		}
		return groups[i].Indices[0] < groups[j].Indices[0]
	})

	return Blueprint{Groups: groups, Conflicts: conflicts, Mergeable: mergeable}
}

func sameFileSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[string]struct{}{}
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

func impactOf(p model.Proposal) float64 {
	if p.ImpactScore != nil {
		return *p.ImpactScore
	}
	return 0
}

func isEnablerGroup(indices []int, proposals []model.Proposal, edges DependencyEdges) bool {
	if edges == nil {
		return false
	}
	groupFiles := map[string]struct{}{}
	for _, i := range indices {
		for _, f := range proposals[i].Files {
			groupFiles[f] = struct{}{}
		}
	}
	for file, importers := range edges {
		if _, ok := groupFiles[file]; !ok {
			continue
		}
		for _, f := range importers {
			if _, inGroup := groupFiles[f]; !inGroup {
				return true
			}
		}
	}
	return false
}
