package wave

import "sort"

// MergeRisk classifies a pair of branches' predicted merge outcome.
type MergeRisk string

const (
	Safe    MergeRisk = "safe"
	Risky   MergeRisk = "risky"
	Unknown MergeRisk = "unknown"
)

// BranchChange is one branch's modified symbol ranges per file.
type BranchChange struct {
	BranchName string
	Symbols    map[string][]SymbolRange // file -> modified symbol ranges
}

// PredictMergeRisk classifies the merge of a and b given each side's
// per-file symbol ranges, per spec.md §4.4's structural merge prediction:
// safe when there's no shared file or shared files have disjoint symbol
// ranges; risky when a shared file has overlapping ranges; unknown when
// symbol data for a shared file is missing on either side.
func PredictMergeRisk(a, b BranchChange) MergeRisk {
	sharedAny := false
	for file, symsA := range a.Symbols {
		symsB, ok := b.Symbols[file]
		if !ok {
			continue
		}
		sharedAny = true
		if len(symsA) == 0 || len(symsB) == 0 {
			return Unknown
		}
		if rangesOverlap(symsA, symsB) {
			return Risky
		}
	}
	if !sharedAny {
		return Safe
	}
	return Safe
}

func rangesOverlap(a, b []SymbolRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.StartByte < rb.EndByte && rb.StartByte < ra.EndByte {
				return true
			}
		}
	}
	return false
}

// OrderForMerge sorts candidates by how many of the other candidates each
// is predicted Risky against, putting the safest (fewest risky pairings)
// first — used when ordering many branches for milestone integration.
func OrderForMerge(candidates []BranchChange) []BranchChange {
	riskCount := make([]int, len(candidates))
	for i := range candidates {
		for j := range candidates {
			if i == j {
				continue
			}
			if PredictMergeRisk(candidates[i], candidates[j]) == Risky {
				riskCount[i]++
			}
		}
	}
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return riskCount[order[i]] < riskCount[order[j]]
	})
	out := make([]BranchChange, len(candidates))
	for i, idx := range order {
		out[i] = candidates[idx]
	}
	return out
}
