package scheduler

import "math"

// FormulaOutcomeStats is a candidate formula's recent track record, used by
// both the UCB1 fallback (step 5) and the parallel-formula scorer (step 7).
type FormulaOutcomeStats struct {
	Name            string
	RecentSuccesses int
	RecentFailures  int
	RecentCycles    int // cycles considered "recent" for this candidate
	RanLastCycle    bool
	ProductionFiles int // scannable production file count, for the "deep" refusal rule
}

// UCB1Score computes spec.md §4.8 step 5's UCB1 formula:
// score = α/(α+β) + sqrt(2*ln(max(cycle,1))/max(recentCycles,1))
// with α = recentSuccesses+1, β = recentFailures+1.
func UCB1Score(stats FormulaOutcomeStats, cycle int) float64 {
	alpha := float64(stats.RecentSuccesses + 1)
	beta := float64(stats.RecentFailures + 1)
	exploit := alpha / (alpha + beta)

	c := float64(cycle)
	if c < 1 {
		c = 1
	}
	rc := float64(stats.RecentCycles)
	if rc < 1 {
		rc = 1
	}
	explore := math.Sqrt(2 * math.Log(c) / rc)
	return exploit + explore
}

const minProductionFilesForDeep = 25

// SelectUCB1 picks the candidate with the highest UCB1 score, refusing
// "deep" when production file count is below the threshold.
func SelectUCB1(candidates []FormulaOutcomeStats, cycle int) string {
	best := ""
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		if c.Name == "deep" && c.ProductionFiles < minProductionFilesForDeep {
			continue
		}
		score := UCB1Score(c, cycle)
		if score > bestScore {
			bestScore = score
			best = c.Name
		}
	}
	return best
}
