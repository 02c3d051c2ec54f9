package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/model"
)

// FormulaSelectionInput bundles everything step 5's precedence ladder needs.
type FormulaSelectionInput struct {
	ExplicitActive     string // non-empty when the user pinned a formula via CLI/config
	Phase              Phase
	Cycle              int
	DeepLastRanCycles  int // cycles since "deep" last ran; large if never
	ProductionFiles    int
	DocsAuditInterval  int
	BarrenCyclesInRow  int // cycles in a row with zero accepted proposals
	LastDocsAuditCycle int
	ActiveLensOverride string
	Candidates         []FormulaOutcomeStats
}

const hardGuaranteeDeepCycles = 7
const barrenCyclesForDocsBackoff = 3

// SelectFormula implements spec.md §4.8 step 5's precedence ladder,
// returning the empty string when no formula should run this cycle.
func SelectFormula(in FormulaSelectionInput) string {
	if in.ExplicitActive != "" {
		return in.ExplicitActive
	}
	if in.Phase == PhaseCooldown {
		return ""
	}
	if in.DeepLastRanCycles >= hardGuaranteeDeepCycles && in.Phase != PhaseWarmup && in.ProductionFiles >= minProductionFilesForDeep {
		return "deep"
	}

	interval := in.DocsAuditInterval
	if in.BarrenCyclesInRow >= barrenCyclesForDocsBackoff {
		if interval < 10 {
			interval = 10
		} else {
			interval = max(interval, 10)
		}
	}
	if interval > 0 && in.Cycle-in.LastDocsAuditCycle >= interval {
		return "docs-audit"
	}

	if in.ActiveLensOverride != "" {
		return in.ActiveLensOverride
	}
	if in.Phase == PhaseWarmup {
		return ""
	}
	return SelectUCB1(in.Candidates, in.Cycle)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// GoalMeasurement is one goal's measured gap for this cycle.
type GoalMeasurement struct {
	Name      string
	Direction string // up/down
	Value     float64
	Target    float64
}

// GapPercent normalizes the unmet gap to [0,100], capping at 100 when
// Target is zero, per spec.md §4.8 step 6.
func (g GoalMeasurement) GapPercent() float64 {
	if g.Target == 0 {
		if (g.Direction == "up" && g.Value >= g.Target) || (g.Direction == "down" && g.Value <= g.Target) {
			return 0
		}
		return 100
	}
	var gap float64
	switch g.Direction {
	case "up":
		gap = (g.Target - g.Value) / g.Target * 100
	case "down":
		gap = (g.Value - g.Target) / g.Target * 100
	}
	if gap < 0 {
		return 0
	}
	if gap > 100 {
		return 100
	}
	return gap
}

// SelectGoalGap picks the largest non-met gap among measured goals, for
// injecting a <goal> block into the scout prompt.
func SelectGoalGap(measurements []GoalMeasurement) *GoalMeasurement {
	var best *GoalMeasurement
	bestGap := 0.0
	for i, m := range measurements {
		gap := m.GapPercent()
		if gap > 0 && gap > bestGap {
			bestGap = gap
			best = &measurements[i]
		}
	}
	return best
}

// TasteProfile scores a formula's category fit for the parallel-formula
// selector, per spec.md §4.8 step 7.
type TasteProfile struct {
	Preferred []string
	Avoid     []string
}

// ParallelCandidate is one formula scored for possible concurrent selection.
type ParallelCandidate struct {
	Name           string
	Categories     []string
	RanLastCycle   bool
	RecentSuccessRate float64 // 0..1
	IsCurrent      bool
}

func scoreParallelCandidate(c ParallelCandidate, taste TasteProfile) float64 {
	score := 0.0
	for _, cat := range c.Categories {
		if contains(taste.Preferred, cat) {
			score += 3
		}
		if contains(taste.Avoid, cat) {
			score -= 5
		}
	}
	if c.IsCurrent {
		score -= 1
	}
	if c.RanLastCycle {
		score -= 3
	}
	score += c.RecentSuccessRate * 2
	return score
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func categoryOverlapFraction(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, c := range b {
		set[c] = struct{}{}
	}
	shared := 0
	for _, c := range a {
		if _, ok := set[c]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a))
}

// SelectParallelFormulas scores and picks up to maxFormulas (capped at 3)
// candidates with no pair exceeding 50% category overlap, per spec.md §4.8
// step 7.
func SelectParallelFormulas(candidates []ParallelCandidate, taste TasteProfile, maxFormulas int) []ParallelCandidate {
	if maxFormulas > 3 {
		maxFormulas = 3
	}
	scored := make([]ParallelCandidate, len(candidates))
	copy(scored, candidates)
	scores := make(map[string]float64, len(candidates))
	for _, c := range scored {
		scores[c.Name] = scoreParallelCandidate(c, taste)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scores[scored[i].Name] > scores[scored[j].Name] })

	var picked []ParallelCandidate
	for _, c := range scored {
		if len(picked) >= maxFormulas {
			break
		}
		overlaps := false
		for _, p := range picked {
			if categoryOverlapFraction(c.Categories, p.Categories) > 0.5 {
				overlaps = true
				break
			}
		}
		if !overlaps {
			picked = append(picked, c)
		}
	}
	return picked
}

// CategorySelection is the resolved allow/block set for scout invocation,
// per spec.md §4.8 step 8.
type CategorySelection struct {
	Allow []string
	Block []string
}

// ResolveCategories implements the --allow/--block/--tests precedence:
// --allow overrides entirely; else formula categories OR a safe/full set;
// --tests adds "test"; --block strips from allow and adds to block.
func ResolveCategories(explicitAllow []string, formulaCategories []string, safeSet, fullSet []string, useFullSet, tests bool, block []string) CategorySelection {
	var allow []string
	switch {
	case len(explicitAllow) > 0:
		allow = append(allow, explicitAllow...)
	case len(formulaCategories) > 0:
		allow = append(allow, formulaCategories...)
	case useFullSet:
		allow = append(allow, fullSet...)
	default:
		allow = append(allow, safeSet...)
	}
	if tests && !contains(allow, "test") {
		allow = append(allow, "test")
	}
	if len(block) > 0 {
		blockSet := map[string]struct{}{}
		for _, b := range block {
			blockSet[b] = struct{}{}
		}
		filtered := allow[:0]
		for _, a := range allow {
			if _, blocked := blockSet[a]; !blocked {
				filtered = append(filtered, a)
			}
		}
		allow = filtered
	}
	return CategorySelection{Allow: allow, Block: block}
}

// IdleTracker counts consecutive cycles with zero completed tickets, per
// spec.md §4.8 step 11.
type IdleTracker struct {
	ConsecutiveIdleCycles int
	MaxIdleCycles         int
}

// Observe folds one cycle's completed-ticket count into the tracker,
// returning true once MaxIdleCycles consecutive idle cycles accumulate.
func (t *IdleTracker) Observe(ticketsCompletedThisCycle int) (shouldStop bool) {
	if ticketsCompletedThisCycle == 0 {
		t.ConsecutiveIdleCycles++
	} else {
		t.ConsecutiveIdleCycles = 0
	}
	return t.MaxIdleCycles > 0 && t.ConsecutiveIdleCycles >= t.MaxIdleCycles
}

// CycleRunner invokes one full spin-scheduler cycle; concrete construction
// (wiring store/git/agent/proposal pipeline) lives in cmd/loom, kept out of
// this package to avoid an import cycle back into runner/proposal/agent.
type CycleRunner func(ctx context.Context, cycle int) error

// Run drives the cycle loop on a ticker, adapted from the teacher's
// Orchestrator.Run: select on ctx.Done() (clean shutdown) or ticker.C (run
// one cycle), logging but not aborting the whole loop on a single cycle's
// error.
func Run(ctx context.Context, interval time.Duration, onError func(cycle int, err error), runCycle CycleRunner) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			if err := runCycle(ctx, cycle); err != nil && onError != nil {
				onError(cycle, err)
			}
		}
	}
}

var _ = model.TicketReady // keep model imported for downstream cycle-runner signatures
