package scheduler

import "testing"

func TestSelectFormulaExplicitActiveWins(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{ExplicitActive: "bugfix", Phase: PhaseCooldown})
	if got != "bugfix" {
		t.Fatalf("expected explicit formula to win, got %q", got)
	}
}

func TestSelectFormulaCooldownReturnsNone(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{Phase: PhaseCooldown})
	if got != "" {
		t.Fatalf("expected no formula during cooldown, got %q", got)
	}
}

func TestSelectFormulaHardGuaranteesDeep(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{
		Phase:             PhaseDeep,
		DeepLastRanCycles: 9,
		ProductionFiles:   30,
	})
	if got != "deep" {
		t.Fatalf("expected hard guarantee to select deep, got %q", got)
	}
}

func TestSelectFormulaHardGuaranteeRefusedBelowProductionThreshold(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{
		Phase:             PhaseDeep,
		DeepLastRanCycles: 9,
		ProductionFiles:   5,
		Candidates: []FormulaOutcomeStats{
			{Name: "bugfix", RecentSuccesses: 2},
		},
	})
	if got == "deep" {
		t.Fatal("expected deep to be refused below production file threshold")
	}
}

func TestSelectFormulaDocsAuditCadence(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{
		Phase:              PhaseDeep,
		Cycle:              20,
		DocsAuditInterval:  10,
		LastDocsAuditCycle: 5,
	})
	if got != "docs-audit" {
		t.Fatalf("expected docs-audit cadence to fire, got %q", got)
	}
}

func TestSelectFormulaWarmupWithoutLensReturnsNone(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{Phase: PhaseWarmup})
	if got != "" {
		t.Fatalf("expected no formula during bare warmup, got %q", got)
	}
}

func TestSelectFormulaFallsBackToUCB1(t *testing.T) {
	got := SelectFormula(FormulaSelectionInput{
		Phase: PhaseDeep,
		Cycle: 3,
		Candidates: []FormulaOutcomeStats{
			{Name: "bugfix", RecentSuccesses: 5, RecentCycles: 3},
			{Name: "refactor", RecentSuccesses: 1, RecentFailures: 4, RecentCycles: 3},
		},
	})
	if got != "bugfix" {
		t.Fatalf("expected UCB1 to favor the stronger track record, got %q", got)
	}
}

func TestGoalMeasurementGapPercent(t *testing.T) {
	g := GoalMeasurement{Direction: "up", Value: 50, Target: 100}
	if gap := g.GapPercent(); gap != 50 {
		t.Fatalf("expected 50%% gap, got %v", gap)
	}
	met := GoalMeasurement{Direction: "up", Value: 100, Target: 100}
	if gap := met.GapPercent(); gap != 0 {
		t.Fatalf("expected met goal to report zero gap, got %v", gap)
	}
}

func TestSelectGoalGapPicksLargest(t *testing.T) {
	best := SelectGoalGap([]GoalMeasurement{
		{Name: "coverage", Direction: "up", Value: 80, Target: 100},
		{Name: "latency", Direction: "down", Value: 400, Target: 100},
	})
	if best == nil || best.Name != "latency" {
		t.Fatalf("expected latency to have the larger gap, got %+v", best)
	}
}

func TestSelectParallelFormulasAvoidsHighOverlap(t *testing.T) {
	candidates := []ParallelCandidate{
		{Name: "a", Categories: []string{"refactor", "perf"}, RecentSuccessRate: 0.9},
		{Name: "b", Categories: []string{"refactor", "perf"}, RecentSuccessRate: 0.8},
		{Name: "c", Categories: []string{"docs"}, RecentSuccessRate: 0.5},
	}
	picked := SelectParallelFormulas(candidates, TasteProfile{}, 3)
	if len(picked) != 2 {
		t.Fatalf("expected overlapping candidate b to be dropped, got %+v", picked)
	}
	names := map[string]bool{}
	for _, p := range picked {
		names[p.Name] = true
	}
	if !names["a"] || !names["c"] {
		t.Fatalf("expected a and c selected, got %+v", picked)
	}
}

func TestSelectParallelFormulasCapsAtThree(t *testing.T) {
	candidates := []ParallelCandidate{
		{Name: "a", Categories: []string{"x"}},
		{Name: "b", Categories: []string{"y"}},
		{Name: "c", Categories: []string{"z"}},
		{Name: "d", Categories: []string{"w"}},
	}
	picked := SelectParallelFormulas(candidates, TasteProfile{}, 10)
	if len(picked) != 3 {
		t.Fatalf("expected cap at 3, got %d", len(picked))
	}
}

func TestResolveCategoriesExplicitAllowWins(t *testing.T) {
	sel := ResolveCategories([]string{"perf"}, []string{"refactor"}, nil, nil, false, false, nil)
	if len(sel.Allow) != 1 || sel.Allow[0] != "perf" {
		t.Fatalf("expected explicit allow to win, got %+v", sel.Allow)
	}
}

func TestResolveCategoriesTestsAppended(t *testing.T) {
	sel := ResolveCategories(nil, []string{"refactor"}, nil, nil, false, true, nil)
	found := false
	for _, c := range sel.Allow {
		if c == "test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected test category appended, got %+v", sel.Allow)
	}
}

func TestResolveCategoriesBlockStripsAllow(t *testing.T) {
	sel := ResolveCategories([]string{"perf", "docs"}, nil, nil, nil, false, false, []string{"docs"})
	for _, c := range sel.Allow {
		if c == "docs" {
			t.Fatal("expected blocked category removed from allow list")
		}
	}
}

func TestIdleTrackerStopsAfterThreshold(t *testing.T) {
	it := IdleTracker{MaxIdleCycles: 2}
	if it.Observe(3) {
		t.Fatal("non-idle cycle should not trigger stop")
	}
	if it.Observe(0) {
		t.Fatal("single idle cycle should not trigger stop yet")
	}
	if !it.Observe(0) {
		t.Fatal("expected stop after two consecutive idle cycles")
	}
}
