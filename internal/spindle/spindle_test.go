package spindle

import "testing"

func TestGovernorStallingTriggersAbort(t *testing.T) {
	g := New(Thresholds{
		TokenBudgetAbort:  1_000_000,
		StallingIters:     3,
		RepetitionWindow:  8,
		RepetitionMinHits: 100,
		FileChurnMax:      1000,
		HashRingCap:       16,
		CharsPerToken:     4,
	})

	g.Observe(Checkpoint{Output: "a", Diff: "diff-1"})
	var last Diagnosis
	for i := 0; i < 3; i++ {
		last = g.Observe(Checkpoint{Output: "a", Diff: "diff-1"})
	}
	if last.Trigger != TriggerStalling || last.Severity != SeverityAbort {
		t.Fatalf("expected stalling abort, got %+v", last)
	}
}

func TestGovernorFileChurnWarns(t *testing.T) {
	g := New(Thresholds{
		TokenBudgetAbort:  1_000_000,
		StallingIters:     1000,
		RepetitionWindow:  8,
		RepetitionMinHits: 1000,
		FileChurnMax:      2,
		HashRingCap:       16,
		CharsPerToken:     4,
	})

	var last Diagnosis
	for i := 0; i < 4; i++ {
		last = g.Observe(Checkpoint{Output: "x", Diff: "d" + string(rune('a'+i)), FilesTouched: []string{"main.go"}})
	}
	if last.Trigger != TriggerFileChurn {
		t.Fatalf("expected file_churn, got %+v", last)
	}
}

func TestGovernorTokenBudgetAborts(t *testing.T) {
	g := New(Thresholds{
		TokenBudgetAbort:  10,
		StallingIters:     1000,
		RepetitionWindow:  8,
		RepetitionMinHits: 1000,
		FileChurnMax:      1000,
		HashRingCap:       16,
		CharsPerToken:     1,
	})
	d := g.Observe(Checkpoint{Output: "this output is longer than ten characters", Diff: "d"})
	if d.Trigger != TriggerTokenBudget || d.Severity != SeverityAbort {
		t.Fatalf("expected token_budget abort, got %+v", d)
	}
}

func TestGovernorCleanRunHasNoTrigger(t *testing.T) {
	g := New(DefaultThresholds())
	d := g.Observe(Checkpoint{Output: "ok", Diff: "d1", FilesTouched: []string{"a.go"}})
	if d.Severity != SeverityNone {
		t.Fatalf("expected no trigger on first clean iteration, got %+v", d)
	}
}
