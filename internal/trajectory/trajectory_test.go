package trajectory

import (
	"testing"

	"github.com/loomworks/loom/internal/model"
)

func steps() []model.TrajectoryStep {
	return []model.TrajectoryStep{
		{ID: "a", Title: "first"},
		{ID: "b", Title: "second", DependsOn: []string{"a"}},
		{ID: "c", Title: "third", DependsOn: []string{"b"}},
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	cyclic := []model.TrajectoryStep{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	if err := ValidateDAG(cyclic); err == nil {
		t.Fatal("expected circular dependency to be rejected")
	}
}

func TestActivateChoosesFirstVacuousStep(t *testing.T) {
	ts, err := Activate("demo", steps())
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ts.CurrentStepID != "a" {
		t.Fatalf("expected step a active first, got %s", ts.CurrentStepID)
	}
	if ts.StepStates["a"].Status != string(model.TrajStepActive) {
		t.Fatalf("expected step a active, got %s", ts.StepStates["a"].Status)
	}
}

func TestAdvanceOnSuccessWalksChain(t *testing.T) {
	ss := steps()
	ts, _ := Activate("demo", ss)
	AdvanceOnSuccess(ss, ts)
	if ts.CurrentStepID != "b" {
		t.Fatalf("expected step b next, got %s", ts.CurrentStepID)
	}
	AdvanceOnSuccess(ss, ts)
	if ts.CurrentStepID != "c" {
		t.Fatalf("expected step c next, got %s", ts.CurrentStepID)
	}
	AdvanceOnSuccess(ss, ts)
	if ts.CurrentStepID != "" {
		t.Fatalf("expected no current step after last completes, got %s", ts.CurrentStepID)
	}
}

func TestRecordFailureExceedsMaxRetries(t *testing.T) {
	ts, _ := Activate("demo", steps())
	exceeded := false
	for i := 0; i < 3; i++ {
		exceeded = RecordFailure(ts, "a", "verification failed", 2)
	}
	if !exceeded {
		t.Fatal("expected stuck after exceeding max retries")
	}
}

func TestHealRetryResetsCounters(t *testing.T) {
	ss := steps()
	ts, _ := Activate("demo", ss)
	RecordFailure(ts, "a", "boom", 1)
	RecordFailure(ts, "a", "boom", 1)
	if _, err := Heal(ss, ts, "a", HealRetry); err != nil {
		t.Fatalf("heal: %v", err)
	}
	if ts.StepStates["a"].CyclesAttempted != 0 {
		t.Fatalf("expected reset counters, got %+v", ts.StepStates["a"])
	}
}

func TestCheckQualityFlagsMissingVerification(t *testing.T) {
	ss := []model.TrajectoryStep{
		{ID: "a", Scope: "src/", Categories: []string{"refactor"}},
		{ID: "b", Scope: "src/", Categories: []string{"refactor"}, VerificationCommands: []string{"go build ./..."}},
	}
	failures := CheckQuality(ss, AmbitionConservative, "src/", nil)
	found := false
	for _, f := range failures {
		if f.Check == "verification_required" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected verification_required failure, got %+v", failures)
	}
}
