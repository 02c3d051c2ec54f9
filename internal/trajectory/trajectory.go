// Package trajectory implements the trajectory engine (C9): multi-step
// plan loading, DAG validation, activation, step lifecycle, the
// measurement gate, stuck detection, and the heal API.
//
// Grounded in the teacher's orchestrator_prd.go collaborative-PRD state
// machine as the closest analog for a persisted multi-round, multi-step
// plan (its pending→active step progression and atomic-file persistence
// pattern), generalized to the spec's YAML-defined DAG of steps with
// measurement gates instead of a fixed PRD-discussion script.
package trajectory

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/state"
)

// ValidateDAG rejects a step list with circular depends_on, per spec.md
// §4.9's "reject activation with circular depends_on."
func ValidateDAG(steps []model.TrajectoryStep) error {
	byID := make(map[string]model.TrajectoryStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("circular depends_on detected: %s", strings.Join(append(path, id), " -> "))
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s depends_on unknown step %s", id, dep)
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if err := visit(s.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Activate builds the initial TrajectoryState for a loaded trajectory: every
// step pending, then the first step whose deps are all vacuous (empty
// depends_on) becomes active.
func Activate(name string, steps []model.TrajectoryStep) (*state.TrajectoryState, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("trajectory %s must declare at least one step", name)
	}
	if err := ValidateDAG(steps); err != nil {
		return nil, err
	}

	ts := &state.TrajectoryState{
		TrajectoryName: name,
		StepStates:     make(map[string]state.StepRuntime, len(steps)),
	}
	for _, s := range steps {
		ts.StepStates[s.ID] = state.StepRuntime{Status: string(model.TrajStepPending)}
	}
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			ts.CurrentStepID = s.ID
			sr := ts.StepStates[s.ID]
			sr.Status = string(model.TrajStepActive)
			ts.StepStates[s.ID] = sr
			break
		}
	}
	if ts.CurrentStepID == "" {
		return nil, fmt.Errorf("trajectory %s has no step with vacuous depends_on", name)
	}
	return ts, nil
}

// NextEligibleStep picks the next step to activate once the current one
// completes or is skipped: the first step, in declared order, whose
// dependencies are all completed and whose own state is still pending.
func NextEligibleStep(steps []model.TrajectoryStep, ts *state.TrajectoryState) string {
	for _, s := range steps {
		sr, ok := ts.StepStates[s.ID]
		if !ok || sr.Status != string(model.TrajStepPending) {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if ts.StepStates[dep].Status != string(model.TrajStepCompleted) {
				ready = false
				break
			}
		}
		if ready {
			return s.ID
		}
	}
	return ""
}

// AdvanceOnSuccess marks the current step completed and activates the next
// eligible step, if any.
func AdvanceOnSuccess(steps []model.TrajectoryStep, ts *state.TrajectoryState) {
	sr := ts.StepStates[ts.CurrentStepID]
	sr.Status = string(model.TrajStepCompleted)
	ts.StepStates[ts.CurrentStepID] = sr

	if next := NextEligibleStep(steps, ts); next != "" {
		nsr := ts.StepStates[next]
		nsr.Status = string(model.TrajStepActive)
		ts.StepStates[next] = nsr
		ts.CurrentStepID = next
	} else {
		ts.CurrentStepID = ""
	}
}

// RecordFailure increments the current step's failure counters. Beyond
// maxRetries, either halt (returns true) or the caller invokes SkipStep to
// advance per the trajectory's configured failure policy.
func RecordFailure(ts *state.TrajectoryState, stepID, reason string, maxRetries int) (exceeded bool) {
	sr := ts.StepStates[stepID]
	sr.CyclesAttempted++
	sr.ConsecutiveFailures++
	sr.TotalFailures++
	sr.FailureReason = reason
	ts.StepStates[stepID] = sr
	return ts.IsStuck(stepID, maxRetries)
}

// MarkStepFailed transitions a step to failed (halting progression on that
// branch of the DAG until a heal action intervenes).
func MarkStepFailed(ts *state.TrajectoryState, stepID string) {
	sr := ts.StepStates[stepID]
	sr.Status = string(model.TrajStepFailed)
	ts.StepStates[stepID] = sr
}

// SkipStep marks a stuck step skipped and advances to the next eligible
// step, per spec.md §4.9's (b) policy option.
func SkipStep(steps []model.TrajectoryStep, ts *state.TrajectoryState, stepID string) {
	sr := ts.StepStates[stepID]
	sr.Status = string(model.TrajStepSkipped)
	ts.StepStates[stepID] = sr
	if ts.CurrentStepID == stepID {
		if next := NextEligibleStep(steps, ts); next != "" {
			nsr := ts.StepStates[next]
			nsr.Status = string(model.TrajStepActive)
			ts.StepStates[next] = nsr
			ts.CurrentStepID = next
		} else {
			ts.CurrentStepID = ""
		}
	}
}

// HealAction names a heal-API verb.
type HealAction string

const (
	HealDiagnose      HealAction = "diagnose"
	HealSkip          HealAction = "skip"
	HealRetry         HealAction = "retry"
	HealForceComplete HealAction = "force_complete"
)

// Heal applies one heal-API action to a stuck step.
func Heal(steps []model.TrajectoryStep, ts *state.TrajectoryState, stepID string, action HealAction) (string, error) {
	sr, ok := ts.StepStates[stepID]
	if !ok {
		return "", fmt.Errorf("unknown step %s", stepID)
	}
	switch action {
	case HealDiagnose:
		return fmt.Sprintf("step %s: status=%s cyclesAttempted=%d consecutiveFailures=%d totalFailures=%d reason=%q",
			stepID, sr.Status, sr.CyclesAttempted, sr.ConsecutiveFailures, sr.TotalFailures, sr.FailureReason), nil
	case HealSkip:
		SkipStep(steps, ts, stepID)
		return "skipped", nil
	case HealRetry:
		sr.CyclesAttempted = 0
		sr.ConsecutiveFailures = 0
		sr.Status = string(model.TrajStepActive)
		ts.StepStates[stepID] = sr
		ts.CurrentStepID = stepID
		return "reset and reactivated", nil
	case HealForceComplete:
		AdvanceOnSuccess(steps, ts)
		return "force-completed", nil
	default:
		return "", fmt.Errorf("unknown heal action %q", action)
	}
}

// MeasurementGate runs a step's configured measure command and checks the
// result meets its target/direction, per spec.md §4.9's measurement gate:
// shells out, parses the last whitespace-separated numeric token from
// stdout, and compares against Target according to Direction ("up" requires
// >= target, "down" requires <= target).
func MeasurementGate(measure *model.Measure) (met bool, value float64, err error) {
	if measure == nil {
		return true, 0, nil
	}
	out, err := exec.Command("sh", "-c", measure.Cmd).Output() // #nosec G204 -- measure command is trajectory-config authored
	if err != nil {
		return false, 0, fmt.Errorf("measure command failed: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return false, 0, fmt.Errorf("measure command produced no output")
	}
	value, err = strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return false, 0, fmt.Errorf("could not parse numeric result from %q: %w", fields[len(fields)-1], err)
	}
	switch measure.Direction {
	case "up":
		return value >= measure.Target, value, nil
	case "down":
		return value <= measure.Target, value, nil
	default:
		return false, value, fmt.Errorf("unknown measure direction %q", measure.Direction)
	}
}

// LoadFromYAML parses a trajectory file's raw YAML content via
// config.ParseTrajectory, returning the steps ready for ValidateDAG/Activate.
func LoadFromYAML(name, src string) ([]model.TrajectoryStep, string, error) {
	doc, err := config.ParseTrajectory(name, src)
	if err != nil {
		return nil, "", err
	}
	return doc.Steps, doc.Description, nil
}
