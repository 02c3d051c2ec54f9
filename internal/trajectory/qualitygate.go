package trajectory

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/model"
)

// Ambition is a trajectory's declared scale, governing its expected step
// count range per spec.md §4.9's quality gate.
type Ambition string

const (
	AmbitionConservative Ambition = "conservative"
	AmbitionModerate     Ambition = "moderate"
	AmbitionAmbitious    Ambition = "ambitious"
)

// StepRange returns [min,max] step counts for an ambition level, with slack
// +2 applied to both bounds per spec.md §4.9.
func StepRange(a Ambition, slack int) (min, max int) {
	switch a {
	case AmbitionConservative:
		min, max = 2, 3
	case AmbitionModerate:
		min, max = 3, 5
	case AmbitionAmbitious:
		min, max = 5, 8
	default:
		min, max = 2, 3
	}
	return min - slack, max + slack
}

// QualityCheckFailure is one failed quality-gate check.
type QualityCheckFailure struct {
	Check  string
	Detail string
}

// CheckQuality runs all five checks from spec.md §4.9 and returns every
// failure found (not just the first), so a single critique block can list
// them all. enablerCategories names the categories Analyze found to be
// enabler groups, for check 2.
func CheckQuality(steps []model.TrajectoryStep, ambition Ambition, commonParent string, enablerCategories []string) []QualityCheckFailure {
	var failures []QualityCheckFailure

	// 1. step-1 scope no broader than proposals' common parent, for
	// conservative/moderate ambitions only.
	if (ambition == AmbitionConservative || ambition == AmbitionModerate) && len(steps) > 0 {
		if commonParent != "" && !strings.HasPrefix(steps[0].Scope, commonParent) {
			failures = append(failures, QualityCheckFailure{
				Check:  "step1_scope",
				Detail: fmt.Sprintf("step 1 scope %q is broader than the proposals' common parent %q", steps[0].Scope, commonParent),
			})
		}
	}

	// 2. enabler categories appear in earlier steps.
	if len(enablerCategories) > 0 && len(steps) > 1 {
		earlySeen := map[string]bool{}
		for _, c := range steps[0].Categories {
			earlySeen[c] = true
		}
		for _, ec := range enablerCategories {
			if !earlySeen[ec] {
				failures = append(failures, QualityCheckFailure{
					Check:  "enabler_order",
					Detail: fmt.Sprintf("enabler category %q does not appear in an early step", ec),
				})
			}
		}
	}

	// 3. each step has at most 3 categories.
	for _, s := range steps {
		if len(s.Categories) > 3 {
			failures = append(failures, QualityCheckFailure{
				Check:  "step_category_count",
				Detail: fmt.Sprintf("step %s declares %d categories, max 3", s.ID, len(s.Categories)),
			})
		}
	}

	// 4. every step has at least one verification command.
	for _, s := range steps {
		if len(s.VerificationCommands) == 0 {
			failures = append(failures, QualityCheckFailure{
				Check:  "verification_required",
				Detail: fmt.Sprintf("step %s has no verification_commands", s.ID),
			})
		}
	}

	// 5. step count within the ambition's range (with slack).
	min, max := StepRange(ambition, 2)
	if n := len(steps); n < min || n > max {
		failures = append(failures, QualityCheckFailure{
			Check:  "step_count_range",
			Detail: fmt.Sprintf("%d steps outside [%d,%d] for ambition %q", n, min, max, ambition),
		})
	}

	return failures
}

// CritiqueBlock renders quality-gate failures as a single
// "<trajectory-critique>" block for the one-shot regeneration retry.
func CritiqueBlock(failures []QualityCheckFailure) string {
	if len(failures) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<trajectory-critique>\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "- [%s] %s\n", f.Check, f.Detail)
	}
	b.WriteString("</trajectory-critique>")
	return b.String()
}
