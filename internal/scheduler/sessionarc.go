// Package scheduler implements the spin scheduler (C8): the cycle loop,
// session-arc phasing, formula/goal selection, parallel-formula scoring,
// category allow/block, scout invocation, ticket dispatch, idle detection,
// and the trajectory overlay.
//
// Grounded in the teacher's orchestrator.go Run/runCycle ticker loop
// ("ticker := time.NewTicker(...); for { select { case <-ctx.Done(): ...;
// case <-ticker.C: o.runCycle(ctx) } }"), generalized from its fixed
// PM/dev/QA/UX/security pipeline stages to the spec's formula-driven
// cycle with session-arc phasing and goal-gap selection.
package scheduler

import "time"

// Phase is the session-arc phase for one cycle.
type Phase string

const (
	PhaseWarmup   Phase = "warmup"
	PhaseDeep     Phase = "deep"
	PhaseCooldown Phase = "cooldown"
)

// SessionArc computes the phase for a cycle given elapsed and expected
// session wall time, per spec.md §4.8 step 1: short/cheap formulas early
// (warmup), full selection for the bulk of the session (deep), then
// docs/cleanup/types only as the session winds down (cooldown).
type SessionArc struct {
	WarmupFraction   float64 // e.g. 0.1 of expected duration
	CooldownFraction float64 // e.g. 0.1 of expected duration from the end
}

// DefaultSessionArc reserves the first and last 10% of the session for
// warmup and cooldown respectively.
func DefaultSessionArc() SessionArc {
	return SessionArc{WarmupFraction: 0.1, CooldownFraction: 0.1}
}

// PhaseFor classifies elapsed time against expected session duration.
func (a SessionArc) PhaseFor(elapsed, expected time.Duration) Phase {
	if expected <= 0 {
		return PhaseDeep
	}
	frac := elapsed.Seconds() / expected.Seconds()
	switch {
	case frac < a.WarmupFraction:
		return PhaseWarmup
	case frac > 1-a.CooldownFraction:
		return PhaseCooldown
	default:
		return PhaseDeep
	}
}
