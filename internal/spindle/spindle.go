// Package spindle implements the loop-detection governor (C7): per-ticket,
// single-threaded relative to its agent subprocess, it watches a rolling
// window of output/diff/plan checkpoints and recommends WARN or ABORT when
// the agent is stalling, oscillating, repeating itself, or churning a
// single file.
//
// Grounded in the teacher's background.go self-heal loop, which detects
// tickets "stuck in IN_DEV with no active agent" by polling ticket state on
// a ticker and resetting them to READY — the closest analog to a stuck-loop
// detector in the teacher. Generalized here from a coarse process-liveness
// check into the spec's per-iteration hash/threshold governor.
package spindle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Trigger names which rule fired.
type Trigger string

const (
	TriggerTokenBudget Trigger = "token_budget"
	TriggerStalling     Trigger = "stalling"
	TriggerOscillation  Trigger = "oscillation"
	TriggerRepetition   Trigger = "repetition"
	TriggerFileChurn    Trigger = "file_churn"
)

// Severity is the runner's escalation level for a Diagnosis.
type Severity string

const (
	SeverityNone Severity = ""
	SeverityWarn Severity = "warn"
	SeverityAbort Severity = "abort"
)

// Thresholds configures every trigger's sensitivity.
type Thresholds struct {
	TokenBudgetAbort  int     // estimated tokens above which token_budget fires
	StallingIters     int     // iterations_since_change >= this fires stalling
	RepetitionWindow  int     // last N output hashes considered for repetition
	RepetitionMinHits int     // matches within the window required to fire repetition
	FileChurnMax      int     // a single file's edit count above this fires file_churn
	HashRingCap       int     // bound on output/diff/plan_hashes ring buffers
	CharsPerToken     float64 // token estimation divisor
}

// DefaultThresholds mirrors reasonable defaults for an interactive coding
// session: a few minutes of wall-clock stalling, not single-iteration noise.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TokenBudgetAbort:  200000,
		StallingIters:     6,
		RepetitionWindow:  8,
		RepetitionMinHits: 3,
		FileChurnMax:      10,
		HashRingCap:       32,
		CharsPerToken:     4.0,
	}
}

// Diagnosis is the governor's verdict after one iteration.
type Diagnosis struct {
	Trigger         Trigger
	Severity        Severity
	EstimatedTokens int
	Iteration       int
	Confidence      float64
	Recommendations []string
	Metrics         map[string]any
}

// ring is a bounded FIFO of hashes, oldest trimmed first.
type ring struct {
	cap  int
	data []string
}

func newRing(cap int) *ring { return &ring{cap: cap} }

func (r *ring) push(h string) {
	r.data = append(r.data, h)
	if len(r.data) > r.cap {
		r.data = r.data[len(r.data)-r.cap:]
	}
}

func (r *ring) count(h string) int {
	n := 0
	for _, v := range r.data {
		if v == h {
			n++
		}
	}
	return n
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Governor holds one ticket's rolling loop-detection state.
type Governor struct {
	thresholds Thresholds

	outputHashes *ring
	diffHashes   *ring
	planHashes   *ring

	iterationsSinceChange int
	totalOutputChars      int
	totalChangeChars      int
	fileEditCounts        map[string]int
	failingCommandSigs    map[string]struct{}

	iteration int
	lastOscillationSeq []string
}

// New returns a Governor for one ticket's agent invocation.
func New(thresholds Thresholds) *Governor {
	return &Governor{
		thresholds:         thresholds,
		outputHashes:       newRing(thresholds.HashRingCap),
		diffHashes:         newRing(thresholds.HashRingCap),
		planHashes:         newRing(thresholds.HashRingCap),
		fileEditCounts:     map[string]int{},
		failingCommandSigs: map[string]struct{}{},
	}
}

// Checkpoint is one reported agent iteration: raw output chunk, the diff
// since the last checkpoint, an optional plan/thought summary, and which
// files the diff touched.
type Checkpoint struct {
	Output         string
	Diff           string
	Plan           string
	FilesTouched   []string
	FailingCommand string // non-empty when a verification command just failed
}

const maxTrackedFiles = 500

// Observe folds one checkpoint into the rolling state and returns a
// Diagnosis. The token budget is checked first, then the other triggers in
// the order listed in the package docs;
// the first to fire determines the Diagnosis, but Metrics always reflects
// the full rolling state for the caller's own logging.
func (g *Governor) Observe(cp Checkpoint) Diagnosis {
	g.iteration++

	outHash := hashOf(cp.Output)
	diffHash := hashOf(cp.Diff)
	planHash := hashOf(cp.Plan)

	changed := diffHash != "" && g.diffHashes.count(diffHash) == 0
	if changed {
		g.iterationsSinceChange = 0
	} else {
		g.iterationsSinceChange++
	}

	g.outputHashes.push(outHash)
	g.diffHashes.push(diffHash)
	g.planHashes.push(planHash)

	g.totalOutputChars += len(cp.Output)
	g.totalChangeChars += len(cp.Diff)

	for _, f := range cp.FilesTouched {
		if len(g.fileEditCounts) >= maxTrackedFiles {
			break
		}
		g.fileEditCounts[f]++
	}
	if cp.FailingCommand != "" {
		g.failingCommandSigs[hashOf(cp.FailingCommand)] = struct{}{}
	}

	metrics := g.metrics()
	estTokens := int(float64(g.totalOutputChars) / g.thresholds.CharsPerToken)

	if estTokens > g.thresholds.TokenBudgetAbort {
		return g.diagnose(TriggerTokenBudget, SeverityAbort, estTokens, 0.9,
			[]string{"raise token_budget threshold or split the ticket into smaller steps"}, metrics)
	}
	if g.iterationsSinceChange >= g.thresholds.StallingIters {
		return g.diagnose(TriggerStalling, SeverityAbort, estTokens, 0.8,
			[]string{"no diff change across several iterations; consider aborting and re-scoping"}, metrics)
	}
	if g.detectOscillation(cp.Diff) {
		return g.diagnose(TriggerOscillation, SeverityWarn, estTokens, 0.6,
			[]string{"the agent is adding and removing the same change repeatedly"}, metrics)
	}
	window := g.outputHashes.data
	if w := g.thresholds.RepetitionWindow; w > 0 && len(window) > w {
		window = window[len(window)-w:]
	}
	repeats := 0
	for _, h := range window {
		if h == outHash {
			repeats++
		}
	}
	if repeats >= g.thresholds.RepetitionMinHits {
		return g.diagnose(TriggerRepetition, SeverityWarn, estTokens, 0.65,
			[]string{"recent output repeats near-identically; nudge with a different instruction"}, metrics)
	}
	for _, n := range g.fileEditCounts {
		if n > g.thresholds.FileChurnMax {
			return g.diagnose(TriggerFileChurn, SeverityWarn, estTokens, 0.55,
				[]string{"a single file is being rewritten far more than the others; check for a flapping fix"}, metrics)
		}
	}

	return Diagnosis{Severity: SeverityNone, EstimatedTokens: estTokens, Iteration: g.iteration, Metrics: metrics}
}

// detectOscillation tracks whether the diff's substantive content (ignoring
// whitespace-only churn) has recently toggled add/remove/add across a short
// window, using a trimmed sequence of recent diffs.
func (g *Governor) detectOscillation(diff string) bool {
	if diff == "" {
		return false
	}
	diff = strings.Join(strings.Fields(diff), " ")
	g.lastOscillationSeq = append(g.lastOscillationSeq, diff)
	if len(g.lastOscillationSeq) > 4 {
		g.lastOscillationSeq = g.lastOscillationSeq[len(g.lastOscillationSeq)-4:]
	}
	if len(g.lastOscillationSeq) < 3 {
		return false
	}
	a, b, c := g.lastOscillationSeq[len(g.lastOscillationSeq)-3], g.lastOscillationSeq[len(g.lastOscillationSeq)-2], g.lastOscillationSeq[len(g.lastOscillationSeq)-1]
	return a == c && a != b
}

func (g *Governor) metrics() map[string]any {
	return map[string]any{
		"iterations_since_change": g.iterationsSinceChange,
		"total_output_chars":      g.totalOutputChars,
		"total_change_chars":      g.totalChangeChars,
		"tracked_files":           len(g.fileEditCounts),
		"failing_command_sigs":    len(g.failingCommandSigs),
	}
}

func (g *Governor) diagnose(trigger Trigger, severity Severity, estTokens int, confidence float64, recs []string, metrics map[string]any) Diagnosis {
	return Diagnosis{
		Trigger:         trigger,
		Severity:        severity,
		EstimatedTokens: estTokens,
		Iteration:       g.iteration,
		Confidence:      confidence,
		Recommendations: recs,
		Metrics:         metrics,
	}
}
