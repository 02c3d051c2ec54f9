package proposal

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/scope"
)

// Rejection carries why a proposal did not become a ticket.
type Rejection struct {
	Proposal model.Proposal
	Reason   string
}

// ExistingTicket is the minimal shape the dedup stage needs to know about a
// prior ticket without importing the db package (keeps proposal
// dependency-free of persistence).
type ExistingTicket struct {
	Title     string
	Status    model.TicketStatus
	UpdatedAt time.Time
}

// Config parameterizes one pipeline run — the cycle's accepted categories,
// scope, and tunables.
type Config struct {
	Scope              string // e.g. "src/**", "**", "*", or ""
	AllowedCategories  map[string]bool
	MinConfidence      int
	MinImpactScore     float64
	MaxProposals       int
	MaxTestShare        float64 // cap test-category share of kept set, e.g. 0.4
	GraphBoost          func(files []string) float64
	Cycle               int
}

// Result is the outcome of running the pipeline once.
type Result struct {
	Accepted  []model.Proposal
	Deferred  []model.Proposal
	Rejected  []Rejection
}

// Run executes the 11-stage filter described in spec.md §4.2 against raw
// scout proposals, the cycle's existing-ticket set (for cross-cycle dedup),
// and any deferred proposals eligible for re-promotion this cycle.
func Run(ctx context.Context, raw []model.Proposal, reDeferred []model.Proposal, existing []ExistingTicket, cfg Config) Result {
	var res Result

	// Stage 1: re-promote deferred proposals whose files now fall inside scope.
	candidates := append([]model.Proposal{}, reDeferred...)
	candidates = append(candidates, raw...)

	kept := make([]model.Proposal, 0, len(candidates))
	for _, p := range candidates {
		if reason, ok := rejectEarly(p, cfg); !ok {
			if reason == "deferred" {
				res.Deferred = append(res.Deferred, p)
			}
			res.Rejected = append(res.Rejected, Rejection{Proposal: p, Reason: reason})
			continue
		}
		kept = append(kept, p)
	}

	// Stage 7: dedup against existing tickets.
	kept = filterSlice(kept, &res, func(p model.Proposal) (bool, string) {
		for _, t := range existing {
			if !isDedupCandidate(t) {
				continue
			}
			if IsDuplicateTitle(p.Title, t.Title) {
				return false, "duplicate_existing_ticket"
			}
		}
		return true, ""
	})

	// Stage 8: intra-batch dedup (title similarity + full file-set overlap).
	final := make([]model.Proposal, 0, len(kept))
	for _, p := range kept {
		dup := false
		for _, q := range final {
			if IsDuplicateTitle(p.Title, q.Title) {
				dup = true
				break
			}
			if FileSetOverlapsFully(p.Files, q.Files, 3) {
				dup = true
				break
			}
		}
		if dup {
			res.Rejected = append(res.Rejected, Rejection{Proposal: p, Reason: "duplicate_in_batch"})
			continue
		}
		final = append(final, p)
	}

	// Stage 9: rank.
	sort.SliceStable(final, func(i, j int) bool {
		return score(final[i], cfg) > score(final[j], cfg)
	})
	if cfg.MaxProposals > 0 && len(final) > cfg.MaxProposals {
		for _, dropped := range final[cfg.MaxProposals:] {
			res.Rejected = append(res.Rejected, Rejection{Proposal: dropped, Reason: "rank_overflow"})
		}
		final = final[:cfg.MaxProposals]
	}

	// Stage 10: balance — cap test-category share.
	final = balanceTestShare(final, cfg.MaxTestShare, &res)

	res.Accepted = final
	return res
}

func isDedupCandidate(t ExistingTicket) bool {
	switch t.Status {
	case model.TicketReady, model.TicketInProgress:
		return true
	case model.TicketDone:
		return time.Since(t.UpdatedAt) <= 24*time.Hour
	default:
		return false
	}
}

// rejectEarly runs stages 2-6 (schema, confidence floor, impact floor,
// category trust, scope) and returns (rejectReason, passed).
func rejectEarly(p model.Proposal, cfg Config) (string, bool) {
	if missingRequiredFields(p) {
		return "schema_invalid", false
	}
	if p.Confidence <= 0 {
		return "confidence_floor", false
	}
	if p.ImpactScore != nil && *p.ImpactScore < cfg.MinImpactScore {
		return "impact_floor", false
	}
	if cfg.AllowedCategories != nil && !cfg.AllowedCategories[p.Category] {
		return "category_not_trusted", false
	}
	if cfg.Scope != "" && cfg.Scope != "**" && cfg.Scope != "*" {
		for _, f := range p.Files {
			if !scope.GlobMatch(cfg.Scope, scope.Normalize(f)) {
				return "deferred", false
			}
		}
	}
	return "", true
}

func missingRequiredFields(p model.Proposal) bool {
	return p.Category == "" || p.Title == "" || p.Description == "" ||
		len(p.AllowedPaths) == 0 || len(p.Files) == 0 ||
		len(p.VerificationCommands) == 0 || len(p.AcceptanceCriteria) == 0 ||
		p.Rationale == "" || p.EstimatedComplexity == ""
}

func filterSlice(in []model.Proposal, res *Result, keep func(model.Proposal) (bool, string)) []model.Proposal {
	out := make([]model.Proposal, 0, len(in))
	for _, p := range in {
		if ok, reason := keep(p); ok {
			out = append(out, p)
		} else {
			res.Rejected = append(res.Rejected, Rejection{Proposal: p, Reason: reason})
		}
	}
	return out
}

// score computes the spec's rank formula: 0.7*confidence/100 + 0.3*impact/10,
// plus an optional +0.05 graph boost per dependent module importing a file
// listed (uncapped — spec.md §4.2 stage 9 is "+0.05 per dependent module",
// not a bounded bonus).
func score(p model.Proposal, cfg Config) float64 {
	impact := 0.0
	if p.ImpactScore != nil {
		impact = *p.ImpactScore
	}
	s := 0.7*float64(p.Confidence)/100 + 0.3*impact/10
	if cfg.GraphBoost != nil {
		s += cfg.GraphBoost(p.Files) * 0.05
	}
	return s
}

func balanceTestShare(in []model.Proposal, maxShare float64, res *Result) []model.Proposal {
	if maxShare <= 0 || maxShare >= 1 {
		return in
	}
	limit := int(math.Floor(maxShare * float64(len(in))))
	testIdx := make([]int, 0)
	for i, p := range in {
		if p.Category == "test" || p.Category == "tests" {
			testIdx = append(testIdx, i)
		}
	}
	if len(testIdx) <= limit {
		return in
	}
	sort.Slice(testIdx, func(i, j int) bool {
		return in[testIdx[i]].Confidence < in[testIdx[j]].Confidence
	})
	evict := make(map[int]bool)
	for _, idx := range testIdx[:len(testIdx)-limit] {
		evict[idx] = true
	}
	out := make([]model.Proposal, 0, len(in))
	for i, p := range in {
		if evict[i] {
			res.Rejected = append(res.Rejected, Rejection{Proposal: p, Reason: "test_balance_evicted"})
			continue
		}
		out = append(out, p)
	}
	return out
}
