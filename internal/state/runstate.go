package state

import "time"

// FormulaStats tracks a formula's rolling outcomes for UCB1 selection (C8).
type FormulaStats struct {
	Cycles                 int       `json:"cycles"`
	LastResetCycle         int       `json:"lastResetCycle"`
	ProposalsGenerated     int       `json:"proposalsGenerated"`
	RecentCycles           int       `json:"recentCycles"`
	RecentTicketsTotal     int       `json:"recentTicketsTotal"`
	RecentTicketsSucceeded int       `json:"recentTicketsSucceeded"`
	LastRanAt              time.Time `json:"lastRanAt,omitzero"`
}

// SectorState tracks a directory-sized scan unit's yield (§4.8, glossary
// "Sector").
type SectorState struct {
	YieldEMA  float64   `json:"yieldEma"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	Polished  time.Time `json:"polished,omitzero"`
	Confidence float64  `json:"confidence"`
}

// RunState is the per-repo mutable cycle state persisted as JSON (C1).
type RunState struct {
	CycleCount          int                     `json:"cycleCount"`
	FormulaStats        map[string]FormulaStats `json:"formulaStats"`
	CategoryStats       map[string]int          `json:"categoryStats"`
	SectorState         map[string]SectorState  `json:"sectorState"`
	DeferredProposals   []DeferredProposal      `json:"deferredProposals"`
	DocsAuditLastCycle  int                     `json:"docsAuditLastCycle"`
}

// DeferredProposal is a proposal pushed out of scope at acceptance time,
// capped and re-evaluated on later cycles (C2 filter stage 6, C9 §9 open
// question).
type DeferredProposal struct {
	Title          string   `json:"title"`
	Files          []string `json:"files"`
	Confidence     int      `json:"confidence"`
	OriginalScope  string   `json:"originalScope"`
	DeferredAt     int      `json:"deferredAtCycle"`
}

const maxDeferredProposals = 20

// NewRunState returns a zero-valued RunState with initialized maps.
func NewRunState() RunState {
	return RunState{
		FormulaStats:  map[string]FormulaStats{},
		CategoryStats: map[string]int{},
		SectorState:   map[string]SectorState{},
	}
}

// PushDeferred appends a deferred proposal, evicting the lowest-confidence
// entry on overflow past maxDeferredProposals.
func (rs *RunState) PushDeferred(dp DeferredProposal) {
	rs.DeferredProposals = append(rs.DeferredProposals, dp)
	if len(rs.DeferredProposals) <= maxDeferredProposals {
		return
	}
	worst := 0
	for i, d := range rs.DeferredProposals {
		if d.Confidence < rs.DeferredProposals[worst].Confidence {
			worst = i
		}
	}
	rs.DeferredProposals = append(rs.DeferredProposals[:worst], rs.DeferredProposals[worst+1:]...)
}
