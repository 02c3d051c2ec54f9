package state

import "time"

// StepRuntime is the runtime bookkeeping for one trajectory step (C9).
type StepRuntime struct {
	Status                string     `json:"status"` // pending/active/completed/failed/skipped
	CyclesAttempted        int        `json:"cyclesAttempted"`
	ConsecutiveFailures    int        `json:"consecutiveFailures"`
	TotalFailures          int        `json:"totalFailures"`
	FailureReason          string     `json:"failureReason,omitempty"`
	LastVerificationOutput string     `json:"lastVerificationOutput,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
}

// TrajectoryState is the persisted runtime state of an active trajectory (C9).
type TrajectoryState struct {
	TrajectoryName string                 `json:"trajectoryName"`
	StartedAt      time.Time              `json:"startedAt"`
	StepStates     map[string]StepRuntime `json:"stepStates"`
	CurrentStepID  string                 `json:"currentStepId,omitempty"`
	Paused         bool                   `json:"paused"`
}

// IsStuck reports whether the step identified by id has exceeded its retry
// or total-failure ceiling (C9 "stuck detection").
func (ts *TrajectoryState) IsStuck(id string, maxRetries int) bool {
	sr, ok := ts.StepStates[id]
	if !ok {
		return false
	}
	return sr.CyclesAttempted >= maxRetries || sr.TotalFailures >= 2*maxRetries
}
