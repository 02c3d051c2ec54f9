// Package runner implements the ticket runner (C6): worktree setup, agent
// invocation, scope check, QA orchestration, and delivery, adapted from the
// teacher's worktree_manager.go ticket-processing and merge-queue loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/model"
)

// QaRetry configures QA retry behavior.
type QaRetry struct {
	Enabled     bool
	MaxAttempts int
}

// QaArtifacts bounds how much of each command's output is persisted.
type QaArtifacts struct {
	MaxLogBytes int64
	TailBytes   int64
}

// QaConfig is the per-ticket QA orchestrator configuration (§4.6.1).
type QaConfig struct {
	Commands  []string
	Retry     QaRetry
	Artifacts QaArtifacts
}

// QaResult is runQa's outcome.
type QaResult struct {
	RunID   string
	Success bool
	Steps   []model.RunStep
}

var errQaOrchestration = errors.New("QA orchestration error")

// runQa executes cfg.Commands in worktreeDir, up to Retry.MaxAttempts times,
// recording a run_steps row per command per attempt. Overall success iff
// every step in the last attempt is success or skipped. A non-zero
// maxAttemptsOverride replaces the configured attempt count and is
// validated before the run is created; 0 means no override.
func runQa(ctx context.Context, store *db.Store, projectID, ticketID, worktreeDir, artifactsDir string, cfg QaConfig, maxAttemptsOverride int, cancel <-chan struct{}) (*QaResult, error) {
	// Validate before the run is created (spec.md §4.6.1): 0 means "no
	// override", and any non-zero override must be >= 1.
	if maxAttemptsOverride != 0 && maxAttemptsOverride < 1 {
		return nil, fmt.Errorf("invalid maxAttemptsOverride %d: must be >= 1", maxAttemptsOverride)
	}

	maxAttempts := 1
	if cfg.Retry.Enabled && cfg.Retry.MaxAttempts > 0 {
		maxAttempts = cfg.Retry.MaxAttempts
	}
	if maxAttemptsOverride > 0 {
		maxAttempts = maxAttemptsOverride
	}

	run := &model.Run{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		TicketID:  ticketID,
		Type:      model.RunQA,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: %s", errQaOrchestration, err)
	}

	result, err := runQaAttempts(ctx, store, run.ID, worktreeDir, artifactsDir, cfg, maxAttempts, cancel)
	if err != nil {
		_ = store.MarkFailure(ctx, run.ID, fmt.Sprintf("%s: %s", errQaOrchestration, err), nil)
		return nil, fmt.Errorf("%w: %s", errQaOrchestration, err)
	}

	if result.Success {
		_ = store.MarkSuccess(ctx, run.ID, nil)
	} else {
		_ = store.MarkFailure(ctx, run.ID, "one or more QA commands failed", nil)
	}
	result.RunID = run.ID
	return result, nil
}

func runQaAttempts(ctx context.Context, store *db.Store, runID, worktreeDir, artifactsDir string, cfg QaConfig, maxAttempts int, cancel <-chan struct{}) (*QaResult, error) {
	var lastSteps []model.RunStep

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := store.CreateRunSteps(ctx, runID, attempt, cfg.Commands); err != nil {
			return nil, err
		}

		steps := make([]model.RunStep, len(cfg.Commands))
		allOK := true
		canceled := false

		for i, cmdStr := range cfg.Commands {
			step := model.RunStep{RunID: runID, Attempt: attempt, Ordinal: i, Name: cmdStr, Cmd: cmdStr}

			select {
			case <-cancel:
				canceled = true
			default:
			}

			if canceled {
				step.Status = model.StepSkipped
				steps[i] = step
				continue
			}

			step.Status = model.StepRunning
			step.StartedAtMs = time.Now().UnixMilli()
			_ = store.UpdateStep(ctx, &step)

			exitCode, signal, stdout, stderr, execErr := execQaCommand(ctx, worktreeDir, cmdStr, cancel)

			step.EndedAtMs = time.Now().UnixMilli()
			step.DurationMs = step.EndedAtMs - step.StartedAtMs
			step.ExitCode = exitCode
			step.Signal = signal

			stdoutPath, stderrPath, truncated := writeQaArtifacts(artifactsDir, runID, attempt, i, stdout, stderr, cfg.Artifacts.MaxLogBytes)
			step.StdoutPath = stdoutPath
			step.StderrPath = stderrPath
			step.StdoutBytes = int64(len(stdout))
			step.StderrBytes = int64(len(stderr))
			step.Truncated = truncated
			step.StdoutTail = tail(stdout, cfg.Artifacts.TailBytes)
			step.StderrTail = tail(stderr, cfg.Artifacts.TailBytes)

			switch {
			case errors.Is(execErr, context.Canceled):
				step.Status = model.StepCanceled
				canceled = true
				allOK = false
			case execErr == nil && exitCode == 0:
				step.Status = model.StepSuccess
			default:
				step.Status = model.StepFailed
				allOK = false
			}

			_ = store.UpdateStep(ctx, &step)
			steps[i] = step
		}

		lastSteps = steps
		if allOK {
			return &QaResult{Success: true, Steps: steps}, nil
		}
		if canceled || attempt == maxAttempts {
			break
		}
	}

	return &QaResult{Success: false, Steps: lastSteps}, nil
}

func execQaCommand(ctx context.Context, dir, cmdStr string, cancel <-chan struct{}) (exitCode int, signal, stdout, stderr string, err error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-runCtx.Done():
		}
	}()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdStr) // #nosec G204 -- QA commands are ticket/config authored, not external input
	cmd.Dir = dir
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			if exitErr.ExitCode() == -1 {
				signal = exitErr.String()
			}
		} else {
			exitCode = -1
		}
	}
	if runCtx.Err() == context.Canceled {
		err = context.Canceled
	} else {
		err = runErr
	}
	return exitCode, signal, stdout, stderr, err
}

func writeQaArtifacts(dir, runID string, attempt, ordinal int, stdout, stderr string, maxBytes int64) (stdoutPath, stderrPath string, truncated bool) {
	if dir == "" {
		return "", "", false
	}
	base := filepath.Join(dir, runID)
	if err := os.MkdirAll(base, 0o750); err != nil {
		return "", "", false
	}
	stdoutPath = filepath.Join(base, fmt.Sprintf("attempt-%d-step-%d.stdout.log", attempt, ordinal))
	stderrPath = filepath.Join(base, fmt.Sprintf("attempt-%d-step-%d.stderr.log", attempt, ordinal))

	outBytes, outTrunc := capBytes(stdout, maxBytes)
	errBytes, errTrunc := capBytes(stderr, maxBytes)
	_ = os.WriteFile(stdoutPath, []byte(outBytes), 0o644)
	_ = os.WriteFile(stderrPath, []byte(errBytes), 0o644)
	return stdoutPath, stderrPath, outTrunc || errTrunc
}

func capBytes(s string, max int64) (string, bool) {
	if max <= 0 || int64(len(s)) <= max {
		return s, false
	}
	return s[:max], true
}

func tail(s string, n int64) string {
	if n <= 0 || int64(len(s)) <= n {
		return s
	}
	return s[int64(len(s))-n:]
}
