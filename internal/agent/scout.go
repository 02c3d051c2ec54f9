package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/model"
)

// ScoutPromptData is passed to the "scout" prompt template, mirroring
// spec.md §4.8 step 9's prompt inputs (formula, categories, minConfidence,
// recent completions, codebase-index extract, guidelines, goal, learnings).
type ScoutPromptData struct {
	FormulaName        string
	Categories         []string
	MinConfidence      int
	CustomPrompt       string
	Scope              string
	RecentCompletions  []string
	CodebaseIndex      string
	Guidelines         string
	Goal               string
	Learnings          string
	Escalation         bool // true on the empty-result retry, per §4.8 step 9
	UnexploredModules  []string
}

const defaultScoutTimeout = 5 * time.Minute

// InvokeScout runs the coding-agent subprocess with the rendered "scout"
// prompt (an external LLM oracle per spec.md §1: prompt-in/JSON-out) and
// parses its stdout as a JSON array of proposals. The scout is expected to
// emit either a bare JSON array or a JSON array inside a fenced code block;
// both are accepted since coding-agent CLIs commonly wrap output in prose.
func (s *Spawner) InvokeScout(ctx context.Context, data ScoutPromptData, repoRoot string, timeout time.Duration) ([]model.Proposal, error) {
	if timeout <= 0 {
		timeout = defaultScoutTimeout
	}
	promptData := PromptData{
		AgentName: "scout",
		Extra:     scoutExtra(data),
	}
	name := "scout"
	if data.Escalation {
		name = "scout-escalation"
	}
	result, err := s.Invoke(ctx, name, promptData, repoRoot, timeout)
	if err != nil {
		return nil, fmt.Errorf("scout subprocess: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("scout subprocess exited non-zero: %s", result.Stderr)
	}
	return ParseProposals(result.Output)
}

func scoutExtra(d ScoutPromptData) map[string]string {
	m := map[string]string{
		"formula":        d.FormulaName,
		"categories":     strings.Join(d.Categories, ","),
		"min_confidence": fmt.Sprintf("%d", d.MinConfidence),
		"custom_prompt":  d.CustomPrompt,
		"scope":          d.Scope,
		"codebase_index": d.CodebaseIndex,
		"guidelines":     d.Guidelines,
		"goal":           d.Goal,
		"learnings":      d.Learnings,
		"recent":         strings.Join(d.RecentCompletions, "\n"),
		"unexplored":     strings.Join(d.UnexploredModules, "\n"),
	}
	return m
}

// ParseProposals extracts a JSON array of proposals from scout stdout,
// tolerating a fenced ```json ... ``` block wrapped around the array.
func ParseProposals(output string) ([]model.Proposal, error) {
	raw := extractJSONArray(output)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array found in scout output")
	}
	var proposals []model.Proposal
	if err := json.Unmarshal([]byte(raw), &proposals); err != nil {
		return nil, fmt.Errorf("parse scout proposals: %w", err)
	}
	return proposals, nil
}

func extractJSONArray(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
