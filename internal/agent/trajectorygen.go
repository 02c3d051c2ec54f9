package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TrajectoryGenPromptData is passed to the "trajectory" prompt template,
// mirroring spec.md §4.9's blueprint pre-analysis + quality-gate
// regeneration loop.
type TrajectoryGenPromptData struct {
	Name      string
	Goal      string
	Ambition  string
	StepRange string
	Blueprint string // rendered blueprint groups/conflicts/mergeable
	Critique  string // <trajectory-critique> block, set on the retry pass
}

const defaultTrajectoryGenTimeout = 5 * time.Minute

// InvokeTrajectoryGen runs the coding-agent subprocess with the rendered
// "trajectory" prompt and returns the raw trajectory YAML document it
// produced, stripped of surrounding prose/fences.
func (s *Spawner) InvokeTrajectoryGen(ctx context.Context, data TrajectoryGenPromptData, repoRoot string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultTrajectoryGenTimeout
	}
	promptData := PromptData{
		AgentName: "trajectory",
		Extra: map[string]string{
			"name":      data.Name,
			"goal":      data.Goal,
			"ambition":  data.Ambition,
			"step_range": data.StepRange,
			"blueprint": data.Blueprint,
			"critique":  data.Critique,
		},
	}
	result, err := s.Invoke(ctx, "trajectory", promptData, repoRoot, timeout)
	if err != nil {
		return "", fmt.Errorf("trajectory generation subprocess: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("trajectory generation subprocess exited non-zero: %s", result.Stderr)
	}
	yaml := extractYAMLDoc(result.Output)
	if yaml == "" {
		return "", fmt.Errorf("no trajectory YAML found in generation output")
	}
	return yaml, nil
}

// extractYAMLDoc strips a ```yaml fenced block if present, else the first
// bare ``` fenced block, else returns the trimmed output as-is (coding-agent CLIs commonly wrap output in prose).
func extractYAMLDoc(s string) string {
	if i := strings.Index(s, "```yaml"); i >= 0 {
		rest := s[i+len("```yaml"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
	}
	return strings.TrimSpace(s)
}
