package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const sectionDelimiterPrefix = "=== "
const sectionDelimiterSuffix = " ==="
const defaultConflictTimeout = 120 * time.Second

// RenderConflictPrompt builds the "=== path ===" delimited prompt sent to
// the AI conflict-resolution fallback, per spec.md §4.5 step 2: each
// conflicted file's full contents, conflict markers intact.
func RenderConflictPrompt(files map[string]string, order []string) string {
	var b strings.Builder
	for _, path := range order {
		fmt.Fprintf(&b, "%s%s%s\n%s\n\n", sectionDelimiterPrefix, path, sectionDelimiterSuffix, files[path])
	}
	return b.String()
}

// ParseConflictResponse parses a coding-agent transcript delimited the same
// way RenderConflictPrompt built its prompt. Per spec.md §4.5 step 4: one
// section per requested path, non-empty, with no surviving conflict markers.
func ParseConflictResponse(output string, want []string) (map[string]string, error) {
	sections := map[string]string{}
	var current string
	var body strings.Builder
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimRight(body.String(), "\n")
		}
	}
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, sectionDelimiterPrefix) && strings.HasSuffix(line, sectionDelimiterSuffix) {
			flush()
			current = strings.TrimSuffix(strings.TrimPrefix(line, sectionDelimiterPrefix), sectionDelimiterSuffix)
			body.Reset()
			continue
		}
		if current != "" {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()

	for _, path := range want {
		content, ok := sections[path]
		if !ok || strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("missing or empty resolution section for %s", path)
		}
		if strings.Contains(content, "<<<<<<<") || strings.Contains(content, ">>>>>>>") {
			return nil, fmt.Errorf("resolution for %s still contains conflict markers", path)
		}
	}
	return sections, nil
}

// ResolveConflicts runs the conflict-resolution subprocess under
// defaultConflictTimeout and returns resolved file contents keyed by path, matching the
// gitdriver.ConflictResolver function type.
func (s *Spawner) ResolveConflicts(ctx context.Context, conflicted map[string]string) (map[string]string, error) {
	order := make([]string, 0, len(conflicted))
	for path := range conflicted {
		order = append(order, path)
	}
	prompt := RenderConflictPrompt(conflicted, order)

	runCtx, cancel := context.WithTimeout(ctx, defaultConflictTimeout)
	defer cancel()
	result, err := s.run(runCtx, prompt, "", nil)
	if err != nil {
		return nil, fmt.Errorf("conflict-resolution subprocess: %w", err)
	}
	return ParseConflictResponse(result.Output, order)
}
