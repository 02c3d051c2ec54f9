// Package config implements SoloConfig loading and the minimal flat
// YAML-like grammar used by formula/goal/trajectory files (spec.md §6),
// intentionally hand-rolled per spec.md §9's design note instead of pulling
// in a full YAML parser — documented in SPEC_FULL.md as a deliberate
// stdlib-only choice.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// safeFilename matches the allowed formula/goal/trajectory filename stem.
var safeFilename = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateFilename rejects unsafe filenames and path-escaping names per
// spec.md §6: anything not matching safeFilename, or containing ".." or a
// path separator (which would escape the formulas/goals/trajectories dir).
func ValidateFilename(name string) error {
	stem := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
	if strings.Contains(stem, "..") || strings.ContainsAny(stem, `/\`) {
		return fmt.Errorf("unsafe path in filename %q", name)
	}
	if !safeFilename.MatchString(stem) {
		return fmt.Errorf("filename %q does not match %s", name, safeFilename.String())
	}
	return nil
}

// Node is one parsed flat-YAML document: scalar/list/block values keyed by
// top-level key, plus raw nested step maps for trajectory files.
type Node struct {
	Scalars map[string]string
	Lists   map[string][]string
	Bools   map[string]bool
	Ints    map[string]int
	// Steps is not filled by ParseFlat; trajectory "steps:" entries are
	// parsed by ParseTrajectory.
	Steps []map[string]string
}

// ParseFlat parses the minimal flat grammar: "key: value" pairs, block
// scalars introduced by "key: |" or "key: >" followed by more-indented
// lines, and inline list literals "key: [a, b, c]" or "key:\n  - a\n  - b".
// It does not support nested maps beyond the single "steps:" list-of-maps
// convention trajectory files use (handled by ParseTrajectory).
func ParseFlat(src string) (*Node, error) {
	lines := strings.Split(src, "\n")
	node := &Node{Scalars: map[string]string{}, Lists: map[string][]string{}, Bools: map[string]bool{}, Ints: map[string]int{}}

	i := 0
	for i < len(lines) {
		line := lines[i]
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" || strings.HasPrefix(strings.TrimSpace(trimmed), "#") {
			i++
			continue
		}
		indent := leadingSpaces(line)
		if indent > 0 {
			// Nested content belonging to a prior block scalar or list is
			// consumed by the handlers below; stray indentation here is a
			// malformed document.
			return nil, fmt.Errorf("unexpected indentation at line %d", i+1)
		}

		key, rest, ok := splitKeyValue(trimmed)
		if !ok {
			return nil, fmt.Errorf("malformed line %d: %q", i+1, line)
		}
		rest = strings.TrimSpace(rest)

		switch {
		case rest == "|" || rest == ">":
			block, next := consumeBlock(lines, i+1)
			if rest == ">" {
				block = foldBlock(block)
			}
			node.Scalars[key] = block
			i = next
		case strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]"):
			node.Lists[key] = parseInlineList(rest)
			i++
		case rest == "":
			items, next := consumeDashList(lines, i+1)
			if len(items) > 0 {
				node.Lists[key] = items
				i = next
			} else {
				node.Scalars[key] = ""
				i++
			}
		default:
			assignScalar(node, key, rest)
			i++
		}
	}
	return node, nil
}

func assignScalar(node *Node, key, value string) {
	unquoted := unquote(value)
	node.Scalars[key] = unquoted
	if b, err := strconv.ParseBool(unquoted); err == nil {
		node.Bools[key] = b
	}
	if n, err := strconv.Atoi(unquoted); err == nil {
		node.Ints[key] = n
	}
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), line[idx+1:], true
}

func leadingSpaces(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' {
			break
		}
		n++
	}
	return n
}

func consumeBlock(lines []string, start int) (string, int) {
	var out []string
	baseIndent := -1
	i := start
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "" {
			out = append(out, "")
			i++
			continue
		}
		indent := leadingSpaces(lines[i])
		if baseIndent == -1 {
			baseIndent = indent
		}
		if indent < baseIndent {
			break
		}
		out = append(out, lines[i][baseIndent:])
		i++
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n"), i
}

func foldBlock(block string) string {
	lines := strings.Split(block, "\n")
	var folded []string
	var para []string
	flush := func() {
		if len(para) > 0 {
			folded = append(folded, strings.Join(para, " "))
			para = nil
		}
	}
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			flush()
			folded = append(folded, "")
			continue
		}
		para = append(para, strings.TrimSpace(l))
	}
	flush()
	return strings.Join(folded, "\n")
}

func consumeDashList(lines []string, start int) ([]string, int) {
	var items []string
	i := start
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "- ") && trimmed != "-" {
			break
		}
		item := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
		items = append(items, unquote(item))
		i++
	}
	return items, i
}

func parseInlineList(s string) []string {
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(inner) == "" {
		return nil
	}
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, unquote(strings.TrimSpace(p)))
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && ((s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'')) {
		return s[1 : len(s)-1]
	}
	return s
}
