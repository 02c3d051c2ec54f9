package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/model"
)

// SoloConfig is the top-level config.json document, per spec.md §2/§3 and
// §6's repo layout. Persisted as plain JSON (the teacher's ambient choice
// for its own config), not the flat-YAML grammar reserved for
// formula/goal/trajectory recipe files.
type SoloConfig struct {
	AppDir                   string `json:"appDir"`
	Scope                    string `json:"scope"`
	AllowedRemote            string `json:"allowedRemote"`
	DeliveryMode             string `json:"deliveryMode"`
	DirectBranch             string `json:"directBranch,omitempty"`
	PullEveryNCycles         int    `json:"pullEveryNCycles"`
	PullPolicy               string `json:"pullPolicy"`
	GuidelinesRefreshCycles  int    `json:"guidelinesRefreshCycles"`
	DocsAuditInterval        int    `json:"docsAuditInterval"`
	MaxIdleCycles            int    `json:"maxIdleCycles"`
	ScoutConcurrency         int    `json:"scoutConcurrency"`
	PluginParallel           int    `json:"pluginParallel"`
	MaxFormulas              int    `json:"maxFormulas"`
	MaxCompletedTickets      int    `json:"maxCompletedTickets"`
	MaxArtifactAgeDays       int    `json:"maxArtifactAgeDays"`
	MaxStaleBranchDays       int    `json:"maxStaleBranchDays"`
	MaxRunFolders            int    `json:"maxRunFolders"`
	MaxArtifactFiles         int    `json:"maxArtifactFiles"`
	GCEveryNCycles           int    `json:"gcEveryNCycles"`
	EnableAuditLogging       bool   `json:"enableAuditLogging"`
	QaBaselineCapture        bool   `json:"qaBaselineCapture"`
	CodingAgentBinary        string `json:"codingAgentBinary"`
	PRTool                   string `json:"prTool"`
	ParallelFormulasEnabled  bool   `json:"parallelFormulasEnabled"`
}

// DefaultSoloConfig mirrors the Open Question decisions recorded in
// SPEC_FULL.md: QA baseline capture and audit logging both default off.
func DefaultSoloConfig(appDir string) SoloConfig {
	return SoloConfig{
		AppDir:                  appDir,
		DeliveryMode:            "direct",
		PullEveryNCycles:        5,
		PullPolicy:              "warn",
		GuidelinesRefreshCycles: 10,
		DocsAuditInterval:       20,
		MaxIdleCycles:           5,
		ScoutConcurrency:        2,
		PluginParallel:          1,
		MaxFormulas:             3,
		MaxCompletedTickets:     200,
		MaxArtifactAgeDays:      14,
		MaxStaleBranchDays:      14,
		MaxRunFolders:           100,
		MaxArtifactFiles:        500,
		GCEveryNCycles:          20,
		EnableAuditLogging:      false,
		QaBaselineCapture:       false,
		CodingAgentBinary:       "claude",
		PRTool:                  "gh",
	}
}

// Load reads "<root>/.<appdir>/config.json"; Init writes defaults if absent.
func Load(root, appDir string) (SoloConfig, error) {
	path := filepath.Join(root, "."+appDir, "config.json")
	b, err := os.ReadFile(path) // #nosec G304 -- root/appdir are process-local, not external input
	if err != nil {
		return SoloConfig{}, err
	}
	var cfg SoloConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return SoloConfig{}, fmt.Errorf("parse config.json: %w", err)
	}
	return cfg, nil
}

// Init writes DefaultSoloConfig(appDir) to "<root>/.<appdir>/config.json" if
// it does not already exist, returning the loaded config either way.
func Init(root, appDir string) (SoloConfig, error) {
	dir := filepath.Join(root, "."+appDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return SoloConfig{}, err
	}
	path := filepath.Join(dir, "config.json")
	if _, err := os.Stat(path); err == nil {
		return Load(root, appDir)
	}
	cfg := DefaultSoloConfig(appDir)
	b, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return SoloConfig{}, err
	}
	return cfg, nil
}

// ParseFormula parses a formula YAML document per spec.md §6's flat grammar
// and recognized-keys list.
func ParseFormula(name, src string) (*model.Formula, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	node, err := ParseFlat(src)
	if err != nil {
		return nil, fmt.Errorf("parse formula %s: %w", name, err)
	}

	f := &model.Formula{
		Name:          name,
		Description:   node.Scalars["description"],
		Scope:         node.Scalars["scope"],
		Categories:    categoriesOf(node),
		MinConfidence: node.Ints["min_confidence"],
		Prompt:        node.Scalars["prompt"],
		MaxPRs:        node.Ints["max_prs"],
		FocusAreas:    node.Lists["focus_areas"],
		Exclude:       node.Lists["exclude"],
		UseRoadmap:    node.Bools["use_roadmap"],
		Tags:          node.Lists["tags"],
		Model:         node.Scalars["model"],
		RiskTolerance: model.RiskTolerance(node.Scalars["risk_tolerance"]),
	}
	if cmd := node.Scalars["measure_cmd"]; cmd != "" {
		f.Measure = &model.Measure{
			Cmd:       cmd,
			Target:    parseFloat(node.Scalars["measure_target"]),
			Direction: node.Scalars["measure_direction"],
		}
	}
	return f, nil
}

func categoriesOf(node *Node) []string {
	if list, ok := node.Lists["categories"]; ok {
		return list
	}
	if s, ok := node.Scalars["categories"]; ok && s != "" {
		return strings.Split(s, ",")
	}
	return nil
}

func parseFloat(s string) float64 {
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}

// TrajectoryDoc is a parsed trajectory YAML file: name, description, and an
// ordered list of steps (spec.md §6's Trajectory YAML grammar).
type TrajectoryDoc struct {
	Name        string
	Description string
	Steps       []model.TrajectoryStep
}

// ParseTrajectory parses name/description/steps[] from the flat grammar's
// "steps:" dash-list-of-maps convention: each step is a block of
// "  - id: ..." followed by further-indented "key: value" lines.
func ParseTrajectory(name, src string) (*TrajectoryDoc, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	lines := strings.Split(src, "\n")

	doc := &TrajectoryDoc{}
	var stepLines [][]string
	var current []string
	inSteps := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if current != nil {
				current = append(current, "")
			}
			continue
		}
		if !inSteps {
			if trimmed == "steps:" {
				inSteps = true
				continue
			}
			if key, val, ok := splitKeyValue(trimmed); ok {
				switch key {
				case "name":
					doc.Name = unquote(strings.TrimSpace(val))
				case "description":
					doc.Description = unquote(strings.TrimSpace(val))
				}
			}
			continue
		}
		if strings.HasPrefix(trimmed, "- ") {
			if current != nil {
				stepLines = append(stepLines, current)
			}
			current = []string{strings.TrimPrefix(trimmed, "- ")}
			continue
		}
		if current != nil {
			current = append(current, trimmed)
		}
	}
	if current != nil {
		stepLines = append(stepLines, current)
	}

	for _, sl := range stepLines {
		step, err := parseStepBlock(sl)
		if err != nil {
			return nil, fmt.Errorf("trajectory %s: %w", name, err)
		}
		doc.Steps = append(doc.Steps, step)
	}

	if doc.Name == "" || len(doc.Steps) == 0 {
		return nil, fmt.Errorf("trajectory %s must declare name and at least one step", name)
	}
	return doc, nil
}

func parseStepBlock(lines []string) (model.TrajectoryStep, error) {
	fields := map[string]string{}
	var categories, verification, acceptance, dependsOn []string

	for _, l := range lines {
		if l == "" {
			continue
		}
		key, val, ok := splitKeyValue(l)
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "categories":
			categories = parseInlineList(val)
		case "verification_commands":
			verification = parseInlineList(val)
		case "acceptance_criteria":
			acceptance = parseInlineList(val)
		case "depends_on":
			dependsOn = parseInlineList(val)
		default:
			fields[key] = unquote(val)
		}
	}

	step := model.TrajectoryStep{
		ID:                   fields["id"],
		Title:                fields["title"],
		Description:          fields["description"],
		Scope:                fields["scope"],
		Categories:           categories,
		AcceptanceCriteria:   acceptance,
		VerificationCommands: verification,
		DependsOn:            dependsOn,
	}
	if fields["max_retries"] != "" {
		_, _ = fmt.Sscanf(fields["max_retries"], "%d", &step.MaxRetries)
	}
	if cmd := fields["measure_cmd"]; cmd != "" {
		step.Measure = &model.Measure{
			Cmd:       cmd,
			Target:    parseFloat(fields["measure_target"]),
			Direction: fields["measure_direction"],
		}
	}
	if step.ID == "" {
		return step, fmt.Errorf("step missing required id")
	}
	return step, nil
}
