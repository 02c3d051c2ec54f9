// Command loom is the autonomous code-improvement orchestrator's CLI
// entrypoint: init a repo, run the spin-scheduler loop, inspect ticket
// status, or drive a single ticket by hand.
//
// Adapted from the teacher's cmd/factory/main.go flag-parsing shell,
// rebuilt on spf13/cobra per SPEC_FULL.md's AMBIENT STACK decision.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/db"
	"github.com/loomworks/loom/internal/gitdriver"
	"github.com/loomworks/loom/internal/index"
	"github.com/loomworks/loom/internal/journal"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/procsignal"
	"github.com/loomworks/loom/internal/proposal"
	"github.com/loomworks/loom/internal/runner"
	"github.com/loomworks/loom/internal/scheduler"
	"github.com/loomworks/loom/internal/scope"
	"github.com/loomworks/loom/internal/state"
	"github.com/loomworks/loom/internal/trajectory"
	"github.com/loomworks/loom/internal/wave"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var repoRoot, appDir string

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Autonomous code-improvement orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root")
	root.PersistentFlags().StringVar(&appDir, "appdir", "loom", "local state directory name, under .<appdir>/")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(&repoRoot, &appDir),
		newRunCmd(&repoRoot, &appDir),
		newStatusCmd(&repoRoot, &appDir),
		newTicketCmd(&repoRoot, &appDir),
		newTrajectoryCmd(&repoRoot, &appDir),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("loom %s (commit %s)\n", version, gitCommit)
			return nil
		},
	}
}

// env bundles every collaborator a command needs, opened from the resolved
// repo root and app dir.
type env struct {
	repoRoot string
	appDir   string
	cfg      config.SoloConfig
	store    *db.Store
	sqlDB    *db.DB
	git      *gitdriver.Driver
	indexDB  *index.Store
	scanner  *index.Scanner
	spawner  *agent.Spawner
	logger   *slog.Logger
	project  *model.Project
}

func (e *env) close() {
	if e.scanner != nil {
		_ = e.scanner.Close()
	}
	if e.sqlDB != nil {
		_ = e.sqlDB.Close()
	}
	if e.indexDB != nil {
		_ = e.indexDB.Close()
	}
}

func (e *env) stateDir() string { return filepath.Join(e.repoRoot, "."+e.appDir) }

func openEnv(repoRoot, appDir string) (*env, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Init(root, appDir)
	if err != nil {
		return nil, fmt.Errorf("init config: %w", err)
	}

	sqlDB, err := db.Open(filepath.Join(root, "."+appDir, "state.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	store := db.NewStore(sqlDB)

	idx, err := index.Open(filepath.Join(root, "."+appDir, "index.db"))
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open codebase index: %w", err)
	}

	var scopeGlobs []string
	if cfg.Scope != "" && cfg.Scope != "**" && cfg.Scope != "*" {
		scopeGlobs = []string{cfg.Scope}
	}
	scanner := index.NewScanner(root, scopeGlobs, idx)

	gitDriver := gitdriver.NewDriver(root, appDir, defaultBranch(cfg))

	backend := agent.Backend{
		Binary:              cfg.CodingAgentBinary,
		ModelFlag:           "--model",
		NonInteractiveFlag:  "--print",
		SkipPermissionsFlag: "--dangerously-skip-permissions",
	}
	spawner := agent.NewSpawner(filepath.Join(root, "prompts"), backend, "")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx := context.Background()
	project, err := store.EnsureProject(ctx, root, filepath.Base(root))
	if err != nil {
		sqlDB.Close()
		idx.Close()
		return nil, fmt.Errorf("ensure project: %w", err)
	}

	return &env{
		repoRoot: root,
		appDir:   appDir,
		cfg:      cfg,
		store:    store,
		sqlDB:    sqlDB,
		git:      gitDriver,
		indexDB:  idx,
		scanner:  scanner,
		spawner:  spawner,
		logger:   logger,
		project:  project,
	}, nil
}

func defaultBranch(cfg config.SoloConfig) string {
	if cfg.DirectBranch != "" {
		return cfg.DirectBranch
	}
	return "main"
}

func newInitCmd(repoRoot, appDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize loom's local state in this repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()
			for _, sub := range []string{"formulas", "goals", "trajectories", "runs", "worktrees"} {
				if err := os.MkdirAll(filepath.Join(e.stateDir(), sub), 0o750); err != nil {
					return err
				}
			}
			fmt.Printf("initialized .%s in %s (project %s)\n", e.appDir, e.repoRoot, e.project.ID)
			return nil
		},
	}
}

func newStatusCmd(repoRoot, appDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ticket counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			statuses := []model.TicketStatus{
				model.TicketBacklog, model.TicketReady, model.TicketLeased,
				model.TicketInProgress, model.TicketInReview, model.TicketDone,
				model.TicketBlocked, model.TicketAborted,
			}
			total := 0
			for _, st := range statuses {
				tickets, err := e.store.TicketsByStatus(ctx, e.project.ID, st)
				if err != nil {
					return err
				}
				if len(tickets) == 0 {
					continue
				}
				total += len(tickets)
				fmt.Printf("%-12s %d\n", st, len(tickets))
				for _, t := range tickets {
					fmt.Printf("  %s  %s\n", t.ID, t.Title)
				}
			}
			fmt.Printf("total: %d\n", total)
			return nil
		},
	}
}

func newTicketCmd(repoRoot, appDir *string) *cobra.Command {
	ticketCmd := &cobra.Command{Use: "ticket", Short: "Inspect or drive a single ticket"}

	var force, createPR, skipQA bool
	var deliveryMode string
	runOne := &cobra.Command{
		Use:   "run <ticket-id>",
		Short: "Drive one existing ticket through the full runner lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			ticket, err := e.store.GetTicket(ctx, args[0])
			if err != nil {
				return err
			}

			ctrl, stop := procsignal.New(context.Background())
			defer stop()

			outcome, err := runner.RunTicket(ctrl.Context(), runnerDeps(e), runner.Options{
				Ticket:        ticket,
				ProjectID:     e.project.ID,
				RepoRoot:      e.repoRoot,
				AllowedRemote: e.project.AllowedRemote,
				SkipQA:        skipQA,
				CreatePR:      createPR,
				Force:         force,
				DeliveryMode:  runner.DeliveryMode(deliveryMode),
				DirectBranch:  e.cfg.DirectBranch,
				TimeoutMs:     int(20 * time.Minute / time.Millisecond),
				QaConfig:      qaConfigFromTicket(ticket),
				ArtifactsDir:  filepath.Join(e.stateDir(), "runs"),
				Signal:        ctrl.Done(),
				OnProgress:    func(step string) { e.logger.Info("ticket_progress", "ticket", ticket.ID, "step", step) },
			})
			if err != nil {
				return err
			}
			fmt.Printf("ticket %s -> %s (%s)\n", ticket.ID, outcome.FinalStatus, outcome.FailureReason)
			if outcome.Interrupted {
				os.Exit(procsignal.ExitCodeInterrupted)
			}
			if outcome.FinalStatus == model.TicketBlocked {
				os.Exit(1)
			}
			return nil
		},
	}
	runOne.Flags().BoolVar(&force, "force", false, "run even if it conflicts with an in-progress ticket")
	runOne.Flags().BoolVar(&createPR, "create-pr", false, "open a PR after QA passes")
	runOne.Flags().BoolVar(&skipQA, "skip-qa", false, "skip QA validation")
	runOne.Flags().StringVar(&deliveryMode, "delivery", "direct", "delivery mode: direct|pr|auto-merge")

	ticketCmd.AddCommand(runOne)
	return ticketCmd
}

// newTrajectoryCmd exposes the C9 trajectory engine's activation and heal
// API (spec.md §4.9) as CLI subcommands: "start" loads a YAML plan from
// ".<appdir>/trajectories/<name>.yaml", validates its depends_on DAG, and
// persists the initial TrajectoryState; "heal" applies one of
// diagnose/skip/retry/force_complete to a named step.
func newTrajectoryCmd(repoRoot, appDir *string) *cobra.Command {
	trajCmd := &cobra.Command{Use: "trajectory", Short: "Activate or heal a multi-step trajectory"}

	start := &cobra.Command{
		Use:   "start <name>",
		Short: "Activate a trajectory plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()

			steps, _, err := readTrajectoryFile(e, args[0])
			if err != nil {
				return err
			}
			ts, err := trajectory.Activate(args[0], steps)
			if err != nil {
				return err
			}
			ts.StartedAt = time.Now()
			trajFile := state.NewFile[state.TrajectoryState](filepath.Join(e.stateDir(), "trajectory-state.json"))
			if err := trajFile.Save(*ts); err != nil {
				return err
			}
			fmt.Printf("activated trajectory %s, current step: %s\n", args[0], ts.CurrentStepID)
			return nil
		},
	}

	var healAction string
	heal := &cobra.Command{
		Use:   "heal <step-id>",
		Short: "Apply a heal action (diagnose|skip|retry|force_complete) to a stuck step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()

			trajFile := state.NewFile[state.TrajectoryState](filepath.Join(e.stateDir(), "trajectory-state.json"))
			ts, err := trajFile.Load()
			if err != nil {
				return err
			}
			if ts.TrajectoryName == "" {
				return fmt.Errorf("no active trajectory")
			}
			steps, _, err := readTrajectoryFile(e, ts.TrajectoryName)
			if err != nil {
				return err
			}
			result, err := trajectory.Heal(steps, &ts, args[0], trajectory.HealAction(healAction))
			if err != nil {
				return err
			}
			if err := trajFile.Save(ts); err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}
	heal.Flags().StringVar(&healAction, "action", "diagnose", "diagnose|skip|retry|force_complete")

	var genGoal, genAmbition, genFormula string
	generate := &cobra.Command{
		Use:   "generate <name>",
		Short: "Blueprint-analyze a goal's proposals into a trajectory YAML and activate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()
			return generateTrajectory(cmd.Context(), e, args[0], genGoal, trajectory.Ambition(genAmbition), genFormula)
		},
	}
	generate.Flags().StringVar(&genGoal, "goal", "", "the goal driving this trajectory")
	generate.Flags().StringVar(&genAmbition, "ambition", "moderate", "conservative|moderate|ambitious")
	generate.Flags().StringVar(&genFormula, "formula", "goal", "formula name recorded against the scout pass that gathers candidate proposals")
	_ = generate.MarkFlagRequired("goal")

	trajCmd.AddCommand(start, heal, generate)
	return trajCmd
}

// generateTrajectory implements spec.md §4.9's blueprint pre-analysis +
// quality gate: gather candidate proposals for the goal, group them via
// trajectory.Analyze, generate a trajectory YAML from the blueprint,
// validate it, and regenerate once against a <trajectory-critique> block
// if CheckQuality finds anything wrong.
func generateTrajectory(ctx context.Context, e *env, name, goal string, ambition trajectory.Ambition, formula string) error {
	scoutData := agent.ScoutPromptData{
		FormulaName:   formula,
		Categories:    fullCategorySet,
		MinConfidence: 50,
		Goal:          goal,
	}
	proposals, err := e.spawner.InvokeScout(ctx, scoutData, e.repoRoot, 0)
	if err != nil {
		return fmt.Errorf("gather candidate proposals: %w", err)
	}
	if len(proposals) == 0 {
		return fmt.Errorf("scout returned no candidate proposals for goal %q", goal)
	}

	edges := buildDependencyEdges(ctx, e, proposals)
	bp := trajectory.Analyze(proposals, edges)
	blueprintText := renderBlueprint(bp, proposals)
	min, max := trajectory.StepRange(ambition, 2)
	stepRange := fmt.Sprintf("%d-%d", min, max)

	genData := agent.TrajectoryGenPromptData{
		Name:      name,
		Goal:      goal,
		Ambition:  string(ambition),
		StepRange: stepRange,
		Blueprint: blueprintText,
	}
	commonParent := commonPathPrefix(proposalFiles(proposals))
	enablerCats := enablerCategoriesOf(bp, proposals)

	steps, err := generateAndValidate(ctx, e, genData)
	if err != nil {
		return err
	}
	failures := trajectory.CheckQuality(steps, ambition, commonParent, enablerCats)
	if len(failures) > 0 {
		// spec.md §4.9: on any quality-gate failure, one regeneration retry
		// against a <trajectory-critique> block, then give up.
		genData.Critique = trajectory.CritiqueBlock(failures)
		steps, err = generateAndValidate(ctx, e, genData)
		if err != nil {
			return err
		}
		failures = trajectory.CheckQuality(steps, ambition, commonParent, enablerCats)
		if len(failures) > 0 {
			return fmt.Errorf("trajectory %s failed the quality gate after one regeneration retry: %s", name, trajectory.CritiqueBlock(failures))
		}
	}

	if err := config.ValidateFilename(name); err != nil {
		return err
	}
	dir := filepath.Join(e.stateDir(), "trajectories")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := renderTrajectoryYAML(name, goal, steps)
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(doc), 0o644); err != nil {
		return err
	}

	ts, err := trajectory.Activate(name, steps)
	if err != nil {
		return err
	}
	ts.StartedAt = time.Now()
	trajFile := state.NewFile[state.TrajectoryState](filepath.Join(e.stateDir(), "trajectory-state.json"))
	if err := trajFile.Save(*ts); err != nil {
		return err
	}
	fmt.Printf("generated and activated trajectory %s (%d steps), current step: %s\n", name, len(steps), ts.CurrentStepID)
	return nil
}

// generateAndValidate invokes the generation agent once, parses its YAML,
// and runs ValidateDAG; a DAG error is treated as a non-retryable failure
// since it reflects malformed output rather than a quality-gate miss.
func generateAndValidate(ctx context.Context, e *env, data agent.TrajectoryGenPromptData) ([]model.TrajectoryStep, error) {
	yamlSrc, err := e.spawner.InvokeTrajectoryGen(ctx, data, e.repoRoot, 0)
	if err != nil {
		return nil, err
	}
	steps, _, err := trajectory.LoadFromYAML(data.Name, yamlSrc)
	if err != nil {
		return nil, fmt.Errorf("parse generated trajectory: %w", err)
	}
	if err := trajectory.ValidateDAG(steps); err != nil {
		return nil, fmt.Errorf("generated trajectory failed DAG validation: %w", err)
	}
	return steps, nil
}

// graphBoostFunc returns a proposal.Config.GraphBoost implementation backed
// by C11's recorded import graph: for a proposal's files, the number of
// distinct modules that import any of them, counted once each, per
// spec.md §4.2 stage 9's "+0.05 per dependent module importing a file
// listed" graph boost.
func graphBoostFunc(e *env) func(files []string) float64 {
	if e.indexDB == nil {
		return nil
	}
	return func(files []string) float64 {
		dependents := map[string]bool{}
		for _, f := range files {
			importers, err := e.indexDB.DependentsOf(context.Background(), f)
			if err != nil {
				continue
			}
			for _, imp := range importers {
				dependents[imp] = true
			}
		}
		return float64(len(dependents))
	}
}

// buildDependencyEdges maps each proposal file to the files that import it,
// via C11's recorded import graph, for trajectory.Analyze's enabler-group
// detection.
func buildDependencyEdges(ctx context.Context, e *env, proposals []model.Proposal) trajectory.DependencyEdges {
	if e.indexDB == nil {
		return nil
	}
	edges := trajectory.DependencyEdges{}
	seen := map[string]bool{}
	for _, p := range proposals {
		for _, f := range p.Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			importers, err := e.indexDB.DependentsOf(ctx, f)
			if err != nil || len(importers) == 0 {
				continue
			}
			edges[f] = importers
		}
	}
	return edges
}

func proposalFiles(proposals []model.Proposal) []string {
	var out []string
	for _, p := range proposals {
		out = append(out, p.Files...)
	}
	return out
}

// commonPathPrefix returns the longest shared directory prefix of files,
// for the quality gate's "step-1 scope no broader than the proposals'
// common parent" check.
func commonPathPrefix(files []string) string {
	if len(files) == 0 {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(files[0]), "/")
	for _, f := range files[1:] {
		fp := strings.Split(filepath.ToSlash(f), "/")
		i := 0
		for i < len(parts) && i < len(fp) && parts[i] == fp[i] {
			i++
		}
		parts = parts[:i]
	}
	return strings.Join(parts, "/")
}

// enablerCategoriesOf collects the categories carried by proposals in
// blueprint groups marked as enablers.
func enablerCategoriesOf(bp trajectory.Blueprint, proposals []model.Proposal) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range bp.Groups {
		if !g.Enabler {
			continue
		}
		for _, i := range g.Indices {
			c := proposals[i].Category
			if c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// renderBlueprint renders a Blueprint's groups/conflicts/mergeable pairs as
// plain text for the generation prompt's "Blueprint pre-analysis" block.
func renderBlueprint(bp trajectory.Blueprint, proposals []model.Proposal) string {
	var b strings.Builder
	for i, g := range bp.Groups {
		titles := make([]string, 0, len(g.Indices))
		for _, idx := range g.Indices {
			titles = append(titles, proposals[idx].Title)
		}
		tag := ""
		if g.Enabler {
			tag = " (enabler)"
		}
		fmt.Fprintf(&b, "Group %d%s: %s\n", i+1, tag, strings.Join(titles, "; "))
	}
	for _, c := range bp.Conflicts {
		fmt.Fprintf(&b, "Conflict: %q vs %q -> %s\n", proposals[c.A].Title, proposals[c.B].Title, c.Resolution)
	}
	for _, m := range bp.Mergeable {
		fmt.Fprintf(&b, "Mergeable: %q + %q\n", proposals[m[0]].Title, proposals[m[1]].Title)
	}
	return b.String()
}

// renderTrajectoryYAML serializes steps back into the flat trajectory YAML
// grammar config.ParseTrajectory reads, so "trajectory start" can later
// reload this same file.
func renderTrajectoryYAML(name, description string, steps []model.TrajectoryStep) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\n", name)
	fmt.Fprintf(&b, "description: %s\n", description)
	b.WriteString("steps:\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "  - id: %s\n", s.ID)
		fmt.Fprintf(&b, "    title: %s\n", s.Title)
		fmt.Fprintf(&b, "    description: %s\n", s.Description)
		fmt.Fprintf(&b, "    scope: %s\n", s.Scope)
		fmt.Fprintf(&b, "    categories: [%s]\n", strings.Join(s.Categories, ", "))
		fmt.Fprintf(&b, "    verification_commands: [%s]\n", strings.Join(s.VerificationCommands, ", "))
		fmt.Fprintf(&b, "    acceptance_criteria: [%s]\n", strings.Join(s.AcceptanceCriteria, ", "))
		fmt.Fprintf(&b, "    depends_on: [%s]\n", strings.Join(s.DependsOn, ", "))
		fmt.Fprintf(&b, "    max_retries: %d\n", s.MaxRetries)
		if s.Measure != nil {
			fmt.Fprintf(&b, "    measure_cmd: %s\n", s.Measure.Cmd)
			fmt.Fprintf(&b, "    measure_target: %g\n", s.Measure.Target)
			fmt.Fprintf(&b, "    measure_direction: %s\n", s.Measure.Direction)
		}
	}
	return b.String()
}

func qaConfigFromTicket(t *model.Ticket) runner.QaConfig {
	return runner.QaConfig{
		Commands: t.VerificationCommands,
		Retry:    runner.QaRetry{Enabled: true, MaxAttempts: 2},
		Artifacts: runner.QaArtifacts{
			MaxLogBytes: 1 << 20,
			TailBytes:   4096,
		},
	}
}

func runnerDeps(e *env) runner.Deps {
	return runner.Deps{
		Store:  e.store,
		Git:    e.git,
		Agent:  runner.WrapDirect(e.spawner),
		AppDir: e.appDir,
		PRTool: e.cfg.PRTool,
	}
}

// runFlags bundles the "loom run" subcommand's CLI flags, mirroring
// spec.md §4.8 step 8's --allow/--block/--tests/--force surface plus
// scheduling knobs.
type runFlags struct {
	formula      string
	scope        string
	allow        []string
	block        []string
	tests        bool
	force        bool
	maxCycles    int
	interval     time.Duration
	delivery     string
	createPR     bool
	dryRun       bool
	allowFullSet bool
}

func newRunCmd(repoRoot, appDir *string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the spin-scheduler cycle loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(*repoRoot, *appDir)
			if err != nil {
				return err
			}
			defer e.close()
			return runSpin(cmd.Context(), e, f)
		},
	}
	cmd.Flags().StringVar(&f.formula, "formula", "", "pin an explicit formula for every cycle")
	cmd.Flags().StringVar(&f.scope, "scope", "", "glob scoping which files the scout may propose (default: config)")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "category allow-list, overrides formula categories entirely")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "category block-list, strips from allow")
	cmd.Flags().BoolVar(&f.tests, "tests", false, "add the test category to the allow-list")
	cmd.Flags().BoolVar(&f.force, "force", false, "run tickets even if they conflict with an in-progress ticket")
	cmd.Flags().IntVar(&f.maxCycles, "max-cycles", 0, "stop after this many cycles (0 = unbounded)")
	cmd.Flags().DurationVar(&f.interval, "interval", 30*time.Second, "cycle interval")
	cmd.Flags().StringVar(&f.delivery, "delivery", "", "delivery mode: direct|pr|auto-merge (default: config)")
	cmd.Flags().BoolVar(&f.createPR, "create-pr", false, "create a PR for pr/auto-merge delivery")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "scout and filter proposals but never dispatch tickets")
	cmd.Flags().BoolVar(&f.allowFullSet, "full-categories", false, "use the full category set instead of the safe default when no formula/allow is given")
	return cmd
}

var safeCategorySet = []string{"docs", "test", "refactor", "lint", "types"}
var fullCategorySet = []string{"docs", "test", "refactor", "lint", "types", "perf", "security", "feature", "bugfix"}

// runSpin drives the outer cycle loop, wiring C2 (proposal pipeline), C4
// (wave scheduler), C6 (ticket runner), C8 (spin scheduler) and C10
// (journal) together. This is the construction site the scheduler and
// proposal packages deliberately leave out of their own wiring to avoid an
// import cycle back into runner/agent.
func runSpin(ctx context.Context, e *env, f runFlags) error {
	ctrl, stop := procsignal.New(ctx)
	defer stop()

	runsDir := filepath.Join(e.stateDir(), "runs")
	sessionRunID := time.Now().UTC().Format("20060102T150405Z") + "-" + e.project.ID[:8]
	jw, err := journal.Open(runsDir, sessionRunID)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jw.Close()
	metrics := journal.NewMetrics()

	runStateFile := state.NewFile[state.RunState](filepath.Join(e.stateDir(), "run-state.json"))
	rs, err := runStateFile.Load()
	if err != nil {
		return fmt.Errorf("load run state: %w", err)
	}
	if rs.FormulaStats == nil {
		rs = state.NewRunState()
	}

	deliveryMode := runner.DeliveryMode(e.cfg.DeliveryMode)
	if f.delivery != "" {
		deliveryMode = runner.DeliveryMode(f.delivery)
	}
	sessionScope := e.cfg.Scope
	if f.scope != "" {
		sessionScope = f.scope
	}

	arc := scheduler.DefaultSessionArc()
	sessionStart := time.Now()
	expectedDuration := time.Duration(f.maxCycles) * f.interval
	if f.maxCycles <= 0 {
		expectedDuration = 0 // unknown horizon: PhaseFor degrades to PhaseDeep
	}

	idle := scheduler.IdleTracker{MaxIdleCycles: e.cfg.MaxIdleCycles}
	barrenCyclesInRow := 0
	deepLastRanCycles := 1000
	var guidelines string

	trajFile := state.NewFile[state.TrajectoryState](filepath.Join(e.stateDir(), "trajectory-state.json"))
	traj, err := trajFile.Load()
	if err != nil {
		return fmt.Errorf("load trajectory state: %w", err)
	}

	_ = jw.Emit("session", journal.SessionStart, map[string]any{"scope": sessionScope, "formula": f.formula})

	runCycle := func(ctx context.Context, cycle int) error {
		phase := arc.PhaseFor(time.Since(sessionStart), expectedDuration)
		metrics.SetPhase(string(phase))

		// C9 trajectory overlay: when a trajectory is active and not paused,
		// the current step gates ticket selection instead of free scout
		// proposals, per spec.md §4.8 step 12.
		if traj.TrajectoryName != "" && !traj.Paused && traj.CurrentStepID != "" {
			completed, err := runTrajectoryCycle(ctrl, e, &traj, jw, metrics, runsDir, f, deliveryMode)
			if err != nil {
				e.logger.Error("trajectory cycle failed", "trajectory", traj.TrajectoryName, "err", err)
			}
			if serr := trajFile.Save(traj); serr != nil {
				return serr
			}
			rs.CycleCount = cycle
			metrics.CyclesCompleted.Inc()
			return idleCheckAndSave(&idle, completed, runStateFile, &rs)
		}

		if e.cfg.PullEveryNCycles > 0 && cycle%e.cfg.PullEveryNCycles == 0 {
			if err := e.git.PullFastForward(ctx); err != nil {
				e.logger.Warn("pull failed", "err", err)
				if e.cfg.PullPolicy == "halt" {
					return fmt.Errorf("pull --ff-only failed and pullPolicy=halt: %w", err)
				}
			}
		}

		if err := refreshIndex(ctx, e, cycle); err != nil {
			e.logger.Warn("index refresh failed", "err", err)
		}
		runGC(ctx, e, runsDir, cycle)

		if e.cfg.GuidelinesRefreshCycles > 0 && cycle%e.cfg.GuidelinesRefreshCycles == 0 {
			if g, err := agent.LoadGuidelines(e.repoRoot, e.appDir); err != nil {
				e.logger.Warn("guidelines refresh failed", "err", err)
			} else {
				guidelines = g
			}
		}

		prodFiles, _ := countProductionFiles(e.repoRoot)
		chosen := f.formula
		if chosen == "" {
			chosen = scheduler.SelectFormula(scheduler.FormulaSelectionInput{
				Phase:              phase,
				Cycle:              cycle,
				DeepLastRanCycles:  deepLastRanCycles,
				ProductionFiles:    prodFiles,
				DocsAuditInterval:  e.cfg.DocsAuditInterval,
				BarrenCyclesInRow:  barrenCyclesInRow,
				LastDocsAuditCycle: rs.DocsAuditLastCycle,
				Candidates:         ucb1Candidates(rs, cycle, prodFiles),
			})
		}
		if chosen == "" {
			e.logger.Info("cycle", "n", cycle, "phase", phase, "formula", "<none>")
			return nil
		}
		if chosen == "deep" {
			deepLastRanCycles = 0
		} else {
			deepLastRanCycles++
		}

		selection := scheduler.ResolveCategories(f.allow, nil, safeCategorySet, fullCategorySet, f.allowFullSet, f.tests, f.block)

		proposals, err := scoutCycle(ctx, e, chosen, selection, sessionScope, rs.CycleCount, guidelines)
		if err != nil {
			e.logger.Error("scout failed", "err", err)
			_ = jw.Emit(chosen, journal.ScoutOutput, map[string]any{"error": err.Error()})
			return nil
		}
		_ = jw.Emit(chosen, journal.ScoutOutput, map[string]any{"count": len(proposals)})

		existing, err := existingTicketSnapshot(ctx, e)
		if err != nil {
			return err
		}

		pipelineCfg := proposal.Config{
			Scope:          sessionScope,
			AllowedCategories: toSet(selection.Allow),
			MinConfidence:  0,
			MaxProposals:   10,
			MaxTestShare:   0.4,
			GraphBoost:     graphBoostFunc(e),
		}
		deferred := reDeferrableProposals(rs, sessionScope)
		result := proposal.Run(ctx, proposals, deferred, existing, pipelineCfg)

		_ = jw.Emit(chosen, journal.ProposalsFiltered, map[string]any{
			"accepted_count": len(result.Accepted),
			"rejected_count": len(result.Rejected),
			"deferred_count": len(result.Deferred),
		})
		recordDedupMemory(ctx, e, result)
		rs.DeferredProposals = nil
		for _, d := range result.Deferred {
			rs.PushDeferred(state.DeferredProposal{
				Title: d.Title, Files: d.Files, Confidence: d.Confidence,
				OriginalScope: sessionScope, DeferredAt: cycle,
			})
		}

		if len(result.Accepted) == 0 {
			barrenCyclesInRow++
		} else {
			barrenCyclesInRow = 0
		}
		if chosen == "docs-audit" {
			rs.DocsAuditLastCycle = cycle
		}

		if f.dryRun || len(result.Accepted) == 0 {
			rs.CycleCount = cycle
			metrics.CyclesCompleted.Inc()
			return idleCheckAndSave(&idle, 0, runStateFile, &rs)
		}

		tickets, err := proposal.Materialize(ctx, e.store, e.project.ID, result.Accepted)
		if err != nil {
			return fmt.Errorf("materialize tickets: %w", err)
		}
		_ = jw.Emit(chosen, journal.TicketsCreated, map[string]any{"count": len(tickets)})
		for i := range tickets {
			_ = e.store.UpdateStatus(ctx, tickets[i].ID, model.TicketReady)
		}

		completed := dispatchWaves(ctrl, e, tickets, f, deliveryMode, jw, metrics, runsDir)

		rs.CycleCount = cycle
		stats := rs.FormulaStats[chosen]
		stats.Cycles++
		stats.RecentCycles++
		stats.ProposalsGenerated += len(proposals)
		stats.RecentTicketsTotal += len(tickets)
		stats.RecentTicketsSucceeded += completed
		stats.LastRanAt = time.Now()
		rs.FormulaStats[chosen] = stats
		metrics.CyclesCompleted.Inc()

		return idleCheckAndSave(&idle, completed, runStateFile, &rs)
	}

	runCtx, stopLoop := context.WithCancel(ctrl.Context())
	wrapped := func(ctx context.Context, cycle int) error {
		err := runCycle(ctx, cycle)
		if idle.ConsecutiveIdleCycles >= idle.MaxIdleCycles && idle.MaxIdleCycles > 0 {
			e.logger.Info("stopping: idle cycle limit reached", "cycles", idle.ConsecutiveIdleCycles)
			stopLoop()
		}
		return err
	}
	scheduler.Run(runCtx, f.interval, func(cycle int, err error) {
		e.logger.Error("cycle error", "cycle", cycle, "err", err)
	}, boundedCycleRunner(f.maxCycles, stopLoop, wrapped))
	stopLoop()

	_ = jw.Emit("session", journal.SessionEnd, map[string]any{"reason": cancelReason(ctrl)})
	if ctrl.Triggered() {
		os.Exit(procsignal.ExitCodeInterrupted)
	}
	return nil
}

func cancelReason(ctrl *procsignal.Controller) string {
	if r := ctrl.Reason(); r != "" {
		return r
	}
	return "completed"
}

// boundedCycleRunner wraps runCycle so the loop self-cancels once maxCycles
// have run (0 means unbounded); scheduler.Run itself has no cycle cap.
func boundedCycleRunner(maxCycles int, stopLoop context.CancelFunc, inner scheduler.CycleRunner) scheduler.CycleRunner {
	if maxCycles <= 0 {
		return inner
	}
	return func(ctx context.Context, cycle int) error {
		if cycle >= maxCycles {
			defer stopLoop()
			return inner(ctx, cycle)
		}
		return inner(ctx, cycle)
	}
}

func idleCheckAndSave(idle *scheduler.IdleTracker, completed int, f *state.File[state.RunState], rs *state.RunState) error {
	idle.Observe(completed)
	return f.Save(*rs)
}

func ucb1Candidates(rs state.RunState, cycle int, prodFiles int) []scheduler.FormulaOutcomeStats {
	names := make([]string, 0, len(rs.FormulaStats))
	for name := range rs.FormulaStats {
		names = append(names, name)
	}
	if len(names) == 0 {
		names = []string{"default", "deep"}
	}
	sort.Strings(names)

	out := make([]scheduler.FormulaOutcomeStats, 0, len(names))
	for _, name := range names {
		st := rs.FormulaStats[name]
		out = append(out, scheduler.FormulaOutcomeStats{
			Name:            name,
			RecentSuccesses: st.RecentTicketsSucceeded,
			RecentFailures:  st.RecentTicketsTotal - st.RecentTicketsSucceeded,
			RecentCycles:    maxInt(st.RecentCycles, 1),
			ProductionFiles: prodFiles,
		})
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func toSet(list []string) map[string]bool {
	if list == nil {
		return nil
	}
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}

// scoutCycle invokes the coding-agent subprocess as the scout oracle, with
// a single escalation retry on an empty result, per spec.md §4.8 step 9.
func scoutCycle(ctx context.Context, e *env, formula string, selection scheduler.CategorySelection, sessionScope string, cycle int, guidelines string) ([]model.Proposal, error) {
	data := agent.ScoutPromptData{
		FormulaName:   formula,
		Categories:    selection.Allow,
		MinConfidence: 60,
		Scope:         sessionScope,
		Guidelines:    guidelines,
	}
	proposals, err := e.spawner.InvokeScout(ctx, data, e.repoRoot, 0)
	if err != nil {
		return nil, err
	}
	if len(proposals) > 0 {
		return proposals, nil
	}

	data.Escalation = true
	data.UnexploredModules = unexploredModules(ctx, e, 15)
	return e.spawner.InvokeScout(ctx, data, e.repoRoot, 0)
}

// runTrajectoryCycle materializes and runs one ticket for the trajectory's
// current active step, applies the measurement gate when configured, and
// advances or records a failure against the step, per spec.md §4.9. Returns
// 1 if the step's ticket reached done/in_review this cycle, else 0.
func runTrajectoryCycle(ctrl *procsignal.Controller, e *env, ts *state.TrajectoryState, jw *journal.Writer, metrics *journal.Metrics, runsDir string, f runFlags, deliveryMode runner.DeliveryMode) (int, error) {
	ctx := ctrl.Context()
	steps, _, err := readTrajectoryFile(e, ts.TrajectoryName)
	if err != nil {
		return 0, fmt.Errorf("load trajectory %s: %w", ts.TrajectoryName, err)
	}

	var step *model.TrajectoryStep
	for i := range steps {
		if steps[i].ID == ts.CurrentStepID {
			step = &steps[i]
			break
		}
	}
	if step == nil {
		err = fmt.Errorf("active step %s not found in trajectory %s", ts.CurrentStepID, ts.TrajectoryName)
		ts.CurrentStepID = ""
		return 0, err
	}

	category := "refactor"
	if len(step.Categories) > 0 {
		category = step.Categories[0]
	}
	allowedPaths := []string{"**"}
	if step.Scope != "" {
		allowedPaths = []string{step.Scope}
	}

	t := model.Ticket{
		ProjectID:            e.project.ID,
		Title:                step.Title,
		Description:          step.Description,
		Status:               model.TicketBacklog,
		Priority:             100,
		Category:             category,
		AllowedPaths:         allowedPaths,
		VerificationCommands: step.VerificationCommands,
		MaxRetries:           step.MaxRetries,
		Metadata: map[string]any{
			"trajectoryStep":     step.ID,
			"acceptanceCriteria": step.AcceptanceCriteria,
		},
	}
	if err := e.store.CreateTicket(ctx, &t); err != nil {
		return 0, fmt.Errorf("materialize trajectory step ticket: %w", err)
	}
	_ = jw.Emit("trajectory", journal.TicketsCreated, map[string]any{"trajectory": ts.TrajectoryName, "step": step.ID, "ticket_id": t.ID})
	if err := e.store.UpdateStatus(ctx, t.ID, model.TicketReady); err != nil {
		return 0, err
	}

	outcome, err := runner.RunTicket(ctx, runnerDeps(e), runner.Options{
		Ticket:        &t,
		ProjectID:     e.project.ID,
		RepoRoot:      e.repoRoot,
		AllowedRemote: e.project.AllowedRemote,
		CreatePR:      f.createPR,
		Force:         f.force,
		DeliveryMode:  deliveryMode,
		DirectBranch:  e.cfg.DirectBranch,
		TimeoutMs:     int(20 * time.Minute / time.Millisecond),
		QaConfig:      qaConfigFromTicket(&t),
		ArtifactsDir:  runsDir,
		Signal:        ctrl.Done(),
	})
	if err != nil {
		return 0, err
	}

	succeeded := outcome.FinalStatus == model.TicketDone || outcome.FinalStatus == model.TicketInReview
	if succeeded && step.Measure != nil {
		met, _, merr := trajectory.MeasurementGate(step.Measure)
		if merr != nil || !met {
			succeeded = false
			if merr != nil {
				outcome.FailureReason = merr.Error()
			} else {
				outcome.FailureReason = "measurement target not met"
			}
		}
	}

	if succeeded {
		trajectory.AdvanceOnSuccess(steps, ts)
		_ = jw.Emit("trajectory", journal.TicketCompleted, map[string]any{"trajectory": ts.TrajectoryName, "step": step.ID})
		metrics.TicketsCompleted.Inc()
		return 1, nil
	}

	exceeded := trajectory.RecordFailure(ts, step.ID, outcome.FailureReason, step.MaxRetries)
	metrics.TicketsFailed.Inc()
	_ = jw.Emit("trajectory", journal.TicketFailed, map[string]any{"trajectory": ts.TrajectoryName, "step": step.ID, "reason": outcome.FailureReason})
	if exceeded {
		// Policy (b) from spec.md §4.9: skipStep advances past a stuck step
		// rather than halting the whole trajectory, keeping the session
		// self-healing; see DESIGN.md's Open Question decisions.
		trajectory.MarkStepFailed(ts, step.ID)
		trajectory.SkipStep(steps, ts, step.ID)
	}
	return 0, nil
}

// readTrajectoryFile loads and parses "<appdir>/trajectories/<name>.yaml"
// (falling back to ".yml"), per spec.md §6's Trajectory YAML layout.
func readTrajectoryFile(e *env, name string) ([]model.TrajectoryStep, string, error) {
	if err := config.ValidateFilename(name); err != nil {
		return nil, "", err
	}
	base := filepath.Join(e.stateDir(), "trajectories", name)
	for _, ext := range []string{".yaml", ".yml"} {
		src, err := os.ReadFile(base + ext) // #nosec G304 -- name is validated by config.ValidateFilename above
		if err != nil {
			continue
		}
		return trajectory.LoadFromYAML(name, string(src))
	}
	return nil, "", fmt.Errorf("no trajectory file found for %q under %s", name, filepath.Join(e.stateDir(), "trajectories"))
}

// runGC drives spec.md §4.8 step 4's retention pass: prune old run folders,
// age out artifacts, and delete stale ticket branches, every
// GCEveryNCycles cycles.
func runGC(ctx context.Context, e *env, runsDir string, cycle int) {
	if e.cfg.GCEveryNCycles <= 0 || cycle%e.cfg.GCEveryNCycles != 0 {
		return
	}
	rcfg := scheduler.RetentionConfig{
		MaxRunFolders:      e.cfg.MaxRunFolders,
		MaxArtifactFiles:   e.cfg.MaxArtifactFiles,
		MaxArtifactAgeDays: e.cfg.MaxArtifactAgeDays,
		MaxStaleBranchDays: e.cfg.MaxStaleBranchDays,
	}
	if removed, err := scheduler.PruneRunFolders(runsDir, rcfg); err != nil {
		e.logger.Warn("gc: prune run folders failed", "err", err)
	} else if len(removed) > 0 {
		e.logger.Info("gc: pruned run folders", "count", len(removed))
	}
	if removed, err := scheduler.PruneArtifactsByAge(runsDir, rcfg); err != nil {
		e.logger.Warn("gc: prune artifacts failed", "err", err)
	} else if len(removed) > 0 {
		e.logger.Info("gc: pruned artifacts", "count", len(removed))
	}

	times, err := e.git.BranchCommitTimes(ctx)
	if err != nil {
		e.logger.Warn("gc: list branch times failed", "err", err)
		return
	}
	stale := scheduler.PruneStaleBranches(times, e.appDir+"/", rcfg)
	for _, b := range stale {
		if err := e.git.DeleteBranch(ctx, b); err != nil {
			e.logger.Warn("gc: delete stale branch failed", "branch", b, "err", err)
		}
	}
	if len(stale) > 0 {
		e.logger.Info("gc: deleted stale branches", "count", len(stale))
	}
}

// refreshIndex drives C11: a full walk on the session's first cycle, then
// fsnotify-driven incremental rescans on every subsequent cycle, per the
// control-flow note in spec.md §2 ("Each cycle: C11 refreshes → C2 invokes
// scout").
func refreshIndex(ctx context.Context, e *env, cycle int) error {
	if e.scanner == nil {
		return nil
	}
	if cycle <= 1 {
		return e.scanner.FullScan(ctx)
	}
	return e.scanner.Refresh(ctx)
}

func unexploredModules(ctx context.Context, e *env, n int) []string {
	hotspots, err := e.indexDB.TopHotspots(ctx, n)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(hotspots))
	for _, h := range hotspots {
		out = append(out, h.Path)
	}
	return out
}

func existingTicketSnapshot(ctx context.Context, e *env) ([]proposal.ExistingTicket, error) {
	statuses := []model.TicketStatus{model.TicketReady, model.TicketInProgress, model.TicketDone}
	tickets, err := e.store.TicketsByStatus(ctx, e.project.ID, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]proposal.ExistingTicket, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, proposal.ExistingTicket{Title: t.Title, Status: t.Status, UpdatedAt: t.UpdatedAt})
	}
	return out, nil
}

func recordDedupMemory(ctx context.Context, e *env, result proposal.Result) {
	for _, p := range result.Accepted {
		_ = e.store.RecordDedup(ctx, p.Title, "completed")
	}
	for _, r := range result.Rejected {
		if strings.HasPrefix(r.Reason, "duplicate") {
			_ = e.store.RecordDedup(ctx, r.Proposal.Title, "attempted")
		}
	}
}

// reDeferrableProposals re-promotes deferred proposals only when the
// current scope strictly contains the proposal's originally-recorded
// files, per the Open Question decision recorded in DESIGN.md.
func reDeferrableProposals(rs state.RunState, currentScope string) []model.Proposal {
	var out []model.Proposal
	for _, d := range rs.DeferredProposals {
		if !allFilesInScope(d.Files, currentScope) {
			continue
		}
		out = append(out, model.Proposal{
			Title: d.Title, Files: d.Files, Confidence: d.Confidence,
			Category: "docs", AllowedPaths: d.Files,
			VerificationCommands: []string{"true"}, AcceptanceCriteria: []string{"n/a"},
			Description: "re-promoted deferred proposal", Rationale: "re-promoted",
			EstimatedComplexity: "small",
		})
	}
	return out
}

func allFilesInScope(files []string, sessionScope string) bool {
	if sessionScope == "" || sessionScope == "**" || sessionScope == "*" {
		return true
	}
	for _, f := range files {
		if !scope.GlobMatch(sessionScope, scope.Normalize(f)) {
			return false
		}
	}
	return true
}

// dispatchWaves partitions accepted tickets into conflict-free waves (C4)
// and runs each wave's tickets in parallel, bounded by ScoutConcurrency,
// returning the count that reached done/in_review.
func dispatchWaves(ctrl *procsignal.Controller, e *env, tickets []model.Ticket, f runFlags, deliveryMode runner.DeliveryMode, jw *journal.Writer, metrics *journal.Metrics, runsDir string) int {
	candidates := make([]wave.Candidate, len(tickets))
	for i, t := range tickets {
		candidates[i] = wave.Candidate{ID: t.ID, Files: t.AllowedPaths, Category: t.Category}
	}
	waves := wave.Partition(candidates, wave.Normal, nil)

	byID := make(map[string]*model.Ticket, len(tickets))
	for i := range tickets {
		byID[tickets[i].ID] = &tickets[i]
	}

	completed := 0
	concurrency := e.cfg.ScoutConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	for _, w := range waves {
		if ctrl.Triggered() {
			break
		}
		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, c := range w {
			t := byID[c.ID]
			if t == nil {
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(t *model.Ticket) {
				defer wg.Done()
				defer func() { <-sem }()

				_ = jw.Emit("ticket", journal.TicketAssigned, map[string]any{"ticket_id": t.ID})
				outcome, err := runner.RunTicket(ctrl.Context(), runnerDeps(e), runner.Options{
					Ticket:        t,
					ProjectID:     e.project.ID,
					RepoRoot:      e.repoRoot,
					AllowedRemote: e.project.AllowedRemote,
					CreatePR:      f.createPR,
					Force:         f.force,
					DeliveryMode:  deliveryMode,
					DirectBranch:  e.cfg.DirectBranch,
					TimeoutMs:     int(20 * time.Minute / time.Millisecond),
					QaConfig:      qaConfigFromTicket(t),
					ArtifactsDir:  runsDir,
					Signal:        ctrl.Done(),
				})
				if err != nil {
					e.logger.Error("ticket run error", "ticket", t.ID, "err", err)
					_ = jw.Emit("ticket", journal.TicketFailed, map[string]any{"ticket_id": t.ID, "error": err.Error()})
					return
				}
				mu.Lock()
				if outcome.FinalStatus == model.TicketDone || outcome.FinalStatus == model.TicketInReview {
					completed++
					metrics.TicketsCompleted.Inc()
					_ = jw.Emit("ticket", journal.TicketCompleted, map[string]any{"ticket_id": t.ID, "status": string(outcome.FinalStatus)})
					if e.indexDB != nil {
						_ = index.RecordDelivery(ctrl.Context(), e.indexDB, t.AllowedPaths, time.Now())
					}
				} else {
					metrics.TicketsFailed.Inc()
					_ = jw.Emit("ticket", journal.TicketFailed, map[string]any{"ticket_id": t.ID, "reason": outcome.FailureReason})
				}
				mu.Unlock()
			}(t)
		}
		wg.Wait()
	}
	return completed
}

// countProductionFiles walks repoRoot counting non-test, non-vendor source
// files, feeding the "deep" formula's hard-guarantee and UCB1-refusal
// thresholds (spec.md §4.8 step 5).
func countProductionFiles(repoRoot string) (int, error) {
	n := 0
	err := filepath.Walk(repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == ".git" || base == "node_modules" || base == "vendor" || strings.HasPrefix(base, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		name := info.Name()
		if strings.Contains(name, "_test.") || strings.Contains(name, ".test.") {
			return nil
		}
		switch filepath.Ext(name) {
		case ".go", ".ts", ".tsx", ".js", ".jsx", ".py", ".rb", ".java", ".rs":
			n++
		}
		return nil
	})
	return n, err
}
