package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/wave"
)

// Driver wraps git CLI invocations for a single repository, serializing
// main-repo mutations through a Mutex. Adapted from the teacher's
// git.WorktreeManager.
type Driver struct {
	RepoRoot   string
	AppDir     string // ".<appdir>" local-state directory name
	MainBranch string
	Mutex      *Mutex
	MutexTimeout time.Duration
}

// NewDriver returns a Driver rooted at repoRoot, with its git mutex backed
// by a flock file under "<repoRoot>/.<appdir>/git.lock".
func NewDriver(repoRoot, appDir, mainBranch string) *Driver {
	lockPath := filepath.Join(repoRoot, "."+appDir, "git.lock")
	return &Driver{
		RepoRoot:     repoRoot,
		AppDir:       appDir,
		MainBranch:   mainBranch,
		Mutex:        NewMutex(lockPath),
		MutexTimeout: 60 * time.Second,
	}
}

func (d *Driver) worktreesDir() string {
	return filepath.Join(d.RepoRoot, "."+d.AppDir, "worktrees")
}

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// CleanupWorktree best-effort force-removes a worktree if its path exists.
func (d *Driver) CleanupWorktree(ctx context.Context, path string) error {
	return WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		_, _ = d.run(ctx, d.RepoRoot, "worktree", "remove", "--force", path)
		return nil
	})
}

// CreateTicketWorktree creates a feature branch "<app>/<ticketID>" from a
// fresh origin/<base> and adds a worktree for it, under the mutex.
func (d *Driver) CreateTicketWorktree(ctx context.Context, ticketID string) (worktreePath, branch string, err error) {
	branch = fmt.Sprintf("%s/%s", d.AppDir, ticketID)
	worktreePath = filepath.Join(d.worktreesDir(), ticketID)

	err = WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		if _, err := d.run(ctx, d.RepoRoot, "fetch", "origin", d.MainBranch); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(worktreePath), 0o750); err != nil {
			return err
		}
		_, err := d.run(ctx, d.RepoRoot, "worktree", "add", "-b", branch, worktreePath, "origin/"+d.MainBranch)
		return err
	})
	return worktreePath, branch, err
}

// CreateMilestoneBranch creates "<app>/milestone-<ts>" from origin/<base>
// and adds a worktree under "_milestone", idempotently removing any prior
// milestone worktree first.
func (d *Driver) CreateMilestoneBranch(ctx context.Context) (branch, path string, err error) {
	milestonePath := filepath.Join(d.worktreesDir(), "_milestone")
	branch = fmt.Sprintf("%s/milestone-%d", d.AppDir, time.Now().Unix())

	err = WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		if _, statErr := os.Stat(milestonePath); statErr == nil {
			_, _ = d.run(ctx, d.RepoRoot, "worktree", "remove", "--force", milestonePath)
		}
		if _, err := d.run(ctx, d.RepoRoot, "fetch", "origin", d.MainBranch); err != nil {
			return err
		}
		_, err := d.run(ctx, d.RepoRoot, "worktree", "add", "-b", branch, milestonePath, "origin/"+d.MainBranch)
		return err
	})
	return branch, milestonePath, err
}

// MergeResult is the outcome of mergeTicketToMilestone.
type MergeResult struct {
	Success    bool
	Conflicted []string
	AIResolved bool
}

// ConflictResolver is invoked when a structural and rebase merge both fail;
// it must return new file contents keyed by path, derived from the
// conflict-marked content it is given.
type ConflictResolver func(ctx context.Context, conflictedFiles map[string]string) (map[string]string, error)

// MergeTicketToMilestone attempts --no-ff merge of ticketBranch into the
// milestone worktree; on failure, aborts, rebases the ticket branch onto
// milestone HEAD, and retries; on a second failure, invokes resolve (the
// AI conflict-resolution fallback) if non-nil.
func (d *Driver) MergeTicketToMilestone(ctx context.Context, ticketBranch, milestonePath string, resolve ConflictResolver) (MergeResult, error) {
	return d.mergeBranchInto(ctx, milestonePath, ticketBranch, resolve)
}

// ensureDirectBranch checks out the shared direct branch in the main repo
// working tree, creating it from a fresh origin/<base> if no local branch
// by that name exists yet.
func (d *Driver) ensureDirectBranch(ctx context.Context, directBranch string) error {
	if _, err := d.run(ctx, d.RepoRoot, "rev-parse", "--verify", "refs/heads/"+directBranch); err == nil {
		_, err := d.run(ctx, d.RepoRoot, "checkout", directBranch)
		return err
	}
	_, err := d.run(ctx, d.RepoRoot, "checkout", "-b", directBranch, "origin/"+d.MainBranch)
	return err
}

// CommitTicketToDirectBranch merges ticketBranch onto the shared direct
// branch (default "<app>") directly in the main repo's working tree, under
// the git mutex, per spec.md §4.6 step 8's direct delivery mode: the
// commit lands on the shared branch in the main repo, not a retained
// per-ticket branch, so the ticket branch is deleted once merged.
func (d *Driver) CommitTicketToDirectBranch(ctx context.Context, ticketBranch, directBranch string, resolve ConflictResolver) (MergeResult, error) {
	var result MergeResult
	err := WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		if _, err := d.run(ctx, d.RepoRoot, "fetch", "origin", d.MainBranch); err != nil {
			return err
		}
		if err := d.ensureDirectBranch(ctx, directBranch); err != nil {
			return err
		}
		res, err := d.mergeBranchInto(ctx, d.RepoRoot, ticketBranch, resolve)
		result = res
		if err != nil {
			return err
		}
		if res.Success {
			_, _ = d.run(ctx, d.RepoRoot, "branch", "-D", ticketBranch)
		}
		return nil
	})
	return result, err
}

// mergeBranchInto attempts --no-ff merge of ticketBranch into the checked
// out branch at dir; on failure, aborts, rebases the ticket branch onto
// dir's HEAD, and retries; on a second failure, attempts a structural
// symbol-range merge, then falls back to resolve (the AI conflict-
// resolution fallback) if non-nil.
func (d *Driver) mergeBranchInto(ctx context.Context, dir, ticketBranch string, resolve ConflictResolver) (MergeResult, error) {
	out, err := d.run(ctx, dir, "merge", "--no-ff", ticketBranch, "-m", "merge "+ticketBranch)
	if err == nil {
		return MergeResult{Success: true}, nil
	}
	_, _ = d.run(ctx, dir, "merge", "--abort")
	_ = out

	if _, rerr := d.run(ctx, d.RepoRoot, "worktree", "list"); rerr == nil {
		// attempt rebase in the ticket's own worktree, then re-merge
		if _, rerr := d.run(ctx, dir, "rebase", ticketBranch); rerr == nil {
			if _, merr := d.run(ctx, dir, "merge", "--no-ff", ticketBranch, "-m", "merge "+ticketBranch); merr == nil {
				return MergeResult{Success: true}, nil
			}
			_, _ = d.run(ctx, dir, "merge", "--abort")
		} else {
			_, _ = d.run(ctx, dir, "rebase", "--abort")
		}
	}

	// re-run the merge and leave its conflicts in the working tree for the
	// structural and AI resolvers below
	if _, merr := d.run(ctx, dir, "merge", "--no-ff", ticketBranch, "-m", "merge "+ticketBranch); merr == nil {
		return MergeResult{Success: true}, nil
	}
	conflicted, err := d.conflictedFiles(ctx, dir)
	if err != nil || len(conflicted) == 0 {
		return MergeResult{Success: false}, fmt.Errorf("merge failed and no conflicted files detected: %w", err)
	}

	resolved, structural, err := d.tryStructuralResolve(ctx, dir, conflicted)
	if err != nil {
		_, _ = d.run(ctx, dir, "merge", "--abort")
		return MergeResult{Success: false, Conflicted: conflicted}, err
	}
	if structural {
		for _, f := range conflicted {
			if err := os.WriteFile(filepath.Join(dir, f), []byte(resolved[f]), 0o644); err != nil {
				_, _ = d.run(ctx, dir, "merge", "--abort")
				return MergeResult{Success: false, Conflicted: conflicted}, err
			}
			if _, err := d.run(ctx, dir, "add", f); err != nil {
				_, _ = d.run(ctx, dir, "merge", "--abort")
				return MergeResult{Success: false, Conflicted: conflicted}, err
			}
		}
		if _, err := d.run(ctx, dir, "commit", "--no-edit"); err != nil {
			_, _ = d.run(ctx, dir, "merge", "--abort")
			return MergeResult{Success: false, Conflicted: conflicted}, err
		}
		return MergeResult{Success: true, Conflicted: conflicted}, nil
	}

	if resolve == nil {
		return MergeResult{Success: false, Conflicted: conflicted}, nil
	}

	contents := map[string]string{}
	for _, f := range conflicted {
		b, _ := os.ReadFile(filepath.Join(dir, f))
		contents[f] = string(b)
	}
	resolved, err = resolve(ctx, contents)
	if err != nil {
		_, _ = d.run(ctx, dir, "merge", "--abort")
		return MergeResult{Success: false, Conflicted: conflicted}, err
	}
	for _, f := range conflicted {
		body, ok := resolved[f]
		if !ok || strings.Contains(body, "<<<<<<<") || strings.Contains(body, ">>>>>>>") {
			_, _ = d.run(ctx, dir, "merge", "--abort")
			return MergeResult{Success: false, Conflicted: conflicted}, fmt.Errorf("AI resolution incomplete for %s", f)
		}
		if err := os.WriteFile(filepath.Join(dir, f), []byte(body), 0o644); err != nil {
			_, _ = d.run(ctx, dir, "merge", "--abort")
			return MergeResult{Success: false, Conflicted: conflicted}, err
		}
		if _, err := d.run(ctx, dir, "add", f); err != nil {
			_, _ = d.run(ctx, dir, "merge", "--abort")
			return MergeResult{Success: false, Conflicted: conflicted}, err
		}
	}
	if _, err := d.run(ctx, dir, "commit", "--no-edit"); err != nil {
		_, _ = d.run(ctx, dir, "merge", "--abort")
		return MergeResult{Success: false, Conflicted: conflicted}, err
	}
	return MergeResult{Success: true, Conflicted: conflicted, AIResolved: true}, nil
}

// tryStructuralResolve attempts gitdriver.StructuralResolve on every
// conflicted Go file using each side's index stage content (":1" base,
// ":2" ours, ":3" theirs). Returns ok=true only if every conflicted file
// resolved structurally; a single non-Go file or misaligned symbol set
// falls the whole merge back to the AI resolver.
func (d *Driver) tryStructuralResolve(ctx context.Context, dir string, conflicted []string) (map[string]string, bool, error) {
	resolved := map[string]string{}
	for _, f := range conflicted {
		if !strings.HasSuffix(f, ".go") {
			return nil, false, nil
		}
		base, err := d.run(ctx, dir, "show", ":1:"+f)
		if err != nil {
			return nil, false, nil
		}
		ours, err := d.run(ctx, dir, "show", ":2:"+f)
		if err != nil {
			return nil, false, nil
		}
		theirs, err := d.run(ctx, dir, "show", ":3:"+f)
		if err != nil {
			return nil, false, nil
		}

		baseB, oursB, theirsB := []byte(base), []byte(ours), []byte(theirs)
		baseSyms := wave.ExtractGoSymbols(ctx, baseB)
		oursSyms := wave.ExtractGoSymbols(ctx, oursB)
		theirsSyms := wave.ExtractGoSymbols(ctx, theirsB)
		if baseSyms == nil || oursSyms == nil || theirsSyms == nil {
			return nil, false, nil
		}

		merged, ok := StructuralResolve(baseB, oursB, theirsB, baseSyms, oursSyms, theirsSyms)
		if !ok {
			return nil, false, nil
		}
		resolved[f] = string(merged)
	}
	return resolved, true, nil
}

func (d *Driver) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := d.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// PullFastForward runs "git pull --ff-only origin <base>" in the main repo
// under the git mutex, per spec.md §4.8 step 2's pull cadence.
func (d *Driver) PullFastForward(ctx context.Context) error {
	return WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		_, err := d.run(ctx, d.RepoRoot, "pull", "--ff-only", "origin", d.MainBranch)
		return err
	})
}

// BranchCommitTimes lists local branches and their tip commit times, for
// scheduler.PruneStaleBranches to decide which "<app>/tkt_*" branches are
// stale.
func (d *Driver) BranchCommitTimes(ctx context.Context) (map[string]time.Time, error) {
	out, err := d.run(ctx, d.RepoRoot, "for-each-ref", "--format=%(refname:short) %(committerdate:iso-strict)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	times := map[string]time.Time{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		t, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			continue
		}
		times[parts[0]] = t
	}
	return times, nil
}

// DeleteBranch force-deletes a local branch under the git mutex.
func (d *Driver) DeleteBranch(ctx context.Context, name string) error {
	return WithMutex(ctx, d.Mutex, d.MutexTimeout, func(ctx context.Context) error {
		_, err := d.run(ctx, d.RepoRoot, "branch", "-D", name)
		return err
	})
}

var urlRE = regexp.MustCompile(`https?://\S+`)

// PushAndPRMilestone pushes branch and invokes the host PR CLI in draft
// mode, returning the created (or existing) PR URL.
func (d *Driver) PushAndPRMilestone(ctx context.Context, prTool, branch, title, body string) (string, error) {
	if _, err := d.run(ctx, d.RepoRoot, "push", "-u", "origin", branch); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, prTool, "pr", "create", "--title", title, "--body", body, "--head", branch, "--draft")
	cmd.Dir = d.RepoRoot
	out, err := cmd.Output()
	if err != nil {
		viewCmd := exec.CommandContext(ctx, prTool, "pr", "view", branch, "--json", "url", "--jq", ".url")
		viewCmd.Dir = d.RepoRoot
		viewOut, verr := viewCmd.Output()
		if verr != nil {
			return "", err
		}
		return strings.TrimSpace(string(viewOut)), nil
	}
	if m := urlRE.Find(out); m != nil {
		return string(m), nil
	}
	return "", fmt.Errorf("PR CLI produced no URL")
}
