package scheduler

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// RetentionConfig bounds what the GC pass prunes per spec.md §4.8 step 4.
type RetentionConfig struct {
	MaxRunFolders       int
	MaxHistoryLines     int
	MaxArtifactFiles    int
	MaxArtifactAgeDays  int
	MaxBufferArchives   int
	MaxCompletedTickets int
	MaxStaleBranchDays  int
	MaxTuiLogBytes      int64
}

// pruneOldestDirs removes the oldest subdirectories of dir beyond keep,
// ranked by modification time, returning the removed names.
func pruneOldestDirs(dir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type named struct {
		name    string
		modTime time.Time
	}
	var dirs []named
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, named{e.Name(), info.ModTime()})
	}
	if len(dirs) <= keep {
		return nil, nil
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.Before(dirs[j].modTime) })

	var removed []string
	for _, d := range dirs[:len(dirs)-keep] {
		if err := os.RemoveAll(filepath.Join(dir, d.name)); err == nil {
			removed = append(removed, d.name)
		}
	}
	return removed, nil
}

// PruneRunFolders removes the oldest "<runsDir>/<runId>/" folders beyond
// MaxRunFolders.
func PruneRunFolders(runsDir string, cfg RetentionConfig) ([]string, error) {
	if cfg.MaxRunFolders <= 0 {
		return nil, nil
	}
	return pruneOldestDirs(runsDir, cfg.MaxRunFolders)
}

// PruneArtifactsByAge removes files under artifactsDir older than
// MaxArtifactAgeDays, and/or beyond MaxArtifactFiles by age, oldest first.
func PruneArtifactsByAge(artifactsDir string, cfg RetentionConfig) ([]string, error) {
	entries, err := os.ReadDir(artifactsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type named struct {
		path    string
		modTime time.Time
	}
	var files []named
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, named{filepath.Join(artifactsDir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	var removed []string
	cutoff := time.Now().AddDate(0, 0, -cfg.MaxArtifactAgeDays)
	for i, f := range files {
		tooOld := cfg.MaxArtifactAgeDays > 0 && f.modTime.Before(cutoff)
		tooMany := cfg.MaxArtifactFiles > 0 && i < len(files)-cfg.MaxArtifactFiles
		if tooOld || tooMany {
			if err := os.Remove(f.path); err == nil {
				removed = append(removed, f.path)
			}
		}
	}
	return removed, nil
}

// PruneStaleBranches lists (for the caller to actually `git branch -D`)
// local "<app>/tkt_*" branches whose last commit is older than
// MaxStaleBranchDays, via a supplied lookup of branch name to last-commit
// time — kept decoupled from gitdriver so this package stays git-agnostic.
func PruneStaleBranches(branchTimes map[string]time.Time, appPrefix string, cfg RetentionConfig) []string {
	if cfg.MaxStaleBranchDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.MaxStaleBranchDays)
	var stale []string
	for name, t := range branchTimes {
		if len(name) >= len(appPrefix) && name[:len(appPrefix)] == appPrefix && t.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}

// TruncateTuiLog truncates path to its tail MaxTuiLogBytes when it exceeds
// that size.
func TruncateTuiLog(path string, cfg RetentionConfig) error {
	if cfg.MaxTuiLogBytes <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() <= cfg.MaxTuiLogBytes {
		return nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- internally managed log path
	if err != nil {
		return err
	}
	tail := data[int64(len(data))-cfg.MaxTuiLogBytes:]
	return os.WriteFile(path, tail, 0o644)
}
