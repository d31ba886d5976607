// Package worktree manages isolated git working copies for agents.
//
// Each agent gets one physically separate worktree checked out onto its own
// branch. Like session closure, worktree removal is blocked by default on any
// detected mess: leftover scratch files, uncommitted changes, or oversized
// files. The in-memory index is a cache over git's own worktree table and is
// reconciled against `git worktree list` before destructive operations.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"harness/pkg/config"
	"harness/pkg/logx"
	"harness/pkg/metrics"
)

// Scratch file patterns that block worktree removal.
//
//nolint:gochecknoglobals // static pattern set
var scratchPatterns = []string{
	"*.tmp",
	"*.temp",
	"*_scratch.*",
	"debug_*",
	"test_temp_*",
	"WIP_*",
	"*.notes",
}

// ErrWorktreeNotFound is returned when removal is requested for an agent
// that has no worktree in git's listing.
var ErrWorktreeNotFound = errors.New("worktree not found")

// CleanupError is raised when worktree removal is blocked by leftover mess.
type CleanupError struct {
	AgentID    string
	Violations []string
}

func (e *CleanupError) Error() string {
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, "  - "+v)
	}
	return fmt.Sprintf("worktree cleanup incomplete for %s:\n%s", e.AgentID, strings.Join(lines, "\n"))
}

// Record tracks one worktree created by this manager.
type Record struct {
	Path      string
	Branch    string
	CreatedAt time.Time
}

// Info is one entry from git's authoritative worktree listing.
type Info struct {
	Path   string
	Branch string
	Head   string
}

// Manager creates and removes agent worktrees for one repository.
type Manager struct {
	repoPath    string
	maxFileSize int64
	maxAge      time.Duration
	active      map[string]*Record
	mu          sync.Mutex
	logger      *logx.Logger
}

// NewManager creates a worktree manager for the repository at repoPath.
// The path is anchored to absolute form so worktree paths handed to git and
// compared against its listings do not depend on the process working
// directory.
func NewManager(repoPath string) *Manager {
	cfg := config.Get()
	if abs, err := filepath.Abs(repoPath); err == nil {
		repoPath = abs
	}
	return &Manager{
		repoPath:    repoPath,
		maxFileSize: cfg.Worktree.MaxFileSize,
		maxAge:      time.Duration(cfg.Worktree.MaxAge),
		active:      make(map[string]*Record),
		logger:      logx.NewLogger("worktree"),
	}
}

// Create makes an isolated worktree for the agent on a fresh branch derived
// from the agent id plus a random suffix, and returns its path.
func (m *Manager) Create(ctx context.Context, agentID, baseBranch string) (string, error) {
	if baseBranch == "" {
		baseBranch = "main"
	}

	branch := fmt.Sprintf("agent/%s/%s", agentID, uuid.New().String()[:8])
	path := filepath.Join(filepath.Dir(m.repoPath), "worktree-"+agentID)

	if err := m.git(ctx, m.repoPath, "worktree", "add", path, "-b", branch, baseBranch); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.active[agentID] = &Record{Path: path, Branch: branch, CreatedAt: time.Now()}
	m.mu.Unlock()

	metrics.Worktrees.WithLabelValues("created").Inc()
	m.logger.Info("Created worktree %s on branch %s", path, branch)
	return path, nil
}

// Remove tears down the agent's worktree. The in-memory index is a
// per-process cache, so an id missing from it is recovered from git's listing
// before giving up; ErrWorktreeNotFound is returned when git has no worktree
// for the agent either. Unless validateCleanup is false, the worktree must
// pass the cleanup scan first; failures surface as a *CleanupError carrying
// the violation list.
func (m *Manager) Remove(ctx context.Context, agentID string, keepBranch, validateCleanup bool) error {
	// The index is a cache; trust git's listing before destroying anything.
	listed, err := m.ListAll(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	record, tracked := m.active[agentID]
	m.mu.Unlock()

	if tracked {
		found := false
		for i := range listed {
			if samePath(listed[i].Path, record.Path) {
				found = true
				break
			}
		}
		if !found {
			m.logger.Debug("Worktree %s already gone, dropping record", record.Path)
			m.mu.Lock()
			delete(m.active, agentID)
			m.mu.Unlock()
			return nil
		}
	} else {
		record = recoverRecord(listed, agentID)
		if record == nil {
			return fmt.Errorf("%w for agent %s", ErrWorktreeNotFound, agentID)
		}
	}

	if _, statErr := os.Stat(record.Path); os.IsNotExist(statErr) {
		// The directory vanished out from under git; prune its bookkeeping
		// instead of asking git to remove a working tree it cannot validate.
		if err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.active, agentID)
		m.mu.Unlock()
		return nil
	}

	if validateCleanup {
		violations, scanErr := m.ValidateCleanup(ctx, record.Path)
		if scanErr != nil {
			return scanErr
		}
		if len(violations) > 0 {
			metrics.CleanupViolations.WithLabelValues("worktree").Add(float64(len(violations)))
			return &CleanupError{AgentID: agentID, Violations: violations}
		}
	}

	if err := m.git(ctx, m.repoPath, "worktree", "remove", record.Path, "--force"); err != nil {
		return err
	}
	if !keepBranch && record.Branch != "" {
		if err := m.git(ctx, m.repoPath, "branch", "-D", record.Branch); err != nil {
			return err
		}
	}

	m.mu.Lock()
	delete(m.active, agentID)
	m.mu.Unlock()

	metrics.Worktrees.WithLabelValues("removed").Inc()
	m.logger.Info("Removed worktree %s", record.Path)
	return nil
}

// recoverRecord rebuilds a worktree record for an agent from git's listing,
// matched by the deterministic worktree directory name or the agent's branch
// namespace.
func recoverRecord(listed []Info, agentID string) *Record {
	branchPrefix := "refs/heads/agent/" + agentID + "/"
	dirName := "worktree-" + agentID
	for i := range listed {
		if strings.HasPrefix(listed[i].Branch, branchPrefix) || filepath.Base(listed[i].Path) == dirName {
			return &Record{
				Path:   listed[i].Path,
				Branch: strings.TrimPrefix(listed[i].Branch, "refs/heads/"),
			}
		}
	}
	return nil
}

// samePath compares two paths in absolute, symlink-resolved form. Git prints
// resolved absolute paths in its listings, so raw string equality breaks for
// relative or symlinked repository paths.
func samePath(a, b string) bool {
	return normalizePath(a) == normalizePath(b)
}

func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

// ValidateCleanup checks a worktree for leftover scratch files, uncommitted
// changes, and oversized files. Returns the violation list, empty if clean.
func (m *Manager) ValidateCleanup(ctx context.Context, path string) ([]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var violations []string

	scratch, err := m.findScratchFiles(path)
	if err != nil {
		return nil, err
	}
	violations = append(violations, scratch...)

	dirty, err := m.hasUncommittedChanges(ctx, path)
	if err != nil {
		violations = append(violations, "Could not check git status")
	} else if dirty {
		violations = append(violations, "Uncommitted changes in worktree")
	}

	large, err := m.findLargeFiles(path)
	if err != nil {
		return nil, err
	}
	violations = append(violations, large...)

	return violations, nil
}

func (m *Manager) findScratchFiles(root string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".git") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		for _, pattern := range scratchPatterns {
			if matched, _ := filepath.Match(pattern, d.Name()); matched {
				rel, relErr := filepath.Rel(root, path)
				if relErr == nil {
					violations = append(violations, fmt.Sprintf("Scratch file (%s): %s", pattern, rel))
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scratch file scan failed: %w", err)
	}
	return violations, nil
}

func (m *Manager) findLargeFiles(root string) ([]string, error) {
	var violations []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".git") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr == nil && info.Size() > m.maxFileSize {
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil {
				violations = append(violations, fmt.Sprintf("Large file (>%d bytes): %s", m.maxFileSize, rel))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("large file scan failed: %w", err)
	}
	return violations, nil
}

func (m *Manager) hasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git status failed: %w\nOutput: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// ListAll returns git's own worktree bookkeeping for the repository.
func (m *Manager) ListAll(ctx context.Context) ([]Info, error) {
	cmd := exec.CommandContext(ctx, "git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed: %w\nOutput: %s", err, string(output))
	}

	var worktrees []Info
	var current Info
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Info{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// PruneOrphaned prunes git's records of vanished worktrees and age-evicts
// worktrees untouched for longer than the configured window, provided they
// have no uncommitted changes. Returns the paths cleaned up.
func (m *Manager) PruneOrphaned(ctx context.Context) ([]string, error) {
	if err := m.git(ctx, m.repoPath, "worktree", "prune"); err != nil {
		return nil, err
	}

	// Drop tracked records whose working copy vanished out from under us.
	m.mu.Lock()
	for agentID, record := range m.active {
		if _, err := os.Stat(record.Path); os.IsNotExist(err) {
			delete(m.active, agentID)
		}
	}
	m.mu.Unlock()

	worktrees, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for i := range worktrees {
		path := worktrees[i].Path
		if samePath(path, m.repoPath) {
			continue // never touch the main worktree
		}

		info, statErr := os.Stat(path)
		if os.IsNotExist(statErr) {
			cleaned = append(cleaned, path)
			continue
		}
		if statErr != nil {
			continue
		}

		if time.Since(info.ModTime()) <= m.maxAge {
			continue
		}
		dirty, dirtyErr := m.hasUncommittedChanges(ctx, path)
		if dirtyErr != nil || dirty {
			continue
		}
		if err := m.git(ctx, m.repoPath, "worktree", "remove", path, "--force"); err != nil {
			m.logger.Warn("Failed to remove aged worktree %s: %v", path, err)
			continue
		}
		metrics.Worktrees.WithLabelValues("pruned").Inc()
		cleaned = append(cleaned, path)
	}

	return cleaned, nil
}

// git runs a git command in the given directory, folding output into errors.
func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w\nOutput: %s", strings.Join(args, " "), err, string(output))
	}
	return nil
}
