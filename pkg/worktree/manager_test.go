package worktree

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harness/pkg/config"
)

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
}

// initRepo creates a git repository with one commit on main, nested one level
// inside the temp dir so worktrees land as siblings inside the same temp tree.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	gitRun(t, repo, "init")
	gitRun(t, repo, "config", "user.email", "test@example.com")
	gitRun(t, repo, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0o644))
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "initial")
	gitRun(t, repo, "branch", "-M", "main")
	return repo
}

func TestCreateAndRemove(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.Equal(t, filepath.Join(filepath.Dir(repo), "worktree-agent-1"), path)

	worktrees, err := mgr.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, worktrees, 2, "main repo plus the agent worktree")

	require.NoError(t, mgr.Remove(ctx, "agent-1", false, true))
	assert.NoDirExists(t, path)

	worktrees, err = mgr.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, worktrees, 1)
}

func TestCreateBranchesPerAgent(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "agent-2", "main")
	require.NoError(t, err)

	worktrees, err := mgr.ListAll(ctx)
	require.NoError(t, err)

	branches := make(map[string]bool)
	for _, wt := range worktrees {
		branches[wt.Branch] = true
	}
	assert.Len(t, branches, 3, "each worktree sits on its own branch")
}

func TestRemoveBlockedByScratchFiles(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "debug_trace.tmp"), []byte("x"), 0o644))

	err = mgr.Remove(ctx, "agent-1", false, true)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, "agent-1", cleanupErr.AgentID)
	assert.NotEmpty(t, cleanupErr.Violations)
	assert.DirExists(t, path, "a blocked removal must leave the worktree intact")

	// Force removal ignores the mess.
	require.NoError(t, mgr.Remove(ctx, "agent-1", false, false))
	assert.NoDirExists(t, path)
}

func TestRemoveBlockedByUncommittedChanges(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("edited\n"), 0o644))

	err = mgr.Remove(ctx, "agent-1", false, true)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Contains(t, cleanupErr.Violations, "Uncommitted changes in worktree")
}

func TestValidateCleanupLargeFiles(t *testing.T) {
	repo := initRepo(t)

	workspace := t.TempDir()
	harnessDir := filepath.Join(workspace, config.HarnessDir)
	require.NoError(t, os.MkdirAll(harnessDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(harnessDir, config.ConfigFilename),
		[]byte("worktree:\n  max_file_size: 100\n"), 0o644))
	require.NoError(t, config.Load(workspace))
	t.Cleanup(config.Reset)

	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)

	// Committed so the only violation is the size.
	require.NoError(t, os.WriteFile(filepath.Join(path, "big.bin"), bytes.Repeat([]byte("a"), 200), 0o644))
	gitRun(t, path, "add", ".")
	gitRun(t, path, "commit", "-m", "big file")

	violations, err := mgr.ValidateCleanup(ctx, path)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0], "big.bin")
}

func TestValidateCleanupMissingPath(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)

	violations, err := mgr.ValidateCleanup(context.Background(), filepath.Join(repo, "nope"))
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestRemoveUnknownAgent(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)

	err := mgr.Remove(context.Background(), "ghost", false, true)
	require.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestRemoveRecoversAcrossManagers(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	path, err := NewManager(repo).Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "debug_trace.tmp"), []byte("x"), 0o644))

	// A fresh manager (a new process in real use) has an empty index; it must
	// recover the worktree from git's listing and still enforce the scan.
	fresh := NewManager(repo)
	err = fresh.Remove(ctx, "agent-1", false, true)
	var cleanupErr *CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.DirExists(t, path, "a blocked removal must leave the worktree intact")

	require.NoError(t, os.Remove(filepath.Join(path, "debug_trace.tmp")))
	require.NoError(t, fresh.Remove(ctx, "agent-1", false, true))
	assert.NoDirExists(t, path)

	worktrees, err := fresh.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, worktrees, 1, "only the main worktree remains")
}

func TestRemoveWithRelativeRepoPath(t *testing.T) {
	repo := initRepo(t)
	t.Chdir(filepath.Dir(repo))

	// Git lists resolved absolute paths; a manager built on a relative path
	// must still match its own worktree against them.
	mgr := NewManager("repo")
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, "agent-1", false, true))
	assert.NoDirExists(t, path)
}

func TestRemoveReconcilesVanishedWorktree(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)

	// Someone deleted the worktree behind our back; Remove drops the record
	// instead of failing.
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, mgr.Remove(ctx, "agent-1", false, true))
}

func TestPruneOrphaned(t *testing.T) {
	repo := initRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	path, err := mgr.Create(ctx, "agent-1", "main")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(path))

	_, err = mgr.PruneOrphaned(ctx)
	require.NoError(t, err)

	worktrees, err := mgr.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, worktrees, 1, "vanished worktree must be pruned from git's records")
}
