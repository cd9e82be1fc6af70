package defaultimpl

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/collab"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestGitWorktreeManagerPrepareAndCleanup(t *testing.T) {
	repo := initRepo(t)
	root := t.TempDir()
	m := NewGitWorktreeManager(root)

	handle, err := m.Prepare(context.Background(), "task-1", collab.WorktreeRequest{RepoRoot: repo, BranchName: "task/task-1"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "task-1"), handle.Path)
	require.DirExists(t, handle.Path)

	require.NoError(t, m.Cleanup(context.Background(), "task-1"))
	require.NoDirExists(t, handle.Path)
}
