package defaultimpl

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/swarmguard/delegate-daemon/internal/collab"
)

// GitWorktreeManager shells out to the git binary to create and remove
// worktrees under RootDir/<taskID>.
type GitWorktreeManager struct {
	RootDir string
}

// NewGitWorktreeManager constructs a manager that stages worktrees under root.
func NewGitWorktreeManager(root string) *GitWorktreeManager {
	return &GitWorktreeManager{RootDir: root}
}

// Prepare creates a new worktree for taskID branched from cfg.BaseBranch.
func (m *GitWorktreeManager) Prepare(ctx context.Context, taskID string, cfg collab.WorktreeRequest) (collab.WorktreeHandle, error) {
	path := filepath.Join(m.RootDir, taskID)
	branch := cfg.BranchName
	if branch == "" {
		branch = "task/" + taskID
	}
	base := cfg.BaseBranch
	if base == "" {
		base = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "-C", cfg.RepoRoot, "worktree", "add", "-b", branch, path, base)
	if out, err := cmd.CombinedOutput(); err != nil {
		return collab.WorktreeHandle{}, fmt.Errorf("git worktree add: %w: %s", err, out)
	}

	return collab.WorktreeHandle{Path: path, Branch: branch}, nil
}

// Cleanup removes the worktree created for taskID.
func (m *GitWorktreeManager) Cleanup(ctx context.Context, taskID string) error {
	path := filepath.Join(m.RootDir, taskID)
	cmd := exec.CommandContext(ctx, "git", "-C", path, "worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	return nil
}
