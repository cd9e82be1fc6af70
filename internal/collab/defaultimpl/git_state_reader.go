package defaultimpl

import (
	"context"
	"os/exec"
	"strings"

	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// GitStateReader shells out to the git binary to snapshot a task's working
// tree: current branch, HEAD commit, and the list of dirty (modified or
// untracked) files. It satisfies handlers.GitStateReader.
type GitStateReader struct{}

// NewGitStateReader constructs a GitStateReader.
func NewGitStateReader() *GitStateReader {
	return &GitStateReader{}
}

// Read inspects the git repository rooted at (or above) cwd. A directory
// that isn't a git repository yields a zero GitState and no error, since
// git state on a checkpoint is informational, never required.
func (r *GitStateReader) Read(ctx context.Context, cwd string) (domain.GitState, error) {
	branch, err := r.run(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return domain.GitState{}, nil
	}
	sha, err := r.run(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		return domain.GitState{}, nil
	}
	status, err := r.run(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return domain.GitState{}, nil
	}

	var dirty []string
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		dirty = append(dirty, strings.TrimSpace(line[3:]))
	}

	return domain.GitState{Branch: branch, CommitSHA: sha, DirtyFiles: dirty}, nil
}

func (r *GitStateReader) run(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", cwd}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
