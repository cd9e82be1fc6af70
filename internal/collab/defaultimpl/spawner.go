// Package defaultimpl provides the runnable default collaborators wired
// by cmd/taskdaemon: an os/exec process spawner, a /proc-based resource
// monitor (falling back to a zero snapshot on non-Linux), and a git
// worktree manager shelling out to the git binary.
package defaultimpl

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/swarmguard/delegate-daemon/internal/collab"
)

// ExecSpawner launches the collaborator binary named by Command in the
// task's cwd, passing the prompt on stdin and in DELEGATE_PROMPT and the
// task id in DELEGATE_TASK_ID, per the JSON-over-stdio contract in spec §6.
type ExecSpawner struct {
	Command string
	Args    []string
}

// NewExecSpawner constructs an ExecSpawner invoking command with args.
func NewExecSpawner(command string, args ...string) *ExecSpawner {
	return &ExecSpawner{Command: command, Args: args}
}

// Spawn starts the collaborator process for req.
func (s *ExecSpawner) Spawn(ctx context.Context, req collab.SpawnRequest) (*collab.SpawnedProcess, error) {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("DELEGATE_TASK_ID=%s", req.TaskID),
		fmt.Sprintf("DELEGATE_PROMPT=%s", req.Prompt),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start collaborator process: %w", err)
	}

	go func() {
		defer stdin.Close()
		_, _ = stdin.Write([]byte(req.Prompt))
	}()

	return &collab.SpawnedProcess{
		PID:    cmd.Process.Pid,
		Stdout: stdout,
		Stderr: stderr,
		Wait: func() (int, error) {
			err := cmd.Wait()
			if err == nil {
				return 0, nil
			}
			var exitErr *exec.ExitError
			if ok := asExitError(err, &exitErr); ok {
				return exitErr.ExitCode(), nil
			}
			return -1, err
		},
		Signal: func(sig collab.Signal) error {
			pgid, err := syscall.Getpgid(cmd.Process.Pid)
			if err != nil {
				pgid = cmd.Process.Pid
			}
			switch sig {
			case collab.SignalKill:
				return syscall.Kill(-pgid, syscall.SIGKILL)
			default:
				return syscall.Kill(-pgid, syscall.SIGTERM)
			}
		},
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
