package defaultimpl

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/collab"
)

func TestExecSpawnerRunsCommandAndCapturesStdout(t *testing.T) {
	s := NewExecSpawner("/bin/sh", "-c", "cat; echo done >&2")
	proc, err := s.Spawn(context.Background(), collab.SpawnRequest{TaskID: "t1", Prompt: "hello from test", Cwd: os.TempDir()})
	require.NoError(t, err)

	out, err := io.ReadAll(proc.Stdout)
	require.NoError(t, err)
	require.Equal(t, "hello from test", string(out))

	errOut, err := io.ReadAll(proc.Stderr)
	require.NoError(t, err)
	require.Contains(t, string(errOut), "done")

	code, err := proc.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, code)
}

func TestExecSpawnerReportsNonZeroExit(t *testing.T) {
	s := NewExecSpawner("/bin/sh", "-c", "exit 7")
	proc, err := s.Spawn(context.Background(), collab.SpawnRequest{TaskID: "t2", Cwd: os.TempDir()})
	require.NoError(t, err)

	code, err := proc.Wait()
	require.NoError(t, err)
	require.Equal(t, 7, code)
}

func TestExecSpawnerSignalTerminatesProcess(t *testing.T) {
	s := NewExecSpawner("/bin/sh", "-c", "sleep 30")
	proc, err := s.Spawn(context.Background(), collab.SpawnRequest{TaskID: "t3", Cwd: os.TempDir()})
	require.NoError(t, err)

	require.NoError(t, proc.Signal(collab.SignalTerminate))

	done := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process was not terminated")
	}
}
