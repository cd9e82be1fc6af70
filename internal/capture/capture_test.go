package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCaptureAndGetOutput(t *testing.T) {
	s := New("")
	s.ConfigureTask("t1", 1024)

	require.NoError(t, s.Capture("t1", Stdout, []byte("line one")))
	require.NoError(t, s.Capture("t1", Stdout, []byte("line two")))
	require.NoError(t, s.Capture("t1", Stderr, []byte("oops")))

	out, ok := s.GetOutput("t1", 0)
	require.True(t, ok)
	require.Equal(t, []string{"line one", "line two"}, out.Stdout)
	require.Equal(t, []string{"oops"}, out.Stderr)
}

func TestCaptureTailLimitsChunksReturned(t *testing.T) {
	s := New("")
	s.ConfigureTask("t1", 1024)
	require.NoError(t, s.Capture("t1", Stdout, []byte("a")))
	require.NoError(t, s.Capture("t1", Stdout, []byte("b")))
	require.NoError(t, s.Capture("t1", Stdout, []byte("c")))

	out, ok := s.GetOutput("t1", 2)
	require.True(t, ok)
	require.Equal(t, []string{"b", "c"}, out.Stdout)
}

func TestCaptureDropsWholeChunkOverLimit(t *testing.T) {
	s := New("")
	s.ConfigureTask("t1", 10)

	require.NoError(t, s.Capture("t1", Stdout, []byte("12345")))
	err := s.Capture("t1", Stdout, []byte("123456"))
	require.Error(t, err)

	out, ok := s.GetOutput("t1", 0)
	require.True(t, ok)
	require.Equal(t, []string{"12345"}, out.Stdout)
}

func TestCaptureUsesGlobalDefaultWhenUnconfigured(t *testing.T) {
	s := New("")
	require.NoError(t, s.Capture("untouched", Stdout, []byte("hi")))
	out, ok := s.GetOutput("untouched", 0)
	require.True(t, ok)
	require.Equal(t, []string{"hi"}, out.Stdout)
}

func TestCaptureSpillsToFileAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	s.ConfigureTask("t1", 1<<20)

	chunk := make([]byte, SpillThreshold)
	for i := range chunk {
		chunk[i] = 'x'
	}
	require.NoError(t, s.Capture("t1", Stdout, chunk))

	out, ok := s.GetOutput("t1", 0)
	require.True(t, ok)
	require.NotEmpty(t, out.SpillPath)
	require.Equal(t, filepath.Join(dir, "t1.log"), out.SpillPath)

	data, err := os.ReadFile(out.SpillPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "OUT ")
}

func TestCleanupRemovesBuffer(t *testing.T) {
	s := New("")
	s.ConfigureTask("t1", 1024)
	require.NoError(t, s.Capture("t1", Stdout, []byte("x")))

	s.Cleanup("t1")

	_, ok := s.GetOutput("t1", 0)
	require.False(t, ok)
}
