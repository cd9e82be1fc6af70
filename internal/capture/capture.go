// Package capture implements per-task buffered output capture with
// per-task/global byte ceilings and a spill-to-file rule, per spec §4.6.
package capture

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
)

// Stream distinguishes stdout/stderr within a task's captured output.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// DefaultGlobalLimit is the global per-task output ceiling when no
// per-task override is configured (spec §4.6).
const DefaultGlobalLimit = 10 << 20 // 10 MiB

// SpillThreshold is the cumulative size at which a task's capture flips
// from memory-backed to file-backed.
const SpillThreshold = 100 << 10 // 100 KiB

type taskBuffer struct {
	mu        sync.Mutex
	limit     int64
	size      int64
	stdout    [][]byte
	stderr    [][]byte
	spillPath string
	spillFile *os.File
}

// Store owns one taskBuffer per configured/active task id.
type Store struct {
	mu       sync.Mutex
	tasks    map[string]*taskBuffer
	spillDir string
}

// New constructs a Store that spills to spillDir (created on demand).
func New(spillDir string) *Store {
	return &Store{tasks: make(map[string]*taskBuffer), spillDir: spillDir}
}

// ConfigureTask sets (or resets) the per-task ceiling. maxOutputBuffer<=0
// falls back to DefaultGlobalLimit.
func (s *Store) ConfigureTask(taskID string, maxOutputBuffer int64) {
	limit := maxOutputBuffer
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = &taskBuffer{limit: limit}
}

func (s *Store) bufferFor(taskID string) *taskBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.tasks[taskID]
	if !ok {
		tb = &taskBuffer{limit: DefaultGlobalLimit}
		s.tasks[taskID] = tb
	}
	return tb
}

// Capture appends a chunk to the named stream. The chunk is dropped
// whole (no partial write) if it would cross the effective limit.
func (s *Store) Capture(taskID string, stream Stream, data []byte) error {
	tb := s.bufferFor(taskID)
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.size+int64(len(data)) > tb.limit {
		return apperr.Newf(apperr.SystemError, "output buffer limit exceeded for task %s", taskID)
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	switch stream {
	case Stdout:
		tb.stdout = append(tb.stdout, cp)
	case Stderr:
		tb.stderr = append(tb.stderr, cp)
	}
	tb.size += int64(len(cp))

	if tb.spillFile == nil && s.spillDir != "" && tb.size >= SpillThreshold {
		if err := tb.spill(s.spillDir, taskID); err != nil {
			// Spilling is an optimization, not a correctness requirement;
			// keep serving reads from memory if it fails.
			return nil
		}
	}
	if tb.spillFile != nil {
		prefix := "OUT "
		if stream == Stderr {
			prefix = "ERR "
		}
		_, _ = tb.spillFile.WriteString(prefix + string(cp) + "\n")
	}

	return nil
}

func (tb *taskBuffer) spill(dir, taskID string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, taskID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	tb.spillPath = path
	tb.spillFile = f
	return nil
}

// Output is a bounded view of a task's captured streams.
type Output struct {
	Stdout    []string
	Stderr    []string
	SpillPath string
}

// GetOutput returns the captured output for taskID. If tail > 0, only the
// last tail chunks of each stream are returned.
func (s *Store) GetOutput(taskID string, tail int) (Output, bool) {
	s.mu.Lock()
	tb, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return Output{}, false
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	toStrings := func(chunks [][]byte, tail int) []string {
		start := 0
		if tail > 0 && len(chunks) > tail {
			start = len(chunks) - tail
		}
		out := make([]string, 0, len(chunks)-start)
		for _, c := range chunks[start:] {
			out = append(out, string(c))
		}
		return out
	}

	return Output{
		Stdout:    toStrings(tb.stdout, tail),
		Stderr:    toStrings(tb.stderr, tail),
		SpillPath: tb.spillPath,
	}, true
}

// Cleanup drops the configuration and buffers for taskID, closing any
// spill file.
func (s *Store) Cleanup(taskID string) {
	s.mu.Lock()
	tb, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()
	if !ok {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.spillFile != nil {
		_ = tb.spillFile.Close()
	}
}
