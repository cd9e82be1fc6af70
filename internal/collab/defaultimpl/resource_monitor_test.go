package defaultimpl

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcStatMonitorSnapshotsOwnProcess(t *testing.T) {
	m := NewProcStatMonitor()
	snap, err := m.Snapshot(os.Getpid())
	require.NoError(t, err)
	require.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	require.Greater(t, snap.MemoryBytes, int64(0))
}

func TestProcStatMonitorErrorsOnMissingPID(t *testing.T) {
	m := NewProcStatMonitor()
	_, err := m.Snapshot(999999)
	require.Error(t, err)
}

func TestProcStatMonitorCanSpawnWorkerDefaultThresholdsPermitOnDevMachine(t *testing.T) {
	m := NewProcStatMonitor()
	require.True(t, m.CanSpawnWorker())
}

func TestProcStatMonitorCanSpawnWorkerRefusesOnSaturatedThresholds(t *testing.T) {
	m := NewProcStatMonitor()
	m.MinFreeMemRatio = 2.0 // no host has 2x its total memory free
	require.False(t, m.CanSpawnWorker())
}
