package schedule

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

const sampleYAML = `
schedules:
  - prompt: "nightly cleanup"
    cwd: "/repo"
    type: cron
    cronExpression: "0 2 * * *"
    timezone: "UTC"
    priority: P2
    missedRunPolicy: catchup
  - prompt: "one time migration"
    cwd: "/repo"
    type: one_shot
    scheduledAt: "2026-08-01T00:00:00Z"
    priority: P0
`

func TestImportTemplatesCreatesSchedules(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	schedules := store.NewScheduleRepository(db)

	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	n, err := ImportTemplates(context.Background(), schedules, path)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	all, err := schedules.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	var cronCount, oneShotCount int
	for _, s := range all {
		require.Equal(t, domain.ScheduleActive, s.Status)
		require.NotNil(t, s.NextRunAt)
		if s.Type == domain.ScheduleCron {
			cronCount++
			require.Equal(t, domain.MissedRunCatchup, s.MissedRunPolicy)
		} else {
			oneShotCount++
			require.Equal(t, domain.PriorityP0, s.Template.Priority)
		}
	}
	require.Equal(t, 1, cronCount)
	require.Equal(t, 1, oneShotCount)
}

func TestImportTemplatesRejectsInvalidCronExpression(t *testing.T) {
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	schedules := store.NewScheduleRepository(db)

	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schedules:
  - prompt: "bad"
    cwd: "/repo"
    type: cron
    cronExpression: "not a cron expression"
`), 0o644))

	_, err = ImportTemplates(context.Background(), schedules, path)
	require.Error(t, err)
}
