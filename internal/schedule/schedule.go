// Package schedule implements the Schedule Engine (spec §4.13): a
// periodic due-poll loop that materializes fresh tasks from persistent
// cron/one-shot templates, following the teacher's scheduler.go in
// spirit (robfig/cron for expression evaluation) while replacing its
// cron-internal-timer dispatch with an explicit findDue(now) poll so
// nextRunAt/runCount/missedRunPolicy bookkeeping stays in the repository
// rather than inside the cron library's own goroutine.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/manager"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// DefaultPollInterval is the due-poll loop's default wake interval.
const DefaultPollInterval = 30 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine runs the periodic due-poll loop against the schedule repository.
type Engine struct {
	schedules    *store.ScheduleRepository
	mgr          *manager.Manager
	pollInterval time.Duration
	now          func() time.Time
}

// New constructs an Engine with DefaultPollInterval.
func New(schedules *store.ScheduleRepository, mgr *manager.Manager) *Engine {
	return &Engine{schedules: schedules, mgr: mgr, pollInterval: DefaultPollInterval, now: time.Now}
}

// WithPollInterval overrides the default wake interval, mainly for tests.
func (e *Engine) WithPollInterval(d time.Duration) *Engine {
	e.pollInterval = d
	return e
}

// Run blocks, polling at pollInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	if err := e.tick(ctx); err != nil {
		slog.Error("schedule tick failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				slog.Error("schedule tick failed", "error", err)
			}
		}
	}
}

// tick runs one findDue(now) pass, dispatching every due schedule.
func (e *Engine) tick(ctx context.Context) error {
	now := e.now()
	due, err := e.schedules.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, s := range due {
		if err := e.dispatch(ctx, s, now); err != nil {
			slog.Error("schedule dispatch failed", "schedule_id", s.ID, "error", err)
		}
	}
	return nil
}

// dispatch runs a single due schedule's missed-run policy, materializes
// task(s), and advances the schedule's bookkeeping fields.
func (e *Engine) dispatch(ctx context.Context, s domain.Schedule, now time.Time) error {
	if s.Type == domain.ScheduleOneShot {
		return e.dispatchOneShot(ctx, s, now)
	}
	return e.dispatchCron(ctx, s, now)
}

func (e *Engine) dispatchOneShot(ctx context.Context, s domain.Schedule, now time.Time) error {
	if err := e.materialize(ctx, s, now); err != nil {
		return err
	}
	s.Status = domain.ScheduleCompleted
	s.RunCount++
	s.LastRunAt = &now
	s.NextRunAt = nil
	return e.schedules.Update(ctx, s)
}

func (e *Engine) dispatchCron(ctx context.Context, s domain.Schedule, now time.Time) error {
	sched, err := cronParser.Parse(s.CronExpression)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", s.CronExpression, err)
	}
	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}

	missed := missedInstants(sched, s.NextRunAt, now, loc)

	switch s.MissedRunPolicy {
	case domain.MissedRunFail:
		if len(missed) > 1 {
			s.Status = domain.ScheduleExpired
			if err := e.schedules.RecordExecution(ctx, domain.ScheduleExecution{ScheduleID: s.ID, RanAt: now, Error: "missed run policy fail: schedule fell behind"}); err != nil {
				return err
			}
			s.NextRunAt = nil
			return e.schedules.Update(ctx, s)
		}
		if err := e.materialize(ctx, s, now); err != nil {
			return err
		}
		s.RunCount++
		s.LastRunAt = &now
	case domain.MissedRunCatchup:
		for range missed {
			if err := e.materialize(ctx, s, now); err != nil {
				return err
			}
			s.RunCount++
		}
		s.LastRunAt = &now
	default: // domain.MissedRunSkip
		if err := e.materialize(ctx, s, now); err != nil {
			return err
		}
		s.RunCount++
		s.LastRunAt = &now
	}

	next := sched.Next(now.In(loc))
	s.NextRunAt = &next

	if s.MaxRuns != nil && s.RunCount >= *s.MaxRuns {
		s.Status = domain.ScheduleCompleted
		s.NextRunAt = nil
	} else if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
		s.Status = domain.ScheduleExpired
		s.NextRunAt = nil
	}

	return e.schedules.Update(ctx, s)
}

// missedInstants counts how many scheduled firings fall between the
// schedule's last-known nextRunAt and now, used by catchup/fail policies.
// Bounded to avoid an unbounded loop against a pathological expression.
func missedInstants(sched cron.Schedule, last *time.Time, now time.Time, loc *time.Location) []time.Time {
	if last == nil {
		return []time.Time{now}
	}
	var out []time.Time
	t := *last
	for i := 0; i < 1000 && !t.After(now); i++ {
		out = append(out, t)
		t = sched.Next(t)
	}
	if len(out) == 0 {
		out = append(out, now)
	}
	return out
}

func (e *Engine) materialize(ctx context.Context, s domain.Schedule, now time.Time) error {
	tpl := s.Template
	task, err := e.mgr.Delegate(ctx, manager.DelegateParams{
		Prompt:          tpl.Prompt,
		Priority:        tpl.Priority,
		Cwd:             tpl.Cwd,
		TimeoutMs:       tpl.TimeoutMs,
		MaxOutputBuffer: tpl.MaxOutputBuffer,
		Worktree:        tpl.Worktree,
		Tags:            tpl.Tags,
		Metadata:        tpl.Metadata,
	})
	if err != nil {
		_ = e.schedules.RecordExecution(ctx, domain.ScheduleExecution{ScheduleID: s.ID, RanAt: now, Error: err.Error()})
		return err
	}
	return e.schedules.RecordExecution(ctx, domain.ScheduleExecution{ScheduleID: s.ID, TaskID: task.ID, RanAt: now})
}
