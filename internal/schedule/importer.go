package schedule

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/google/uuid"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
	"github.com/swarmguard/delegate-daemon/internal/store"
)

// importedSchedule mirrors the on-disk YAML shape for a bulk-imported
// schedule definition, decoupled from domain.Schedule so the file format
// can stay hand-written and forgiving (e.g. duration strings) without
// constraining the domain type.
type importedSchedule struct {
	Prompt          string            `yaml:"prompt"`
	Priority        string            `yaml:"priority"`
	Cwd             string            `yaml:"cwd"`
	TimeoutSeconds  int64             `yaml:"timeoutSeconds"`
	MaxOutputBytes  int64             `yaml:"maxOutputBytes"`
	Tags            []string          `yaml:"tags"`
	Metadata        map[string]string `yaml:"metadata"`
	Type            string            `yaml:"type"`
	CronExpression  string            `yaml:"cronExpression"`
	ScheduledAt     *time.Time        `yaml:"scheduledAt"`
	Timezone        string            `yaml:"timezone"`
	MissedRunPolicy string            `yaml:"missedRunPolicy"`
	MaxRuns         *int              `yaml:"maxRuns"`
	ExpiresAt       *time.Time        `yaml:"expiresAt"`
}

type importFile struct {
	Schedules []importedSchedule `yaml:"schedules"`
}

// ImportTemplates reads a YAML file of schedule definitions and persists
// each as an active domain.Schedule, supplementing the due-poll loop's
// programmatic Create path with a bulk, file-driven one (SPEC_FULL.md
// domain-stack addition — not present in the distilled spec).
func ImportTemplates(ctx context.Context, schedules *store.ScheduleRepository, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, apperr.Wrapf(apperr.SystemError, err, "read schedule template file %s", path)
	}

	var file importFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, apperr.Wrapf(apperr.InvalidOperation, err, "parse schedule template file %s", path)
	}

	now := time.Now()
	imported := 0
	for i, is := range file.Schedules {
		s, err := toDomainSchedule(is, now)
		if err != nil {
			return imported, apperr.Wrapf(apperr.InvalidOperation, err, "schedule entry %d in %s", i, path)
		}
		if err := schedules.Create(ctx, s); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func toDomainSchedule(is importedSchedule, now time.Time) (domain.Schedule, error) {
	priority := domain.Priority(is.Priority)
	if priority == "" {
		priority = domain.PriorityP1
	}
	if !priority.Valid() {
		return domain.Schedule{}, fmt.Errorf("invalid priority %q", is.Priority)
	}

	scheduleType := domain.ScheduleType(is.Type)
	if scheduleType == "" {
		scheduleType = domain.ScheduleCron
	}

	policy := domain.MissedRunPolicy(is.MissedRunPolicy)
	if policy == "" {
		policy = domain.MissedRunSkip
	}
	if !policy.Valid() {
		return domain.Schedule{}, fmt.Errorf("invalid missedRunPolicy %q", is.MissedRunPolicy)
	}

	timeoutMs := is.TimeoutSeconds * 1000
	if timeoutMs == 0 {
		timeoutMs = 600_000
	}
	maxOutput := is.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = 10 << 20
	}

	s := domain.Schedule{
		ID: uuid.NewString(),
		Template: domain.TaskTemplate{
			Prompt:          is.Prompt,
			Priority:        priority,
			Cwd:             is.Cwd,
			TimeoutMs:       timeoutMs,
			MaxOutputBuffer: maxOutput,
			Tags:            is.Tags,
			Metadata:        is.Metadata,
		},
		Type:            scheduleType,
		CronExpression:  is.CronExpression,
		ScheduledAt:     is.ScheduledAt,
		Timezone:        is.Timezone,
		MissedRunPolicy: policy,
		Status:          domain.ScheduleActive,
		MaxRuns:         is.MaxRuns,
		ExpiresAt:       is.ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch scheduleType {
	case domain.ScheduleOneShot:
		if s.ScheduledAt == nil {
			return domain.Schedule{}, fmt.Errorf("one_shot schedule requires scheduledAt")
		}
		s.NextRunAt = s.ScheduledAt
	case domain.ScheduleCron:
		if s.CronExpression == "" {
			return domain.Schedule{}, fmt.Errorf("cron schedule requires cronExpression")
		}
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return domain.Schedule{}, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := time.UTC
		if s.Timezone != "" {
			if l, err := time.LoadLocation(s.Timezone); err == nil {
				loc = l
			}
		}
		next := sched.Next(now.In(loc))
		s.NextRunAt = &next
	default:
		return domain.Schedule{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}

	return s, nil
}
