// Package cron provides the job scheduler: durable job definitions, due-time
// computation for one-shot, fixed-interval and calendar schedules, and the
// ticker loop that launches runs for due jobs.
package cron

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/vervet/valet/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var ErrScheduleExhausted = errors.New("schedule has no future fire times")

// NextDue computes the next fire instant strictly after the given time.
// One-shot schedules return ErrScheduleExhausted once their instant has passed.
func NextDue(spec persistence.ScheduleSpec, after time.Time) (time.Time, error) {
	switch spec.Kind {
	case persistence.ScheduleAt:
		if spec.At == nil {
			return time.Time{}, fmt.Errorf("at schedule missing instant")
		}
		if !spec.At.After(after) {
			return time.Time{}, ErrScheduleExhausted
		}
		return *spec.At, nil
	case persistence.ScheduleEvery:
		if spec.EveryMS <= 0 {
			return time.Time{}, fmt.Errorf("every schedule needs a positive interval")
		}
		return after.Add(time.Duration(spec.EveryMS) * time.Millisecond), nil
	case persistence.ScheduleCron:
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression: %w", err)
		}
		loc := time.Local
		if spec.Timezone != "" {
			loc, err = time.LoadLocation(spec.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("load timezone: %w", err)
			}
		}
		next := sched.Next(after.In(loc))
		if next.IsZero() {
			return time.Time{}, ErrScheduleExhausted
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
}

// ValidateSpec checks a schedule for well-formedness without evaluating it.
func ValidateSpec(spec persistence.ScheduleSpec) error {
	switch spec.Kind {
	case persistence.ScheduleAt:
		if spec.At == nil {
			return fmt.Errorf("at schedule missing instant")
		}
	case persistence.ScheduleEvery:
		if spec.EveryMS <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case persistence.ScheduleCron:
		if _, err := cronParser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("parse cron expression: %w", err)
		}
		if spec.Timezone != "" {
			if _, err := time.LoadLocation(spec.Timezone); err != nil {
				return fmt.Errorf("load timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", spec.Kind)
	}
	return nil
}
