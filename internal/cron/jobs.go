package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/persistence"
)

// Launcher starts runs on behalf of the scheduler and reports when they end.
type Launcher interface {
	StartJobRun(ctx context.Context, job persistence.Job) (string, error)
	AwaitTerminal(ctx context.Context, runID string, timeout time.Duration) (persistence.Run, error)
}

var (
	ErrJobDisabled = errors.New("job is disabled")
	ErrJobBusy     = errors.New("job is at its concurrency cap")
	ErrJobNotDue   = errors.New("job is not due")
)

// Config holds the dependencies for the job service and scheduler.
type Config struct {
	Store         *persistence.Store
	Launcher      Launcher
	Bus           *bus.Bus
	Logger        *slog.Logger
	PolicyVersion func() string
	Tick          time.Duration // scheduler tick interval; defaults to 15s if zero
	RunTimeout    time.Duration // per-run wall clock bound; defaults to 30m if zero
}

// Service owns job CRUD and run launching. The Scheduler drives it on a tick.
type Service struct {
	store         *persistence.Store
	launcher      Launcher
	bus           *bus.Bus
	logger        *slog.Logger
	policyVersion func() string
	runTimeout    time.Duration

	slots sync.Map // jobID -> chan struct{} (semaphore sized to the concurrency cap)
	wg    sync.WaitGroup
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTimeout := cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	pv := cfg.PolicyVersion
	if pv == nil {
		pv = func() string { return "" }
	}
	return &Service{
		store:         cfg.Store,
		launcher:      cfg.Launcher,
		bus:           cfg.Bus,
		logger:        logger,
		policyVersion: pv,
		runTimeout:    runTimeout,
	}
}

// AddJob validates a job document, computes the initial due time and persists
// the job. The document must carry schedule and payload.
func (s *Service) AddJob(doc []byte) (persistence.Job, error) {
	if err := validateAgainst(jobSchema, doc); err != nil {
		return persistence.Job{}, err
	}
	job := persistence.Job{
		Enabled:       true,
		SessionTarget: "isolated",
	}
	if err := json.Unmarshal(doc, &job); err != nil {
		return persistence.Job{}, fmt.Errorf("parse job document: %w", err)
	}
	if job.Schedule.Kind == "" {
		switch {
		case job.Schedule.At != nil:
			job.Schedule.Kind = persistence.ScheduleAt
		case job.Schedule.EveryMS > 0:
			job.Schedule.Kind = persistence.ScheduleEvery
		case job.Schedule.Cron != "":
			job.Schedule.Kind = persistence.ScheduleCron
		}
	}
	if err := ValidateSpec(job.Schedule); err != nil {
		return persistence.Job{}, err
	}
	if job.Payload.Kind == "" {
		job.Payload.Kind = persistence.PayloadAgentTurn
	}
	if job.WakeMode == "" {
		job.WakeMode = persistence.WakeNow
	}
	if job.WakeMode == persistence.WakeNextHeartbeat && job.Payload.Kind != persistence.PayloadSystemEvent {
		return persistence.Job{}, fmt.Errorf("wake_mode next-heartbeat requires a system-event payload")
	}

	now := time.Now().UTC()
	job.ID = uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now

	next, err := NextDue(job.Schedule, now)
	if err != nil {
		if errors.Is(err, ErrScheduleExhausted) {
			return persistence.Job{}, fmt.Errorf("schedule fire time is in the past")
		}
		return persistence.Job{}, err
	}
	job.State.NextDueAt = &next

	if err := s.store.PutJob(job); err != nil {
		return persistence.Job{}, err
	}
	audit.Record("job.add", job.ID, "accept", job.Name, s.policyVersion())
	s.logger.Info("job added", "job_id", job.ID, "kind", job.Schedule.Kind, "next_due_at", next)
	return job, nil
}

// UpdateJob applies a partial update document and recomputes the due time
// when the schedule changed.
func (s *Service) UpdateJob(id string, patch []byte) (persistence.Job, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return persistence.Job{}, err
	}
	oldSchedule := job.Schedule
	if err := applyPatch(&job, patch); err != nil {
		return persistence.Job{}, err
	}
	if job.WakeMode == persistence.WakeNextHeartbeat && job.Payload.Kind != persistence.PayloadSystemEvent {
		return persistence.Job{}, fmt.Errorf("wake_mode next-heartbeat requires a system-event payload")
	}
	job.UpdatedAt = time.Now().UTC()

	if job.Schedule != oldSchedule {
		next, err := NextDue(job.Schedule, time.Now().UTC())
		if err != nil {
			if errors.Is(err, ErrScheduleExhausted) {
				return persistence.Job{}, fmt.Errorf("schedule fire time is in the past")
			}
			return persistence.Job{}, err
		}
		job.State.NextDueAt = &next
	}

	if err := s.store.PutJob(job); err != nil {
		return persistence.Job{}, err
	}
	audit.Record("job.update", job.ID, "accept", "", s.policyVersion())
	return job, nil
}

// RemoveJob deletes a job definition. Its runs and history remain.
func (s *Service) RemoveJob(id string) error {
	if _, err := s.store.GetJob(id); err != nil {
		return err
	}
	if err := s.store.DeleteJob(id); err != nil {
		return err
	}
	audit.Record("job.remove", id, "accept", "", s.policyVersion())
	return nil
}

// GetJob loads a single job.
func (s *Service) GetJob(id string) (persistence.Job, error) {
	return s.store.GetJob(id)
}

// ListJobs lists jobs, optionally including disabled ones.
func (s *Service) ListJobs(includeDisabled bool) ([]persistence.Job, error) {
	return s.store.ListJobs(includeDisabled)
}

// ListRuns lists a job's runs, newest first.
func (s *Service) ListRuns(jobID string, limit int) ([]persistence.Run, error) {
	return s.store.ListRunsForJob(jobID, limit)
}

// RunJob launches a run immediately. In due mode (force unset) the job must
// be enabled and due; the fire consumes the due time and advances the
// schedule. Force bypasses both checks. The concurrency cap is always
// enforced: a job already at its cap returns ErrJobBusy and a skipped
// history entry.
func (s *Service) RunJob(ctx context.Context, id string, force bool) (string, error) {
	job, err := s.store.GetJob(id)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if !force {
		if !job.Enabled {
			return "", ErrJobDisabled
		}
		if job.State.NextDueAt == nil || job.State.NextDueAt.After(now) {
			_ = s.store.AppendHistory(persistence.HistoryEntry{
				JobID:   job.ID,
				Outcome: "skipped",
				Detail:  "not due",
			})
			return "", ErrJobNotDue
		}
	}
	runID, err := s.fire(ctx, job, now, true)
	if err != nil {
		return "", err
	}
	if !force {
		s.advanceDue(job, now)
	}
	return runID, nil
}

// advanceDue moves the job's due time strictly past now, or clears it when
// the schedule has no future fire times.
func (s *Service) advanceDue(job persistence.Job, now time.Time) {
	next, err := NextDue(job.Schedule, now)
	if err != nil {
		if errors.Is(err, ErrScheduleExhausted) {
			// One-shot: finalize handles disable/delete; clear the due time so
			// the job cannot fire again meanwhile.
			_ = s.store.UpdateJobState(job.ID, func(j *persistence.Job) {
				j.State.NextDueAt = nil
			})
			return
		}
		s.logger.Error("advance due time", "job_id", job.ID, "error", err)
		return
	}
	_ = s.store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.NextDueAt = &next
	})
}

func (s *Service) slot(job persistence.Job) chan struct{} {
	cap := job.ConcurrencyCap
	if cap <= 0 {
		cap = 1
	}
	actual, _ := s.slots.LoadOrStore(job.ID, make(chan struct{}, cap))
	return actual.(chan struct{})
}

// fire launches a run for the job if a concurrency slot is free, records
// history and schedules finalization. manual marks operator-triggered runs.
func (s *Service) fire(ctx context.Context, job persistence.Job, now time.Time, manual bool) (string, error) {
	slot := s.slot(job)
	select {
	case slot <- struct{}{}:
	default:
		_ = s.store.AppendHistory(persistence.HistoryEntry{
			JobID:   job.ID,
			Outcome: "skipped",
			Detail:  "concurrency cap reached",
		})
		if s.bus != nil {
			s.bus.Publish(bus.TopicJobSkipped, bus.JobSkippedEvent{JobID: job.ID, Reason: "overlap"})
		}
		s.logger.Info("job skipped", "job_id", job.ID, "reason", "overlap")
		return "", ErrJobBusy
	}

	runID, err := s.launcher.StartJobRun(ctx, job)
	if err != nil {
		<-slot
		_ = s.store.AppendHistory(persistence.HistoryEntry{
			JobID:   job.ID,
			Outcome: "failed",
			Detail:  err.Error(),
		})
		return "", err
	}

	_ = s.store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.RunningAt = &now
		j.State.LastRunAt = &now
	})
	_ = s.store.AppendHistory(persistence.HistoryEntry{
		JobID:   job.ID,
		Outcome: "fired",
		RunID:   runID,
	})
	if s.bus != nil {
		s.bus.Publish(bus.TopicJobFired, bus.JobFiredEvent{
			JobID: job.ID,
			RunID: runID,
			DueAt: now.Format(time.RFC3339),
		})
	}
	s.logger.Info("job fired", "job_id", job.ID, "run_id", runID, "manual", manual)

	s.wg.Add(1)
	go s.finalize(job, runID, slot)
	return runID, nil
}

// finalize waits for the run to end, updates the job's run state and history,
// releases the concurrency slot and applies one-shot cleanup.
func (s *Service) finalize(job persistence.Job, runID string, slot chan struct{}) {
	defer s.wg.Done()
	defer func() { <-slot }()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout+time.Minute)
	defer cancel()
	run, err := s.launcher.AwaitTerminal(ctx, runID, s.runTimeout+time.Minute)
	if err != nil {
		s.logger.Error("job finalize: wait for run", "job_id", job.ID, "run_id", runID, "error", err)
		run = persistence.Run{ID: runID, Status: persistence.RunFailed, Error: err.Error()}
	}

	_ = s.store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.RunningAt = nil
		j.State.LastStatus = run.Status
		j.State.LastError = run.Error
	})
	_ = s.store.AppendHistory(persistence.HistoryEntry{
		JobID:   job.ID,
		Outcome: run.Status,
		RunID:   runID,
		Detail:  run.Error,
	})

	if job.Schedule.Kind == persistence.ScheduleAt {
		if job.DeleteAfterRun {
			if err := s.store.DeleteJob(job.ID); err != nil {
				s.logger.Error("job finalize: delete one-shot", "job_id", job.ID, "error", err)
			}
		} else {
			_ = s.store.UpdateJobState(job.ID, func(j *persistence.Job) {
				j.Enabled = false
				j.State.NextDueAt = nil
			})
		}
	}
}

// Drain waits for in-flight finalize goroutines to exit.
func (s *Service) Drain() {
	s.wg.Wait()
}
