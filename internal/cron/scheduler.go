package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vervet/valet/internal/persistence"
)

// Scheduler ticks at a fixed interval, evaluating every enabled job and
// firing the due ones through the Service.
type Scheduler struct {
	svc      *Service
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler driving the given service.
func NewScheduler(svc *Service, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Scheduler{svc: svc, interval: tick}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.svc.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.svc.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Evaluate immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates all enabled jobs once and fires the due ones. Missed fires
// collapse into a single launch; the due time then advances past now.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	jobs, err := s.svc.store.ListJobs(false)
	if err != nil {
		s.svc.logger.Error("scheduler: list jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.evaluate(ctx, job, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, job persistence.Job, now time.Time) {
	if job.State.NextDueAt == nil {
		next, err := NextDue(job.Schedule, now)
		if err != nil {
			if errors.Is(err, ErrScheduleExhausted) {
				s.retire(job)
				return
			}
			s.svc.logger.Error("scheduler: compute due time", "job_id", job.ID, "error", err)
			return
		}
		_ = s.svc.store.UpdateJobState(job.ID, func(j *persistence.Job) {
			j.State.NextDueAt = &next
		})
		return
	}
	if job.State.NextDueAt.After(now) {
		return
	}

	if job.WakeMode == persistence.WakeNextHeartbeat {
		s.deferToHeartbeat(job, now)
		s.svc.advanceDue(job, now)
		return
	}

	if _, err := s.svc.fire(ctx, job, now, false); err != nil &&
		!errors.Is(err, ErrJobBusy) {
		s.svc.logger.Error("scheduler: fire job", "job_id", job.ID, "error", err)
	}
	s.svc.advanceDue(job, now)
}

// deferToHeartbeat queues the job's payload for the next heartbeat instead of
// running it.
func (s *Scheduler) deferToHeartbeat(job persistence.Job, now time.Time) {
	err := s.svc.store.EnqueueWake(persistence.WakeItem{
		ID:       uuid.NewString(),
		JobID:    job.ID,
		Message:  job.Payload.Message,
		QueuedAt: now,
	})
	if err != nil {
		s.svc.logger.Error("scheduler: enqueue wake item", "job_id", job.ID, "error", err)
		return
	}
	_ = s.svc.store.AppendHistory(persistence.HistoryEntry{
		JobID:   job.ID,
		Outcome: "deferred",
		Detail:  "queued for next heartbeat",
	})
	s.svc.logger.Info("job deferred to next heartbeat", "job_id", job.ID)
}

// retire disables a job whose schedule has no future fire times.
func (s *Scheduler) retire(job persistence.Job) {
	_ = s.svc.store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.Enabled = false
		j.State.NextDueAt = nil
	})
	s.svc.logger.Info("job retired", "job_id", job.ID)
}
