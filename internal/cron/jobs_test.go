package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/persistence"
)

// fakeLauncher satisfies Launcher with scripted run outcomes.
type fakeLauncher struct {
	store *persistence.Store

	mu      sync.Mutex
	started []string
	nextID  int

	// release, when non-nil, holds AwaitTerminal open until closed.
	release chan struct{}
	// outcome is the terminal status AwaitTerminal reports. Defaults to completed.
	outcome string
}

func (f *fakeLauncher) StartJobRun(_ context.Context, job persistence.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runID := fmt.Sprintf("run-%d", f.nextID)
	f.started = append(f.started, runID)
	if err := f.store.CreateRun(persistence.Run{ID: runID, JobID: job.ID, SessionID: "isolated"}); err != nil {
		return "", err
	}
	return runID, nil
}

func (f *fakeLauncher) AwaitTerminal(ctx context.Context, runID string, _ time.Duration) (persistence.Run, error) {
	f.mu.Lock()
	release := f.release
	outcome := f.outcome
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return persistence.Run{}, ctx.Err()
		}
	}
	if outcome == "" {
		outcome = persistence.RunCompleted
	}
	if _, err := f.store.TransitionRun(runID, persistence.RunRunning, nil); err != nil {
		return persistence.Run{}, err
	}
	return f.store.TransitionRun(runID, outcome, nil)
}

func (f *fakeLauncher) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func newTestService(t *testing.T) (*Service, *fakeLauncher, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(t.TempDir(), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	launcher := &fakeLauncher{store: store}
	svc := NewService(Config{
		Store:      store,
		Launcher:   launcher,
		RunTimeout: 5 * time.Second,
	})
	return svc, launcher, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAddJob_DefaultsAndDueTime(t *testing.T) {
	svc, _, _ := newTestService(t)

	job, err := svc.AddJob([]byte(`{
		"schedule": {"every_ms": 60000},
		"payload": {"message": "check the queue"}
	}`))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.ID == "" || !job.Enabled {
		t.Fatalf("job = %+v", job)
	}
	if job.Schedule.Kind != persistence.ScheduleEvery {
		t.Fatalf("kind = %q, want inferred every", job.Schedule.Kind)
	}
	if job.Payload.Kind != persistence.PayloadAgentTurn {
		t.Fatalf("payload kind = %q", job.Payload.Kind)
	}
	if job.WakeMode != persistence.WakeNow {
		t.Fatalf("wake mode = %q", job.WakeMode)
	}
	if job.State.NextDueAt == nil || !job.State.NextDueAt.After(time.Now().UTC()) {
		t.Fatalf("next due = %v", job.State.NextDueAt)
	}
}

func TestAddJob_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	cases := []string{
		`{}`,
		`{"payload": {"message": "x"}}`,
		`{"schedule": {"every_ms": 1000}}`,
		`{"schedule": {"every_ms": 1000}, "payload": {"message": ""}}`,
		`{"schedule": {"cron": "bad"}, "payload": {"message": "x"}}`,
		`{"schedule": {"every_ms": 1000}, "payload": {"message": "x"}, "bogus": true}`,
		`{"schedule": {"every_ms": 1000}, "payload": {"message": "x"}, "wake_mode": "next-heartbeat"}`,
	}
	for _, doc := range cases {
		if _, err := svc.AddJob([]byte(doc)); err == nil {
			t.Fatalf("AddJob(%s) should fail", doc)
		}
	}

	// A past one-shot instant is rejected outright.
	past := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := svc.AddJob([]byte(`{"schedule": {"at": "` + past + `"}, "payload": {"message": "x"}}`)); err == nil {
		t.Fatal("past at-schedule should fail")
	}

	// next-heartbeat is fine with a system-event payload.
	if _, err := svc.AddJob([]byte(`{
		"schedule": {"every_ms": 1000},
		"payload": {"kind": "system-event", "message": "rotate logs"},
		"wake_mode": "next-heartbeat"
	}`)); err != nil {
		t.Fatalf("system-event wake job: %v", err)
	}
}

func TestUpdateJob_RecomputesDueOnScheduleChange(t *testing.T) {
	svc, _, _ := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	oldDue := *job.State.NextDueAt

	updated, err := svc.UpdateJob(job.ID, []byte(`{"schedule": {"every_ms": 3600000}}`))
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.Schedule.EveryMS != 3_600_000 {
		t.Fatalf("schedule = %+v", updated.Schedule)
	}
	if !updated.State.NextDueAt.After(oldDue) {
		t.Fatalf("due not recomputed: %v vs %v", updated.State.NextDueAt, oldDue)
	}

	// Non-schedule patches leave the due time alone.
	again, err := svc.UpdateJob(job.ID, []byte(`{"name": "renamed"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !again.State.NextDueAt.Equal(*updated.State.NextDueAt) {
		t.Fatal("due time changed on non-schedule patch")
	}
}

func TestRemoveJob(t *testing.T) {
	svc, _, store := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.RemoveJob(job.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if _, err := store.GetJob(job.ID); !errors.Is(err, persistence.ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
	if err := svc.RemoveJob(job.ID); !errors.Is(err, persistence.ErrJobNotFound) {
		t.Fatalf("second remove err = %v", err)
	}
}

func TestRunJob_DisabledNeedsForce(t *testing.T) {
	svc, launcher, _ := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}, "enabled": false}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RunJob(context.Background(), job.ID, false); !errors.Is(err, ErrJobDisabled) {
		t.Fatalf("err = %v, want ErrJobDisabled", err)
	}

	runID, err := svc.RunJob(context.Background(), job.ID, true)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}
	svc.Drain()
	if launcher.startedCount() != 1 {
		t.Fatalf("started = %d, want 1", launcher.startedCount())
	}
}

func TestRunJob_DueModeHonorsDueTime(t *testing.T) {
	svc, launcher, store := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}

	// Not due yet: refused with a skipped history entry.
	if _, err := svc.RunJob(context.Background(), job.ID, false); !errors.Is(err, ErrJobNotDue) {
		t.Fatalf("err = %v, want ErrJobNotDue", err)
	}
	if launcher.startedCount() != 0 {
		t.Fatal("not-due job should not launch a run")
	}
	history, err := store.ListHistory(job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Outcome != "skipped" || history[0].Detail != "not due" {
		t.Fatalf("history = %+v", history)
	}

	// Once due, the run fires and the due time advances past now.
	past := time.Now().UTC().Add(-time.Second)
	if err := store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.NextDueAt = &past
	}); err != nil {
		t.Fatal(err)
	}
	runID, err := svc.RunJob(context.Background(), job.ID, false)
	if err != nil {
		t.Fatalf("due run: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run id")
	}
	svc.Drain()

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.NextDueAt == nil || !got.State.NextDueAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("due time not advanced: %v", got.State.NextDueAt)
	}
}

func TestRunJob_ForceBypassesDueCheck(t *testing.T) {
	svc, launcher, store := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	before := *job.State.NextDueAt

	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	svc.Drain()
	if launcher.startedCount() != 1 {
		t.Fatalf("started = %d, want 1", launcher.startedCount())
	}

	// A forced run leaves the schedule alone.
	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.NextDueAt == nil || !got.State.NextDueAt.Equal(before) {
		t.Fatalf("due time = %v, want %v", got.State.NextDueAt, before)
	}
}

func TestRunJob_ConcurrencyCap(t *testing.T) {
	svc, launcher, store := newTestService(t)
	launcher.release = make(chan struct{})

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}

	// First run holds the single slot.
	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Second concurrent run is skipped, not queued.
	if _, err := svc.RunJob(context.Background(), job.ID, true); !errors.Is(err, ErrJobBusy) {
		t.Fatalf("err = %v, want ErrJobBusy", err)
	}

	history, err := store.ListHistory(job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Outcome != "skipped" {
		t.Fatalf("history = %+v", history)
	}

	// Releasing the run frees the slot.
	close(launcher.release)
	svc.Drain()
	launcher.mu.Lock()
	launcher.release = nil
	launcher.mu.Unlock()

	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	svc.Drain()
	if launcher.startedCount() != 2 {
		t.Fatalf("started = %d, want 2", launcher.startedCount())
	}
}

func TestFinalize_UpdatesJobState(t *testing.T) {
	svc, _, store := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}
	svc.Drain()

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.LastStatus != persistence.RunCompleted {
		t.Fatalf("last status = %q", got.State.LastStatus)
	}
	if got.State.RunningAt != nil {
		t.Fatal("RunningAt should clear after finalize")
	}
	if got.State.LastRunAt == nil {
		t.Fatal("LastRunAt not set")
	}
}

func TestOneShot_DeleteAfterRun(t *testing.T) {
	svc, _, store := newTestService(t)

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	job, err := svc.AddJob([]byte(`{
		"schedule": {"at": "` + at + `"},
		"payload": {"message": "one shot"},
		"delete_after_run": true
	}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}
	svc.Drain()

	if _, err := store.GetJob(job.ID); !errors.Is(err, persistence.ErrJobNotFound) {
		t.Fatalf("one-shot should be deleted after run, err = %v", err)
	}
}

func TestOneShot_DisablesWithoutDeleteFlag(t *testing.T) {
	svc, _, store := newTestService(t)

	at := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	job, err := svc.AddJob([]byte(`{"schedule": {"at": "` + at + `"}, "payload": {"message": "one shot"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}
	svc.Drain()

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.State.NextDueAt != nil {
		t.Fatalf("one-shot after run = %+v", got.State)
	}
}

func TestScheduler_FiresDueJobsAndAdvances(t *testing.T) {
	svc, launcher, store := newTestService(t)
	sched := NewScheduler(svc, time.Hour) // driven manually via Tick

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}

	// Not yet due: nothing fires.
	sched.Tick(context.Background())
	if launcher.startedCount() != 0 {
		t.Fatal("job fired before due time")
	}

	// Force the due time into the past.
	past := time.Now().UTC().Add(-time.Second)
	if err := store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.NextDueAt = &past
	}); err != nil {
		t.Fatal(err)
	}

	sched.Tick(context.Background())
	waitFor(t, 2*time.Second, func() bool { return launcher.startedCount() == 1 })
	svc.Drain()

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State.NextDueAt == nil || !got.State.NextDueAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("due time not advanced: %v", got.State.NextDueAt)
	}

	// A second tick before the new due time does not fire again.
	sched.Tick(context.Background())
	if launcher.startedCount() != 1 {
		t.Fatalf("started = %d, want 1", launcher.startedCount())
	}
}

func TestScheduler_DefersWakeJobsToHeartbeat(t *testing.T) {
	svc, launcher, store := newTestService(t)
	sched := NewScheduler(svc, time.Hour)

	job, err := svc.AddJob([]byte(`{
		"schedule": {"every_ms": 60000},
		"payload": {"kind": "system-event", "message": "rotate logs"},
		"wake_mode": "next-heartbeat"
	}`))
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().UTC().Add(-time.Second)
	if err := store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.State.NextDueAt = &past
	}); err != nil {
		t.Fatal(err)
	}

	sched.Tick(context.Background())

	if launcher.startedCount() != 0 {
		t.Fatal("deferred job should not launch a run")
	}
	items, err := store.DrainWakeQueue()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Message != "rotate logs" {
		t.Fatalf("wake items = %+v", items)
	}

	history, err := store.ListHistory(job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Outcome != "deferred" {
		t.Fatalf("history = %+v", history)
	}

	got, _ := store.GetJob(job.ID)
	if got.State.NextDueAt == nil || !got.State.NextDueAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatalf("due time not advanced after defer: %v", got.State.NextDueAt)
	}
}

func TestScheduler_RetiresExhaustedAtJob(t *testing.T) {
	svc, launcher, store := newTestService(t)
	sched := NewScheduler(svc, time.Hour)

	at := time.Now().UTC().Add(time.Hour)
	job, err := svc.AddJob([]byte(`{"schedule": {"at": "` + at.Format(time.RFC3339) + `"}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a due one-shot: past due time, past instant.
	pastAt := time.Now().UTC().Add(-time.Minute)
	if err := store.UpdateJobState(job.ID, func(j *persistence.Job) {
		j.Schedule.At = &pastAt
		j.State.NextDueAt = &pastAt
	}); err != nil {
		t.Fatal(err)
	}

	sched.Tick(context.Background())
	waitFor(t, 2*time.Second, func() bool { return launcher.startedCount() == 1 })
	svc.Drain()

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.State.NextDueAt != nil {
		t.Fatalf("one-shot should retire after firing: %+v", got.State)
	}
}

func TestListRuns(t *testing.T) {
	svc, _, _ := newTestService(t)

	job, err := svc.AddJob([]byte(`{"schedule": {"every_ms": 60000}, "payload": {"message": "x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RunJob(context.Background(), job.ID, true); err != nil {
		t.Fatal(err)
	}
	svc.Drain()

	runs, err := svc.ListRuns(job.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].JobID != job.ID {
		t.Fatalf("runs = %+v", runs)
	}
}
