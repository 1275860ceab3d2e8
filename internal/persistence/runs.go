package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vervet/valet/internal/bus"
)

// CreateRun persists a new run in status pending.
func (s *Store) CreateRun(run Run) error {
	if run.Status == "" {
		run.Status = RunPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// GetRun loads a run by ID. Returns ErrRunNotFound if absent.
func (s *Store) GetRun(id string) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(data, &run)
	})
	return run, err
}

// ListRuns returns runs newest-first, optionally capped at limit.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	runs, err := s.collectRuns(func(Run) bool { return true })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListRunsForJob returns a job's runs newest-first.
func (s *Store) ListRunsForJob(jobID string, limit int) ([]Run, error) {
	runs, err := s.collectRuns(func(r Run) bool { return r.JobID == jobID })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) collectRuns(keep func(Run) bool) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, data []byte) error {
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			if keep(run) {
				runs = append(runs, run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// TransitionRun moves a run to a new status, enforcing the status machine,
// applies mutate (may be nil) and publishes run.state_changed.
func (s *Store) TransitionRun(id, newStatus string, mutate func(*Run)) (Run, error) {
	var run Run
	var oldStatus string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		oldStatus = run.Status
		if !TransitionAllowed(oldStatus, newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrBadTransition, oldStatus, newStatus)
		}
		run.Status = newStatus
		now := time.Now().UTC()
		if newStatus == RunRunning && run.StartedAt == nil {
			run.StartedAt = &now
		}
		if TerminalStatus(newStatus) {
			run.EndedAt = &now
		}
		if mutate != nil {
			mutate(&run)
		}
		out, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return Run{}, err
	}
	s.publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:     run.ID,
		JobID:     run.JobID,
		SessionID: run.SessionID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
	return run, nil
}

// RecoverStaleRuns marks runs left non-terminal by a previous process as
// failed. Called once on startup, before the scheduler starts.
func (s *Store) RecoverStaleRuns() (int, error) {
	var stale []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(key, data []byte) error {
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			if !TerminalStatus(run.Status) {
				stale = append(stale, string(key))
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	for _, id := range stale {
		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketRuns)
			data := b.Get([]byte(id))
			if data == nil {
				return nil
			}
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			run.Status = RunFailed
			run.Error = "daemon restart"
			now := time.Now().UTC()
			run.EndedAt = &now
			out, err := json.Marshal(run)
			if err != nil {
				return err
			}
			return b.Put([]byte(id), out)
		})
		if err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// CountRunsByStatus returns a status -> count map over all runs.
func (s *Store) CountRunsByStatus() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, data []byte) error {
			var run Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			counts[run.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
