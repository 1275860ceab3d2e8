package persistence

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// PutJob inserts or replaces a job record.
func (s *Store) PutJob(job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

// GetJob loads a job by ID. Returns ErrJobNotFound if absent.
func (s *Store) GetJob(id string) (Job, error) {
	var job Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(data, &job)
	})
	return job, err
}

// DeleteJob removes a job record. Deleting an absent job is not an error.
func (s *Store) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// ListJobs returns all jobs, sorted by creation time then ID. Disabled jobs
// are included only when includeDisabled is set.
func (s *Store) ListJobs(includeDisabled bool) ([]Job, error) {
	var jobs []Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, data []byte) error {
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			if !job.Enabled && !includeDisabled {
				return nil
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// UpdateJobState applies fn to the job's RunState inside a single transaction.
func (s *Store) UpdateJobState(id string, fn func(*Job)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		fn(&job)
		out, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}
