package persistence

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// EnqueueWake adds a system event to the heartbeat queue. It stays queued
// until the next beat drains it.
func (s *Store) EnqueueWake(item WakeItem) error {
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeatQueue).Put([]byte(item.ID), data)
	})
}

// DrainWakeQueue removes and returns all queued wake items, oldest first.
func (s *Store) DrainWakeQueue() ([]WakeItem, error) {
	var items []WakeItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHeartbeatQueue)
		var keys [][]byte
		if err := b.ForEach(func(key, data []byte) error {
			var item WakeItem
			if err := json.Unmarshal(data, &item); err != nil {
				return err
			}
			items = append(items, item)
			keys = append(keys, append([]byte(nil), key...))
			return nil
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].QueuedAt.Before(items[j].QueuedAt)
	})
	return items, nil
}

// PendingWakeCount returns the number of queued wake items.
func (s *Store) PendingWakeCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketHeartbeatQueue).Stats().KeyN
		return nil
	})
	return count, err
}
