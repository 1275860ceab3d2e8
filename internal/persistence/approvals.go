package persistence

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// PutApproval inserts or replaces an approval record.
func (s *Store) PutApproval(a Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).Put([]byte(a.ID), data)
	})
}

// GetApproval loads an approval by ID. Returns ErrApprovalNotFound if absent.
func (s *Store) GetApproval(id string) (Approval, error) {
	var a Approval
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(id))
		if data == nil {
			return ErrApprovalNotFound
		}
		return json.Unmarshal(data, &a)
	})
	return a, err
}

// ListApprovals returns approvals oldest-first. With pendingOnly set, only
// unresolved records are returned.
func (s *Store) ListApprovals(pendingOnly bool) ([]Approval, error) {
	var approvals []Approval
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(_, data []byte) error {
			var a Approval
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if pendingOnly && a.Decision != "" {
				return nil
			}
			approvals = append(approvals, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(approvals, func(i, j int) bool {
		if approvals[i].CreatedAt.Equal(approvals[j].CreatedAt) {
			return approvals[i].ID < approvals[j].ID
		}
		return approvals[i].CreatedAt.Before(approvals[j].CreatedAt)
	})
	return approvals, nil
}
