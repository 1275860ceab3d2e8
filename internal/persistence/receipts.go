package persistence

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrReceiptNotFound is returned when no receipt matches an idempotency key.
var ErrReceiptNotFound = errors.New("receipt not found")

func (s *Store) receiptsPath() string {
	return filepath.Join(s.stateDir, "receipts.jsonl")
}

// RecordReceipt appends the receipt to state/receipts.jsonl. Receipts with an
// idempotency key are indexed in the receipt_keys bucket only when the key was
// consumed (status sent or skipped); error receipts leave the key free for a
// retry.
func (s *Store) RecordReceipt(r Receipt) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Direction == "" {
		r.Direction = "outbound"
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.history.Lock()
	defer s.history.Unlock()

	f, err := os.OpenFile(s.receiptsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if r.IdempotencyKey == "" || (r.Status != ReceiptSent && r.Status != ReceiptSkipped) {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceiptKeys).Put([]byte(r.IdempotencyKey), data)
	})
}

// GetReceiptByKey returns the receipt that consumed an idempotency key.
// Returns ErrReceiptNotFound if the key is unconsumed.
func (s *Store) GetReceiptByKey(key string) (Receipt, error) {
	var r Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReceiptKeys).Get([]byte(key))
		if data == nil {
			return ErrReceiptNotFound
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// ListReceipts returns the newest receipts, capped at limit (0 = unlimited).
func (s *Store) ListReceipts(limit int) ([]Receipt, error) {
	s.history.Lock()
	defer s.history.Unlock()

	f, err := os.Open(s.receiptsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var receipts []Receipt
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r Receipt
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		receipts = append(receipts, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(receipts)-1; i < j; i, j = i+1, j-1 {
		receipts[i], receipts[j] = receipts[j], receipts[i]
	}
	if limit > 0 && len(receipts) > limit {
		receipts = receipts[:limit]
	}
	return receipts, nil
}
