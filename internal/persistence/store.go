package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vervet/valet/internal/bus"
)

var (
	bucketJobs           = []byte("jobs")
	bucketRuns           = []byte("runs")
	bucketRoutes         = []byte("routes")
	bucketApprovals      = []byte("approvals")
	bucketReceiptKeys    = []byte("receipt_keys")
	bucketHeartbeatQueue = []byte("heartbeat_queue")
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrApprovalNotFound = errors.New("approval not found")
	ErrBadTransition    = errors.New("illegal run status transition")
)

// Store owns the record database and the append-only files under state/.
type Store struct {
	db       *bolt.DB
	bus      *bus.Bus
	stateDir string

	mu      sync.Mutex
	seqs    map[string]int64 // per-run event sequence counters
	history sync.Mutex       // serializes history/receipt file appends
}

// Open opens (creating if needed) state/valet.db under stateDir plus the
// runs/ and history/ subdirectories.
func Open(stateDir string, b *bus.Bus) (*Store, error) {
	if stateDir == "" {
		return nil, errors.New("state dir is required")
	}
	for _, dir := range []string{stateDir, filepath.Join(stateDir, "runs"), filepath.Join(stateDir, "history")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(filepath.Join(stateDir, "valet.db"), 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:       db,
		bus:      b,
		stateDir: stateDir,
		seqs:     make(map[string]int64),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketJobs,
			bucketRuns,
			bucketRoutes,
			bucketApprovals,
			bucketReceiptKeys,
			bucketHeartbeatQueue,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
