package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vervet/valet/internal/shared"
)

// genesisHash anchors the chain; the first record's prev_hash.
const genesisHash = "genesis"

type entry struct {
	Timestamp     string `json:"timestamp"`
	Action        string `json:"action"`
	Subject       string `json:"subject,omitempty"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
	PrevHash      string `json:"prev_hash"`
	RecordHash    string `json:"record_hash"`
}

var (
	mu        sync.Mutex
	file      *os.File
	head      string
	denyCount atomic.Int64
)

// Init opens logs/audit.jsonl for append and recovers the chain head from the
// last valid record. Idempotent.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(logDir, "audit.jsonl")
	recovered, err := recoverHead(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	head = recovered
	return nil
}

func recoverHead(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", err
	}
	defer f.Close()

	last := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev entry
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.RecordHash != "" {
			last = ev.RecordHash
		}
	}
	return last, scanner.Err()
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	head = ""
	return err
}

// Head returns the current chain head hash.
func Head() string {
	mu.Lock()
	defer mu.Unlock()
	if head == "" {
		return genesisHash
	}
	return head
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

func recordHash(prevHash, timestamp, action, subject, decision, reason, policyVersion string) string {
	canonical := strings.Join([]string{prevHash, timestamp, action, subject, decision, reason, policyVersion}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Record appends a hash-chained audit record. Secrets are redacted before
// persistence. Safe to call before Init; the record is then dropped.
func Record(action, subject, decision, reason, policyVersion string) {
	if decision == "deny" || decision == "decline" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	if head == "" {
		head = genesisHash
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	ev := entry{
		Timestamp:     ts,
		Action:        action,
		Subject:       subject,
		Decision:      decision,
		Reason:        reason,
		PolicyVersion: policyVersion,
		PrevHash:      head,
		RecordHash:    recordHash(head, ts, action, subject, decision, reason, policyVersion),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err != nil {
		return
	}
	head = ev.RecordHash
}

// Verify walks an audit log file and checks the hash chain. It returns the
// number of valid records and an error naming the first broken link.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prev := genesisHash
	count := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev entry
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return count, fmt.Errorf("line %d: invalid record: %w", lineNo, err)
		}
		if ev.PrevHash != prev {
			return count, fmt.Errorf("line %d: chain broken: prev_hash %s, want %s", lineNo, ev.PrevHash, prev)
		}
		want := recordHash(ev.PrevHash, ev.Timestamp, ev.Action, ev.Subject, ev.Decision, ev.Reason, ev.PolicyVersion)
		if ev.RecordHash != want {
			return count, fmt.Errorf("line %d: record hash mismatch", lineNo)
		}
		prev = ev.RecordHash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}
