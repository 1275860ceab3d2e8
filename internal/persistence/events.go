package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vervet/valet/internal/bus"
)

func (s *Store) runEventsPath(runID string) string {
	return filepath.Join(s.stateDir, "runs", runID+".jsonl")
}

// AppendRunEvent assigns the next sequence number for the run, appends the
// event to state/runs/<runID>.jsonl and publishes it on the run's event topic.
func (s *Store) AppendRunEvent(runID, kind string, payload json.RawMessage) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[runID]
	if !ok {
		recovered, err := s.recoverSeq(runID)
		if err != nil {
			return Event{}, err
		}
		seq = recovered
	}
	seq++

	ev := Event{
		RunID:     runID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   payload,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	f, err := os.OpenFile(s.runEventsPath(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Event{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Event{}, err
	}
	s.seqs[runID] = seq

	s.publish(bus.TopicRunEventPrefix+runID, ev)
	return ev, nil
}

// recoverSeq scans an existing run event file for the highest sequence number.
// Caller holds s.mu.
func (s *Store) recoverSeq(runID string) (int64, error) {
	f, err := os.Open(s.runEventsPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var max int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Seq > max {
			max = ev.Seq
		}
	}
	return max, scanner.Err()
}

// ListRunEvents returns the run's events with seq > afterSeq, in order,
// capped at limit (0 = unlimited).
func (s *Store) ListRunEvents(runID string, afterSeq int64, limit int) ([]Event, error) {
	f, err := os.Open(s.runEventsPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Seq <= afterSeq {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, scanner.Err()
}
