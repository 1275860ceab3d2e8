package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/persistence"
)

const maxEventWait = 60 * time.Second

// handleRunEvents streams a run's events as ndjson. With wait set, the
// request long-polls: it blocks until an event past the cursor arrives, the
// run ends or the wait expires.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.cfg.Store.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}

	after := int64(0)
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeBadRequest(w, "invalid after cursor")
			return
		}
	}
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err = time.ParseDuration(raw)
		if err != nil || wait < 0 {
			writeBadRequest(w, "invalid wait duration")
			return
		}
		if wait > maxEventWait {
			wait = maxEventWait
		}
	}

	// Subscribe before reading so no event lands between the file read and
	// the wait.
	var sub *bus.Subscription
	if wait > 0 && s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe(bus.TopicRunEventPrefix + runID)
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	events, err := s.cfg.Store.ListRunEvents(runID, after, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(events) == 0 && wait > 0 && !persistence.TerminalStatus(run.Status) {
		events = s.waitForEvents(r, sub, runID, after, wait)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, ev := range events {
		_ = enc.Encode(ev)
	}
}

func (s *Server) waitForEvents(r *http.Request, sub *bus.Subscription, runID string, after int64, wait time.Duration) []persistence.Event {
	if sub == nil {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-timer.C:
			return nil
		case _, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			events, err := s.cfg.Store.ListRunEvents(runID, after, 0)
			if err != nil {
				s.cfg.Logger.Error("list run events", "run_id", runID, "error", err)
				return nil
			}
			if len(events) > 0 {
				return events
			}
		}
	}
}
