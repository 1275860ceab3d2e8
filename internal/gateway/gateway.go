// Package gateway exposes the daemon's HTTP API: job and run management,
// approvals, routes, receipts, outbound sends and the WebSocket event feed.
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vervet/valet/internal/approval"
	"github.com/vervet/valet/internal/audit"
	"github.com/vervet/valet/internal/bus"
	"github.com/vervet/valet/internal/cron"
	"github.com/vervet/valet/internal/delivery"
	"github.com/vervet/valet/internal/engine"
	"github.com/vervet/valet/internal/heartbeat"
	"github.com/vervet/valet/internal/persistence"
	"github.com/vervet/valet/internal/policy"
	"github.com/vervet/valet/internal/shared"
)

// Config holds the gateway's dependencies.
type Config struct {
	Store     *persistence.Store
	Jobs      *cron.Service
	Engine    *engine.Engine
	Broker    *approval.Broker
	Router    *delivery.Router
	Heartbeat *heartbeat.Manager
	Bus       *bus.Bus
	Policy    *policy.LivePolicy
	Logger    *slog.Logger

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in status.
	ConfigFingerprint string
	StartedAt         time.Time
	Version           string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	mux.HandleFunc("POST /api/v1/jobs", s.handleJobAdd)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobList)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJobGet)
	mux.HandleFunc("PATCH /api/v1/jobs/{id}", s.handleJobUpdate)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.handleJobRemove)
	mux.HandleFunc("POST /api/v1/jobs/{id}/run", s.handleJobRun)
	mux.HandleFunc("GET /api/v1/jobs/{id}/runs", s.handleJobRuns)
	mux.HandleFunc("GET /api/v1/jobs/{id}/history", s.handleJobHistory)

	mux.HandleFunc("POST /api/v1/runs", s.handleRunStart)
	mux.HandleFunc("GET /api/v1/runs", s.handleRunList)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.handleRunResume)
	mux.HandleFunc("POST /api/v1/runs/{id}/fork", s.handleRunFork)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)

	mux.HandleFunc("GET /api/v1/approvals", s.handleApprovalList)
	mux.HandleFunc("POST /api/v1/approvals/{id}/resolve", s.handleApprovalResolve)
	mux.HandleFunc("GET /api/v1/inputs", s.handleInputList)
	mux.HandleFunc("POST /api/v1/inputs/{id}", s.handleInputSubmit)

	mux.HandleFunc("GET /api/v1/routes", s.handleRouteList)
	mux.HandleFunc("GET /api/v1/routes/{session}", s.handleRouteGet)
	mux.HandleFunc("PUT /api/v1/routes/{session}", s.handleRoutePut)
	mux.HandleFunc("GET /api/v1/receipts", s.handleReceiptList)
	mux.HandleFunc("POST /api/v1/send", s.handleSend)
	mux.HandleFunc("POST /api/v1/heartbeat/wake", s.handleWake)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrJobNotFound),
		errors.Is(err, persistence.ErrRunNotFound),
		errors.Is(err, persistence.ErrApprovalNotFound),
		errors.Is(err, persistence.ErrRouteNotFound),
		errors.Is(err, approval.ErrNotPending):
		status = http.StatusNotFound
	case errors.Is(err, cron.ErrJobBusy):
		status = http.StatusConflict
	case errors.Is(err, cron.ErrJobDisabled),
		errors.Is(err, cron.ErrJobNotDue),
		errors.Is(err, engine.ErrRunNotTerminal),
		errors.Is(err, engine.ErrRunNotActive):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrInvalidPhrase):
		status = http.StatusForbidden
	case errors.Is(err, approval.ErrInvalidDecision),
		errors.Is(err, delivery.ErrNoChannel):
		status = http.StatusBadRequest
	case errors.Is(err, delivery.ErrNoRoute):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.CountRunsByStatus(); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	runCounts, err := s.cfg.Store.CountRunsByStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.cfg.Store.ListJobs(true)
	if err != nil {
		writeError(w, err)
		return
	}
	enabled := 0
	for _, job := range jobs {
		if job.Enabled {
			enabled++
		}
	}
	pendingWakes, _ := s.cfg.Store.PendingWakeCount()

	payload := map[string]any{
		"version":            s.cfg.Version,
		"uptime_seconds":     int(time.Since(s.cfg.StartedAt).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"jobs_total":         len(jobs),
		"jobs_enabled":       enabled,
		"runs":               runCounts,
		"pending_approvals":  len(s.cfg.Broker.ListPending()),
		"pending_wake_items": pendingWakes,
		"audit_head":         audit.Head(),
		"audit_denials":      audit.DenyCount(),
	}
	if s.cfg.Policy != nil {
		payload["policy_version"] = s.cfg.Policy.PolicyVersion()
		payload["policy_mode"] = s.cfg.Policy.Snapshot().Mode
	}
	if s.cfg.Heartbeat != nil {
		payload["next_heartbeat"] = s.cfg.Heartbeat.NextBeat().UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleJobAdd(w http.ResponseWriter, r *http.Request) {
	doc, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	job, err := s.cfg.Jobs.AddJob(doc)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	includeDisabled := r.URL.Query().Get("includeDisabled") == "true"
	jobs, err := s.cfg.Jobs.ListJobs(includeDisabled)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []persistence.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Jobs.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobUpdate(w http.ResponseWriter, r *http.Request) {
	patch, err := readBody(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	job, err := s.cfg.Jobs.UpdateJob(r.PathValue("id"), patch)
	if err != nil {
		if errors.Is(err, persistence.ErrJobNotFound) {
			writeError(w, err)
		} else {
			writeBadRequest(w, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Jobs.RemoveJob(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobRunRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	// An empty body defaults to a forced run.
	req := jobRunRequest{Mode: "force"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid body")
		return
	}
	if req.Mode == "" {
		req.Mode = "force"
	}
	if req.Mode != "due" && req.Mode != "force" {
		writeBadRequest(w, `mode must be "due" or "force"`)
		return
	}
	runID, err := s.cfg.Jobs.RunJob(r.Context(), r.PathValue("id"), req.Mode == "force")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Jobs.ListRuns(r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.ListHistory(r.PathValue("id"), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []persistence.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

type startRunRequest struct {
	Prompt        string                    `json:"prompt"`
	SessionTarget string                    `json:"session_target"`
	Delivery      *persistence.DeliverySpec `json:"delivery"`
	BestEffort    bool                      `json:"best_effort"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	sessionID := ""
	switch req.SessionTarget {
	case "", "isolated":
	case "main":
		sessionID = shared.MainSessionID
	default:
		writeBadRequest(w, `session_target must be "main" or "isolated"`)
		return
	}
	runID, err := s.cfg.Engine.StartRun(r.Context(), engine.StartOptions{
		SessionID:  sessionID,
		Prompt:     req.Prompt,
		Delivery:   req.Delivery,
		BestEffort: req.BestEffort,
		Deliver:    true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.cfg.Store.ListRuns(queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Engine.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

type followUpRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	runID, err := s.cfg.Engine.ResumeRun(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleRunFork(w http.ResponseWriter, r *http.Request) {
	var req followUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	runID, err := s.cfg.Engine.ForkRun(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "true" {
		approvals, err := s.cfg.Store.ListApprovals(false)
		if err != nil {
			writeError(w, err)
			return
		}
		if approvals == nil {
			approvals = []persistence.Approval{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
		return
	}
	pending := []persistence.Approval{}
	for _, rec := range s.cfg.Broker.ListPending() {
		if rec.Kind != engine.ActionInput {
			pending = append(pending, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleInputList(w http.ResponseWriter, _ *http.Request) {
	inputs := []persistence.Approval{}
	for _, rec := range s.cfg.Broker.ListPending() {
		if rec.Kind == engine.ActionInput {
			inputs = append(inputs, rec)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"inputs": inputs})
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Phrase   string `json:"phrase"`
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body")
		return
	}
	if err := s.cfg.Broker.Resolve(r.PathValue("id"), req.Decision, req.Reason, req.Phrase); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type submitInputRequest struct {
	Decision string            `json:"decision"`
	Answers  map[string]string `json:"answers"`
}

func (s *Server) handleInputSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid body")
		return
	}
	if req.Decision == "" {
		req.Decision = engine.DecisionSubmit
	}
	if err := s.cfg.Broker.SubmitInput(r.PathValue("id"), req.Decision, req.Answers); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "submitted"})
}

func (s *Server) handleRouteList(w http.ResponseWriter, _ *http.Request) {
	routes, err := s.cfg.Store.ListRoutes()
	if err != nil {
		writeError(w, err)
		return
	}
	if routes == nil {
		routes = []persistence.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (s *Server) handleRouteGet(w http.ResponseWriter, r *http.Request) {
	route, err := s.cfg.Store.GetRoute(r.PathValue("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

type routePutRequest struct {
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	Account     string `json:"account"`
}

func (s *Server) handleRoutePut(w http.ResponseWriter, r *http.Request) {
	var req routePutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" || req.Destination == "" {
		writeBadRequest(w, "channel and destination are required")
		return
	}
	route := persistence.Route{
		SessionID:   r.PathValue("session"),
		Channel:     req.Channel,
		Destination: req.Destination,
		Account:     req.Account,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.cfg.Store.PutRoute(route); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleReceiptList(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.cfg.Store.ListReceipts(queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []persistence.Receipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

type sendRequest struct {
	SessionID      string `json:"session_id"`
	Channel        string `json:"channel"`
	Destination    string `json:"destination"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
	BestEffort     bool   `json:"best_effort"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeBadRequest(w, "content is required")
		return
	}
	receipt, err := s.cfg.Router.Send(r.Context(), delivery.Request{
		SessionID:      req.SessionID,
		Channel:        req.Channel,
		Destination:    req.Destination,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
		BestEffort:     req.BestEffort,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleWake(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Heartbeat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "heartbeat disabled"})
		return
	}
	s.cfg.Heartbeat.Wake()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "waking"})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return raw, nil
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return fallback
	}
	return limit
}
