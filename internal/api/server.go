// Package api exposes the governor's read-only status surface: current
// window and per-workload state, stored decisions, and a live WebSocket
// feed of decisions as they commit. Nothing here can influence a decision;
// the server holds only snapshots and the derived store.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rgov/rgov/internal/governor"
	"github.com/rgov/rgov/internal/record"
)

// StatusSource is the governor surface the server reads from.
type StatusSource interface {
	Status() governor.Status
}

// DecisionReader is the store surface backing the decision listing.
type DecisionReader interface {
	ListDecisions(f record.DecisionFilter) ([]record.Decision, error)
	ListRuns(limit int) ([]record.Run, error)
}

// Server is the read-only status API server.
type Server struct {
	source StatusSource
	store  DecisionReader
	hub    *WebSocketHub
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates the status API server. store may be nil when the
// decision store is disabled; the decision listing then returns 404.
func NewServer(source StatusSource, store DecisionReader, allowAllOrigins bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		source: source,
		store:  store,
		hub:    NewWebSocketHub(logger, allowAllOrigins),
		mux:    http.NewServeMux(),
		logger: logger.With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/decisions", s.handleListDecisions)
	s.mux.HandleFunc("GET /api/live", s.hub.HandleWebSocket)
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Broadcast forwards a committed decision to live feed subscribers. Wired
// as the governor's Notify hook.
func (s *Server) Broadcast(d record.Decision) {
	s.hub.Broadcast(d)
}

// Close shuts down the live feed hub.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Status())
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "decision store disabled", http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "decision store disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	decisions, err := s.store.ListDecisions(record.DecisionFilter{
		RunID:      q.Get("run_id"),
		WorkloadID: q.Get("workload_id"),
		RuleID:     q.Get("rule_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("list decisions failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"decisions": decisions, "count": len(decisions)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
