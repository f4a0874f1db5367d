// Package orchestratorapi exposes the orchestrator's CRUD/control surface
// (§6): operations CRUD plus execute/retry/status/summary. Same hand-rolled
// net/http.ServeMux + encoding/json idiom as pkg/workerapi and the
// teacher's pkg/api/server.go.
package orchestratorapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/opstore"
	"github.com/cohenjo/migrator/pkg/orchestrator"
)

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

type Server struct {
	Store        *opstore.Store
	Orchestrator *orchestrator.Orchestrator

	mux *http.ServeMux
}

func NewServer(store *opstore.Store, orch *orchestrator.Orchestrator) *Server {
	s := &Server{Store: store, Orchestrator: orch}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/operations", s.handleOperationsCollection)
	s.mux.HandleFunc("/operations/", s.handleOperationsItem)
	s.mux.HandleFunc("/operations/summary", s.handleSummary)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type createOperationRequest struct {
	OwnerID       string                 `json:"owner_id"`
	ScheduledAt   string                 `json:"scheduled_at"`
	OperationType models.OperationType   `json:"operation_type"`
	SourceType    string                 `json:"source_type"`
	DestType      string                 `json:"dest_type"`
	Source        map[string]interface{} `json:"source"`
	Destination   map[string]interface{} `json:"destination"`
}

func (s *Server) handleOperationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createOperation(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := models.OperationConfig{
		SourceType:    req.SourceType,
		DestType:      req.DestType,
		Source:        req.Source,
		Destination:   req.Destination,
		OperationType: req.OperationType,
	}
	// Scenario 4: same-kind rejection at creation time, before any row
	// exists.
	if err := cfg.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	op := &models.Operation{
		OwnerID:       req.OwnerID,
		OperationType: req.OperationType,
		Config:        cfg,
	}
	if req.ScheduledAt != "" {
		if t, err := parseTime(req.ScheduledAt); err == nil {
			op.ScheduledAt = t
		} else {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid scheduled_at"})
			return
		}
	}

	if err := s.Store.Create(r.Context(), op); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// handleOperationsItem dispatches /operations/{id}, /operations/{id}/execute,
// /operations/{id}/retry, /operations/{id}/status.
func (s *Server) handleOperationsItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/operations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getOperation(w, r, id)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteOperation(w, r, id)
	case action == "execute" && r.Method == http.MethodPost:
		s.executeOperation(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		s.retryOperation(w, r, id)
	case action == "status" && r.Method == http.MethodGet:
		s.statusOperation(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) deleteOperation(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.Orchestrator.Delete(r.Context(), id); err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeOperation(w http.ResponseWriter, r *http.Request, id string) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.Orchestrator.Execute(r.Context(), id, force); err != nil {
		log.Error().Err(err).Str("operation_id", id).Msg("execute failed")
		writeNotFoundOrError(w, err)
		return
	}
	op, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) retryOperation(w http.ResponseWriter, r *http.Request, id string) {
	// A retry is an explicit Execute(force=true) from a terminal status;
	// §4.2.d idempotence means tables already present at the destination
	// are skipped by createTable/R2, not by anything special here.
	if err := s.Orchestrator.Execute(r.Context(), id, true); err != nil {
		log.Error().Err(err).Str("operation_id", id).Msg("retry failed")
		writeNotFoundOrError(w, err)
		return
	}
	op, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type statusResponse struct {
	*models.Operation
	DurationSeconds *float64 `json:"duration_seconds"`
	IsCompleted     bool     `json:"is_completed"`
	IsSuccess       bool     `json:"is_success"`
}

func (s *Server) statusOperation(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeNotFoundOrError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Operation:       op,
		DurationSeconds: op.DurationSeconds(),
		IsCompleted:     op.IsCompleted(),
		IsSuccess:       op.IsSuccess(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ownerID := r.URL.Query().Get("owner_id")
	recentN := 10
	if v := r.URL.Query().Get("recent"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			recentN = n
		}
	}
	summary, err := s.Store.Summary(r.Context(), ownerID, recentN)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeNotFoundOrError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrOperationNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrOperationRunning), errors.Is(err, models.ErrScheduledInFuture), errors.Is(err, models.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}
