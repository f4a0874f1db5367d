// Package workerapi exposes the worker process's HTTP surface (§6):
// GET /health, POST /migrate, POST /test-connection. Hand-rolled
// net/http.ServeMux + encoding/json handlers, the same idiom as the
// teacher's pkg/api/server.go/health.go, pared down to this spec's three
// endpoints instead of the teacher's health/metrics/streams/config surface.
package workerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/destination"
	"github.com/cohenjo/migrator/pkg/models"
	"github.com/cohenjo/migrator/pkg/pipeline"
	"github.com/cohenjo/migrator/pkg/source"
)

// Server wires the Pipeline Engine and adapter registries into an
// http.Handler.
type Server struct {
	Engine       *pipeline.Engine
	Sources      *source.Registry
	Destinations *destination.Registry
	MigrateTimeout time.Duration

	mux *http.ServeMux
}

func NewServer(engine *pipeline.Engine, sources *source.Registry, destinations *destination.Registry, migrateTimeout time.Duration) *Server {
	s := &Server{Engine: engine, Sources: sources, Destinations: destinations, MigrateTimeout: migrateTimeout}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/migrate", s.handleMigrate)
	s.mux.HandleFunc("/test-connection", s.handleTestConnection)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status       string   `json:"status"`
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:       "healthy",
		Sources:      s.Sources.Types(),
		Destinations: s.Destinations.Types(),
	})
}

type migrateRequest struct {
	SourceType    string                 `json:"source_type"`
	DestType      string                 `json:"dest_type"`
	Source        map[string]interface{} `json:"source"`
	Destination   map[string]interface{} `json:"destination"`
	OperationType models.OperationType   `json:"operation_type"`
	LastSyncTime  *time.Time             `json:"last_sync_time,omitempty"`
}

// handleMigrate blocks for the entire operation (§9 "Long-running
// synchronous RPC"); progress is externalised via logs/metrics, not via
// partial HTTP responses.
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.MigrateTimeout)
	defer cancel()

	result, err := s.Engine.Run(ctx, pipeline.Request{
		SourceKey:     req.SourceType,
		SourceConfig:  req.Source,
		DestKey:       req.DestType,
		DestConfig:    req.Destination,
		OperationType: req.OperationType,
		Since:         req.LastSyncTime,
	})
	if err != nil {
		log.Error().Err(err).Str("source_type", req.SourceType).Str("dest_type", req.DestType).Msg("migration aborted in pre-flight")
		writeJSON(w, http.StatusInternalServerError, models.MigrationResult{
			Success: false,
			Errors:  []string{err.Error()},
		})
		return
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

type testConnectionRequest struct {
	Type       string                 `json:"type"` // "source" | "destination"
	AdapterType string                `json:"adapter_type"`
	Config     map[string]interface{} `json:"config"`
}

type testConnectionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	switch req.Type {
	case "source":
		adapter, err := s.Sources.New(req.AdapterType, req.Config)
		if err != nil {
			writeJSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
			return
		}
		if err := adapter.Connect(ctx); err != nil {
			writeJSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
			return
		}
		_ = adapter.Disconnect(ctx)
	case "destination":
		adapter, err := s.Destinations.New(req.AdapterType, req.Config)
		if err != nil {
			writeJSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
			return
		}
		if err := adapter.Connect(ctx, ""); err != nil {
			writeJSON(w, http.StatusOK, testConnectionResponse{Success: false, Error: err.Error()})
			return
		}
		_ = adapter.Disconnect(ctx)
	default:
		writeJSON(w, http.StatusBadRequest, testConnectionResponse{Success: false, Error: "type must be \"source\" or \"destination\""})
		return
	}

	writeJSON(w, http.StatusOK, testConnectionResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}
