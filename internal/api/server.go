// Package api exposes mayor over HTTP: board and stats endpoints for
// dashboards, bead CRUD for tooling, and live event streams over SSE and
// websocket.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beadworks/mayor/internal/beads"
	"github.com/beadworks/mayor/internal/eventbus"
	"github.com/beadworks/mayor/internal/logging"
	"github.com/beadworks/mayor/internal/mayor"
	"github.com/beadworks/mayor/internal/progress"
	"github.com/beadworks/mayor/internal/registry"
	"github.com/beadworks/mayor/pkg/models"
)

// Server is the HTTP API server.
type Server struct {
	mayor    *mayor.Mayor
	bus      *eventbus.Bus
	logs     *logging.Manager
	tracker  *progress.Tracker
	registry *registry.Registry
}

// NewServer wires the API over the orchestration facade.
func NewServer(m *mayor.Mayor, bus *eventbus.Bus, logs *logging.Manager,
	tracker *progress.Tracker, reg *registry.Registry) *Server {
	return &Server{
		mayor:    m,
		bus:      bus,
		logs:     logs,
		tracker:  tracker,
		registry: reg,
	}
}

// SetupRoutes configures HTTP routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/board", s.handleBoard)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/beads", s.handleBeads)
	mux.HandleFunc("/api/beads/", s.handleBead)
	mux.HandleFunc("/api/events/stream", s.handleEventStream)
	mux.HandleFunc("/api/events/ws", s.handleEventWS)
	mux.Handle("/metrics", promhttp.Handler())

	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.mayor.Stats()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	board, err := s.mayor.Board()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, board)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.logs == nil {
		s.respondJSON(w, http.StatusOK, []logging.Entry{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.logs.Recent(200))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.registry == nil {
		s.respondJSON(w, http.StatusOK, []registry.Entry{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.tracker == nil {
		s.respondJSON(w, http.StatusOK, []models.TaskProgress{})
		return
	}
	s.respondJSON(w, http.StatusOK, s.tracker.All())
}

func (s *Server) handleBeads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := s.mayor.ListBeads()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, all)

	case http.MethodPost:
		// A JSON array creates a batch; an object creates one bead.
		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(raw) > 0 && raw[0] == '[' {
			var specs []mayor.BeadSpec
			if err := json.Unmarshal(raw, &specs); err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid bead list")
				return
			}
			created, err := s.mayor.CreateBeadsBulk(specs)
			if err != nil {
				s.respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.respondJSON(w, http.StatusCreated, created)
			return
		}
		var spec mayor.BeadSpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid bead")
			return
		}
		created, err := s.mayor.CreateBead(spec)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusCreated, created)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleBead serves /api/beads/{id} and /api/beads/{id}/{action}.
func (s *Server) handleBead(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/beads/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if id == "" {
		s.respondError(w, http.StatusNotFound, "missing bead id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		b, err := s.mayor.GetBead(id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.mayor.DeleteBead(id); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"deleted": id})

	case action == "move" && r.Method == http.MethodPost:
		var req struct {
			Status models.BeadStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		b, err := s.mayor.MoveBead(id, req.Status)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)

	case action == "release" && r.Method == http.MethodPost:
		b, err := s.mayor.ReleaseBead(id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)

	case action == "skip" && r.Method == http.MethodPost:
		b, err := s.mayor.SkipBead(id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)

	case action == "passing" && r.Method == http.MethodPost:
		var quality map[string]interface{}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&quality); err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		b, err := s.mayor.MarkBeadPassing(id, quality)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, beads.ErrBeadNotFound), errors.Is(err, beads.ErrConvoyNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, beads.ErrBeadLocked):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, beads.ErrInvalidStatus):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
