package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rolloutd/internal/engine"
	"rolloutd/internal/pipeline"
	"rolloutd/internal/security"
	"rolloutd/internal/store"
	"rolloutd/internal/trigger"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	// DefaultActor is recorded when a request carries no X-Actor header.
	DefaultActor = "api"
)

// triggerRequest is the body of a manual trigger. The artifact is
// optional; without one the registry's latest artifact is used.
type triggerRequest struct {
	Artifact *pipeline.Artifact `json:"artifact,omitempty"`
}

// decideRequest is the body of a judgment decision.
type decideRequest struct {
	Decision string `json:"decision"`
}

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := s.Engine.Services()

	response := map[string]interface{}{
		"status":        "ok",
		"services":      services,
		"service_count": len(services),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleTrigger handles manual trigger requests. The response carries
// the execution, whether freshly created or the existing one for an
// already-seen artifact.
func (s *Server) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := security.ValidateServiceName(service); err != nil {
		s.Logger.Warn("Invalid service name in trigger request", "service", service, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid service name: %v", err)})
		return
	}

	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	var req triggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err, "service", service)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
			return
		}
	}

	var exec *pipeline.Execution
	if req.Artifact != nil {
		if err := security.ValidateArtifactID(req.Artifact.ID); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid artifact: %v", err)})
			return
		}
		exec, err = s.Dispatcher.Fire(r.Context(), service, *req.Artifact, actor)
	} else {
		exec, err = s.Dispatcher.FireLatest(r.Context(), service, actor)
	}

	if err != nil {
		switch {
		case errors.Is(err, trigger.ErrNoDefinition):
			s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown service"})
		case errors.Is(err, trigger.ErrStaleArtifact):
			s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, trigger.ErrRegistryUnavailable), errors.Is(err, trigger.ErrNoArtifact):
			s.respondJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			s.Logger.Error("Trigger failed", "error", err, "service", service)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to trigger execution"})
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, exec)
}

// HandleListExecutions handles execution list requests
func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	if err := security.ValidateServiceName(service); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid service name: %v", err)})
		return
	}
	if s.Engine.Definition(service) == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown service"})
		return
	}

	execs, err := s.Engine.ListExecutions(r.Context(), service)
	if err != nil {
		s.Logger.Error("Failed to list executions", "error", err, "service", service)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list executions"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":    service,
		"executions": execs,
	})
}

// HandleGetExecution returns one execution with its stage rows.
func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	exec, err := s.Store.GetExecution(r.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to get execution", "error", err, "execution", id)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch execution"})
		return
	}
	if exec == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown execution"})
		return
	}

	stages, err := s.Store.ListStages(r.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to list stages", "error", err, "execution", id)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch execution"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"execution": exec,
		"stages":    stages,
	})
}

// HandleTerminate handles operator cancellation requests
func (s *Server) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	if err := s.Engine.Terminate(r.Context(), id, actor); err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown execution"})
			return
		}
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message":   "Termination requested",
		"execution": id,
	})
}

// HandleAudit returns the execution's ledger records in order.
func (s *Server) HandleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	exec, err := s.Store.GetExecution(r.Context(), id)
	if err != nil {
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch execution"})
		return
	}
	if exec == nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown execution"})
		return
	}

	records, err := s.Ledger.ByExecution(r.Context(), id)
	if err != nil {
		s.Logger.Error("Failed to read audit records", "error", err, "execution", id)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch audit records"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"execution": id,
		"records":   records,
	})
}

// HandleListJudgments returns all pending judgment requests
func (s *Server) HandleListJudgments(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Engine.ListPendingJudgments(r.Context())
	if err != nil {
		s.Logger.Error("Failed to list judgments", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to list judgments"})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"judgments": pending,
	})
}

// HandleDecide records a judgment decision and resumes the execution.
func (s *Server) HandleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	actor, ok := s.actor(w, r)
	if !ok {
		return
	}

	var req decideRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxPayloadBytes)).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Decision must be 'approve' or 'reject'"})
		return
	}

	if err := s.Engine.Decide(r.Context(), id, actor, approve); err != nil {
		switch {
		case errors.Is(err, engine.ErrUnauthorized):
			s.respondJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		case errors.Is(err, store.ErrAlreadyDecided):
			s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case errors.Is(err, store.ErrNotPending):
			s.respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		default:
			s.Logger.Error("Failed to record decision", "error", err, "execution", id)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to record decision"})
		}
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message":   "Decision recorded",
		"execution": id,
		"decision":  req.Decision,
	})
}

// actor extracts and validates the acting identity from the request.
func (s *Server) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.Header.Get("X-Actor")
	if actor == "" {
		return DefaultActor, true
	}
	if err := security.ValidateActor(actor); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid actor: %v", err)})
		return "", false
	}
	return actor, true
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
