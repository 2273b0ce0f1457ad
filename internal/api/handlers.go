// Package api provides HTTP handlers for the engagement engine endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/practiceos/engage/internal/models"
)

// runHandler triggers one engine pass. POST /cron/run runs every category;
// POST /cron/run/{category} scopes the pass to one.
func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.runHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	var categories []models.TriggerCategory
	if rest := strings.TrimPrefix(r.URL.Path, "/cron/run"); rest != "" && rest != "/" {
		cat := models.TriggerCategory(strings.Trim(rest, "/"))
		if !models.IsValidTriggerCategory(cat) {
			slog.Warn("Server.runHandler: unknown category", "category", cat)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown trigger category"))
			return
		}
		categories = append(categories, cat)
	}

	summary, err := s.engine.Run(r.Context(), categories...)
	if err != nil {
		slog.Error("Server.runHandler: run failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Run failed"))
		return
	}

	slog.Info("Server.runHandler: run complete", "enrolled", summary.Enrolled, "processed", summary.Processed, "errors", summary.Errors)
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// approvalsHandler lists the drafts waiting for review.
func (s *Server) approvalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	pending, err := s.gate.Pending(r.Context())
	if err != nil {
		slog.Error("Server.approvalsHandler: failed to list pending", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list pending approvals"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

// decisionRequest is the optional body of a reject call.
type decisionRequest struct {
	Reason string `json:"reason"`
}

// approvalDecisionHandler records a reviewer decision:
// POST /approvals/{id}/approve or POST /approvals/{id}/reject.
func (s *Server) approvalDecisionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	var err error
	switch action {
	case "approve":
		err = s.gate.Approve(r.Context(), id)
	case "reject":
		var req decisionRequest
		if r.Body != nil {
			// The reason body is optional; a decode failure means a malformed
			// payload, not a missing one.
			if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil && !errors.Is(derr, io.EOF) {
				writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
				return
			}
		}
		err = s.gate.Reject(r.Context(), id, req.Reason)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Recorded("Decision recorded", nil))
	case errors.Is(err, models.ErrStepNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("No such execution"))
	case errors.Is(err, models.ErrInvalidTransition):
		writeJSONResponse(w, http.StatusConflict, models.Error("Execution is not awaiting approval"))
	default:
		slog.Error("Server.approvalDecisionHandler: decision failed", "id", id, "action", action, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record decision"))
	}
}

// auditHandler returns recent run audit entries, newest first.
// GET /audit?limit=N (default 50).
func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(w, r) {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = n
	}

	entries, err := s.st.ListExecutionLogs(limit)
	if err != nil {
		slog.Error("Server.auditHandler: failed to list audit entries", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list audit entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// healthHandler reports liveness. Unauthenticated.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
