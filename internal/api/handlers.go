// Package api provides HTTP handlers for ReplyPace endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MailLoop/ReplyPace/internal/models"
)

// inboundRequest is the payload for POST /inbound.
type inboundRequest struct {
	SubjectKey string `json:"subject_key"`
	Body       string `json:"body"`
}

// snoozeRequest is the payload for POST /conversations/{id}/snooze.
type snoozeRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// inboundHandler accepts a new inbound message and starts the
// analyze-then-schedule pipeline (POST /inbound).
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing inbound message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SubjectKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: subject_key"))
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}

	action, err := s.sched.HandleInbound(r.Context(), req.SubjectKey, req.Body)
	if err != nil {
		slog.Error("Server.inboundHandler: failed to handle inbound message", "error", err, "subjectKey", req.SubjectKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process inbound message"))
		return
	}

	slog.Info("Server.inboundHandler: inbound accepted", "subjectKey", req.SubjectKey, "id", action.ID)
	writeJSONResponse(w, http.StatusAccepted, models.Scheduled(action))
}

// replyStatusHandler reports whether a conversation has a reply on the way
// (GET /reply-status/{subjectKey}).
func (s *Server) replyStatusHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.replyStatusHandler: processing status request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.replyStatusHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	subjectKey := strings.TrimPrefix(r.URL.Path, "/reply-status/")
	if subjectKey == "" || strings.Contains(subjectKey, "/") {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing or malformed subject key"))
		return
	}

	status, err := s.proj.ReplyStatus(subjectKey)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSubjectKey) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.replyStatusHandler: status lookup failed", "error", err, "subjectKey", subjectKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read reply status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// pendingRepliesHandler lists every reply still waiting to fire
// (GET /pending-replies).
func (s *Server) pendingRepliesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.pendingRepliesHandler: processing summary request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.pendingRepliesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	summary, err := s.proj.PendingRepliesSummary()
	if err != nil {
		slog.Error("Server.pendingRepliesHandler: summary failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read pending replies"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// conversationsHandler routes the per-conversation controls:
// POST /conversations/{id}/mark-replied and POST /conversations/{id}/snooze.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.conversationsHandler: processing conversation request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.conversationsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	subjectKey, verb := parts[0], parts[1]

	switch verb {
	case "mark-replied":
		s.markReplied(w, subjectKey)
	case "snooze":
		s.snooze(w, r, subjectKey)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	}
}

func (s *Server) markReplied(w http.ResponseWriter, subjectKey string) {
	action, err := s.sched.MarkReplied(subjectKey)
	if err != nil {
		slog.Error("Server.markReplied: failed", "error", err, "subjectKey", subjectKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to mark conversation replied"))
		return
	}
	slog.Info("Server.markReplied: reminder reset", "subjectKey", subjectKey, "id", action.ID)
	writeJSONResponse(w, http.StatusOK, models.Scheduled(action))
}

func (s *Server) snooze(w http.ResponseWriter, r *http.Request, subjectKey string) {
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.snooze: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Minutes <= 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Field minutes must be a positive integer"))
		return
	}

	action, err := s.sched.Snooze(subjectKey, req.Minutes)
	switch {
	case err == nil:
		slog.Info("Server.snooze: rescheduled", "subjectKey", subjectKey, "minutes", req.Minutes)
		writeJSONResponse(w, http.StatusOK, models.Scheduled(action))
	case errors.Is(err, models.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("No scheduled reminder for conversation"))
	case errors.Is(err, models.ErrAlreadyFired):
		writeJSONResponse(w, http.StatusConflict, models.Error("Reminder already fired"))
	default:
		slog.Error("Server.snooze: failed", "error", err, "subjectKey", subjectKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to snooze conversation"))
	}
}
