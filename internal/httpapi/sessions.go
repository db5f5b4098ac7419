package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/archive"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

type createSessionRequest struct {
	Title    string         `json:"title,omitempty"`
	Model    string         `json:"model,omitempty"`
	SafeMode *bool          `json:"safe_mode,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type sessionSummary struct {
	ID           string            `json:"session_id"`
	CreatedAt    message.Timestamp `json:"created_at"`
	LastActive   message.Timestamp `json:"last_active"`
	Metadata     map[string]any    `json:"metadata"`
	MessageCount int               `json:"message_count"`
}

func summarize(s *session.Session) sessionSummary {
	return sessionSummary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.LastActive,
		Metadata:     s.Metadata,
		MessageCount: len(s.Messages),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	md := map[string]any{}
	for k, v := range req.Metadata {
		md[k] = v
	}
	if req.Title != "" {
		md["title"] = req.Title
	}
	if req.Model != "" {
		md["model"] = req.Model
	}
	if req.SafeMode != nil {
		md["safe_mode"] = *req.SafeMode
	}

	rec, err := s.Sessions.Create(r.Context(), md)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": rec.ID,
		"created_at": rec.CreatedAt,
		"metadata":   rec.Metadata,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs := s.Sessions.List()

	out := make([]sessionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    len(out),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateSessionRequest struct {
	Metadata map[string]any    `json:"metadata"`
	Messages []json.RawMessage `json:"messages"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	patch := session.Patch{Metadata: req.Metadata}
	if req.Messages != nil {
		msgs, err := decodeMessages(req.Messages)
		if err != nil {
			writeError(w, err)
			return
		}
		patch.Messages = msgs
	}

	rec, err := s.Sessions.Update(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.Locks != nil && !s.Locks.Delete(id) {
		writeError(w, &apierr.BusyError{SessionID: id, RetryAfter: time.Second})
		return
	}
	if s.Pool != nil {
		s.Pool.Evict(id)
	}

	if err := s.Sessions.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	logger.Info("session deleted", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Sessions.Messages(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "openai" {
		out := message.ToOpenAI(msgs)
		if out == nil {
			out = []message.OpenAIMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(r, &raw, false); err != nil {
		writeError(w, err)
		return
	}

	msg, err := message.Decode(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Sessions.AppendMessage(r.PathValue("id"), msg); err != nil && !isPersistence(err) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.Archive == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: errorDetail{
			Message: "session archive is not configured",
			Type:    "ConfigurationError",
			Code:    "archive_disabled",
		}})
		return
	}

	rec, err := s.Archive.Restore(r.Context(), id)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchived) {
			writeError(w, apierr.NotFound(id))
			return
		}
		if errors.Is(err, session.ErrInvalidID) {
			writeError(w, apierr.Validation("invalid session id %q", id))
			return
		}
		writeError(w, &apierr.PersistenceError{Op: "restore", Err: err})
		return
	}

	restored, err := s.Sessions.Import(rec)
	if err != nil {
		writeError(w, err)
		return
	}

	logger.Info("session restored", "session", id, "messages", len(restored.Messages))
	writeJSON(w, http.StatusOK, restored)
}

func decodeMessages(raws []json.RawMessage) ([]message.Message, error) {
	out := make([]message.Message, 0, len(raws))
	for _, raw := range raws {
		m, err := message.Decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func isPersistence(err error) bool {
	var pe *apierr.PersistenceError
	return errors.As(err, &pe)
}
