package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/session"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID  string               `json:"parentID,omitempty"`
		Title     string               `json:"title,omitempty"`
		Directory string               `json:"directory,omitempty"`
		Mode      types.PermissionMode `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	dir := req.Directory
	if dir == "" {
		dir = s.config.Directory
	}
	sess, err := s.sessions.Create(r.Context(), dir, session.CreateOptions{
		ParentID: req.ParentID,
		Title:    req.Title,
		Mode:     req.Mode,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) getChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.sessions.Children(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.sessions.Messages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) getParts(w http.ResponseWriter, r *http.Request) {
	parts, err := s.sessions.Parts(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

// sendMessage accepts a user prompt and runs the turn in the background.
// Progress flows out over the /event stream.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		Text  string               `json:"text"`
		Model *types.ModelRef      `json:"model,omitempty"`
		Mode  types.PermissionMode `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text required")
		return
	}
	if s.runner.Active(sessionID) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "session is busy")
		return
	}
	if _, err := s.sessions.Get(r.Context(), sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	go func() {
		err := s.runner.Prompt(context.Background(), sessionID, session.PromptOptions{
			Text:  req.Text,
			Model: req.Model,
			Mode:  req.Mode,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Str("session", sessionID).Msg("prompt failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"sessionID": sessionID})
}

func (s *Server) interruptSession(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Interrupt(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) getTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.todos.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, todos)
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
}
