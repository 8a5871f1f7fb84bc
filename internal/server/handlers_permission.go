package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/steward-ai/steward/internal/permission"
)

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perms.Pending())
}

// replyPermission resolves a pending permission request. Replies to unknown
// ids are acknowledged and dropped; the request may have been rejected by a
// cascade moments earlier.
func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		Reply   string `json:"reply"` // "once" | "always" | "reject"
		Message string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	reply := permission.Reply(req.Reply)
	switch reply {
	case permission.ReplyOnce, permission.ReplyAlways, permission.ReplyReject:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "reply must be once, always or reject")
		return
	}

	s.perms.Reply(requestID, reply, req.Message)
	writeSuccess(w)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plans.Pending())
}

func (s *Server) replyPlan(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	var req struct {
		Approved bool   `json:"approved"`
		Message  string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	s.plans.Reply(requestID, req.Approved, req.Message)
	writeSuccess(w)
}

func (s *Server) rejectPlan(w http.ResponseWriter, r *http.Request) {
	s.plans.Reject(chi.URLParam(r, "requestID"))
	writeSuccess(w)
}
