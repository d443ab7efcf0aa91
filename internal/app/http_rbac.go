package app

import (
	"log/slog"
	"net/http"

	"spanlab/api/internal/rbac"
)

func (s *HTTPServer) handleMemberRole(w http.ResponseWriter, r *http.Request, session Session, contributor string) {
	if r.Method != http.MethodPut && r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if !s.allow(w, r, session, rbac.ActionAdmin) {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	member, err := s.service.SetRole(r.Context(), contributor, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	slog.Info("role changed", "contributor", contributor, "role", body.Role, "by", session.Contributor)
	writeJSON(w, http.StatusOK, member)
}
