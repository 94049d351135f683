package server

import (
	"net/http"
	"strconv"
)

// handleAdminAudit lists recent security events, newest first.
func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	events, err := s.Audit.List(r.Context(), limit)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
