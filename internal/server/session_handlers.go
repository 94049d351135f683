package server

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"matricare/internal/auth"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	sessions, err := s.Sessions.ListForUser(r.Context(), uc.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	type sessionPayload struct {
		ID         string `json:"id"`
		IP         string `json:"ip"`
		UserAgent  string `json:"userAgent"`
		DeviceID   string `json:"deviceId,omitempty"`
		LoginTime  int64  `json:"loginTime"`
		LastActive int64  `json:"lastActive"`
		Current    bool   `json:"current"`
	}
	payload := make([]sessionPayload, 0, len(sessions))
	for _, sess := range sessions {
		payload = append(payload, sessionPayload{
			ID:         sess.ID,
			IP:         sess.IP,
			UserAgent:  sess.UserAgent,
			DeviceID:   sess.DeviceID,
			LoginTime:  sess.LoginTime.Unix(),
			LastActive: sess.LastActive.Unix(),
			Current:    sess.ID == uc.SessionID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": payload})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	sess, err := s.Sessions.Get(r.Context(), uc.SessionID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if sess == nil {
		writeAuthError(w, auth.ErrUnauthenticated)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// handleDeleteSession revokes one of the caller's own sessions, including
// the refresh token bound to it.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	id := chi.URLParam(r, "id")
	sess, err := s.Sessions.Get(r.Context(), id)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if sess == nil || sess.UserID != uc.UserID {
		writeAuthError(w, auth.ErrForbidden)
		return
	}

	if sess.RefreshJTI != "" {
		if err := s.Tokens.RevokeID(r.Context(), sess.RefreshJTI); err != nil {
			log.Printf("session delete: refresh revoke failed for %s: %v", sess.ID, err)
		}
	}
	if err := s.Sessions.Delete(r.Context(), sess.ID); err != nil {
		writeAuthError(w, err)
		return
	}

	s.audit(r, auth.SeverityInfo, "session.revoked", sess.ID, uc.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session revoked"})
}
