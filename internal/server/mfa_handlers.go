package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"matricare/internal/auth"
	"matricare/internal/i18n"
)

func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) *auth.User {
	uc := userFromContext(r.Context())
	if uc == nil {
		writeAuthError(w, auth.ErrUnauthenticated)
		return nil
	}
	user, err := s.Users.FindByID(r.Context(), uc.UserID)
	if err != nil {
		writeAuthError(w, err)
		return nil
	}
	if user == nil {
		writeAuthError(w, auth.ErrUnauthenticated)
		return nil
	}
	return user
}

func (s *Server) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	secret, otpauthURL, qr, err := s.MFA.BeginTOTPEnrollment(r.Context(), user)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"secret":     secret,
		"otpauthUrl": otpauthURL,
		"qrCode":     qr,
	})
}

func (s *Server) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeAuthError(w, auth.ValidationError("A code is required."))
		return
	}

	if err := s.MFA.FinishTOTPEnrollment(r.Context(), user, req.Code); err != nil {
		writeAuthError(w, err)
		return
	}
	s.Tokens.PurgeIdentity(r.Context(), user.ID)

	s.audit(r, auth.SeverityInfo, "mfa.totp.enabled", "", user.ID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"twoFactorEnabled": true})
}

func (s *Server) handleSMSSetup(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Phone string `json:"phone"`
	}
	if err := decodeJSON(r, &req); err != nil || !strings.HasPrefix(req.Phone, "+") {
		writeAuthError(w, auth.ValidationError("A phone number with country code is required."))
		return
	}

	cooldownKey := "mfa_send:" + user.ID
	if ttl := s.RateLimiter.CooldownTTL(r.Context(), cooldownKey); ttl > 0 {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	expiresAt, err := s.MFA.BeginSMSEnrollment(r.Context(), user, req.Phone, i18n.LocaleFromRequest(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.RateLimiter.SetCooldown(r.Context(), cooldownKey, auth.SendCooldown)

	writeJSON(w, http.StatusOK, map[string]interface{}{"expiresAt": expiresAt})
}

func (s *Server) handleSMSVerify(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeAuthError(w, auth.ValidationError("A code is required."))
		return
	}

	if err := s.MFA.FinishSMSEnrollment(r.Context(), user, req.Code); err != nil {
		writeAuthError(w, err)
		return
	}
	s.Tokens.PurgeIdentity(r.Context(), user.ID)

	s.audit(r, auth.SeverityInfo, "mfa.sms.enabled", "", user.ID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"twoFactorEnabled": true})
}

// handleTwoFactorDisable requires a live factor before tearing down; a
// stolen access token alone cannot switch MFA off.
func (s *Server) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	user := s.currentUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Method string `json:"method"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Method == "" || req.Code == "" {
		writeAuthError(w, auth.ValidationError("Method and code are required."))
		return
	}

	if err := s.MFA.Disable(r.Context(), user, req.Method, req.Code); err != nil {
		writeAuthError(w, err)
		return
	}
	s.Tokens.PurgeIdentity(r.Context(), user.ID)

	s.audit(r, auth.SeverityHigh, "mfa.disabled", "", user.ID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{"twoFactorEnabled": false})
}

func (s *Server) handleListTrustedDevices(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	devices, err := s.MFA.Store.ListTrustedDevices(r.Context(), uc.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	type devicePayload struct {
		ID        string  `json:"id"`
		Label     *string `json:"label,omitempty"`
		ExpiresAt string  `json:"expiresAt"`
		CreatedAt string  `json:"createdAt"`
	}
	payload := make([]devicePayload, 0, len(devices))
	for _, d := range devices {
		payload = append(payload, devicePayload{
			ID:        d.ID,
			Label:     d.Label,
			ExpiresAt: d.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": payload})
}

func (s *Server) handleDeleteTrustedDevice(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	id := chi.URLParam(r, "id")
	if id == "" {
		writeAuthError(w, auth.ValidationError("A device ID is required."))
		return
	}

	if err := s.MFA.Store.DeleteTrustedDevice(r.Context(), uc.UserID, id); err != nil {
		writeAuthError(w, err)
		return
	}

	s.audit(r, auth.SeverityInfo, "mfa.trusted-device.removed", id, uc.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Device removed"})
}
