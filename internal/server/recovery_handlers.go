package server

import (
	"net/http"
	"strings"
	"time"

	"matricare/internal/auth"
	"matricare/internal/i18n"
)

const recoveryNoticeMessage = "If an account exists you will receive instructions."

const (
	scopeRecoveryFind   = "recovery_find"
	scopeRecoveryVerify = "recovery_verify"
)

// handleRecoveryFindUser answers with the same status and message whether
// or not the identifier matched anything. Channel details ride along only
// on a hit; a miss carries none, and nothing else differs.
func (s *Server) handleRecoveryFindUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identify string `json:"identify"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Identify == "" {
		writeAuthError(w, auth.ValidationError("An email or username is required."))
		return
	}
	// Anything with an @ is an email and has to parse as one. Rejecting the
	// malformed shape up front keeps garbage out of the lookup and the
	// limiter counters.
	if strings.Contains(req.Identify, "@") && !validateEmail(req.Identify) {
		writeAuthError(w, auth.ValidationError("A valid email or username is required."))
		return
	}

	ip := clientIP(r, s.trustedProxies)
	ok, _, err := s.RateLimiter.Allow(r.Context(), scopeRecoveryFind, req.Identify, ip)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !ok {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	channels, err := s.Recovery.FindUser(r.Context(), req.Identify)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	resp := map[string]interface{}{"message": recoveryNoticeMessage}
	if channels != nil {
		resp["userId"] = channels.UserID
		resp["channels"] = channels
	}
	s.audit(r, auth.SeverityInfo, "recovery.find-user", "", "", nil)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecoverySendCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Method string `json:"method"`
		Type   string `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeAuthError(w, auth.ValidationError("A user ID is required."))
		return
	}
	if req.Method == "" {
		req.Method = auth.ChannelEmail
	}
	if req.Type == "" {
		req.Type = auth.AttemptCode
	}

	cooldownKey := "recovery_send:" + req.UserID
	if ttl := s.RateLimiter.CooldownTTL(r.Context(), cooldownKey); ttl > 0 {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	sent, err := s.Recovery.SendCode(r.Context(), req.UserID, req.Method, req.Type, i18n.LocaleFromRequest(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.RateLimiter.SetCooldown(r.Context(), cooldownKey, auth.SendCooldown)

	s.audit(r, auth.SeverityInfo, "recovery.send-code", "", req.UserID, map[string]interface{}{
		"method": req.Method,
		"type":   req.Type,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destination": sent.Destination,
		"expiresAt":   sent.ExpiresAt,
		"expiresIn":   int(time.Until(sent.ExpiresAt).Seconds()),
	})
}

func (s *Server) handleRecoveryVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Method string `json:"method"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.Code == "" {
		writeAuthError(w, auth.ValidationError("A user ID and code are required."))
		return
	}
	if req.Method == "" {
		req.Method = auth.ChannelEmail
	}

	s.verifyRecoveryCode(w, r, req.UserID, req.Method, req.Code)
}

// handleRecoveryVerifyLink is the click target for emailed recovery links.
// The link secret walks the same verification path as a typed code.
func (s *Server) handleRecoveryVerifyLink(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	code := r.URL.Query().Get("code")
	if userID == "" || code == "" {
		writeAuthError(w, auth.ErrInvalidOrExpired)
		return
	}

	s.verifyRecoveryCode(w, r, userID, auth.ChannelEmail, code)
}

func (s *Server) verifyRecoveryCode(w http.ResponseWriter, r *http.Request, userID, method, code string) {
	ip := clientIP(r, s.trustedProxies)
	ok, _, err := s.RateLimiter.Allow(r.Context(), scopeRecoveryVerify, userID, ip)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !ok {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	proof, err := s.Recovery.VerifyCode(r.Context(), userID, method, code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.RateLimiter.Reset(r.Context(), scopeRecoveryVerify, userID, ip)

	s.audit(r, auth.SeverityInfo, "recovery.verify-code", "", userID, map[string]interface{}{
		"method": method,
	})
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleRecoveryResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token           string `json:"token"`
		NewPassword     string `json:"newPassword"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		writeAuthError(w, auth.ValidationError("A recovery token is required."))
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		writeAuthError(w, auth.ValidationError("Passwords do not match."))
		return
	}
	if err := validatePassword(req.NewPassword); err != nil {
		writeAuthError(w, auth.ValidationError(err.Error()))
		return
	}

	if err := s.Recovery.ResetPassword(r.Context(), req.Token, req.NewPassword, i18n.LocaleFromRequest(r)); err != nil {
		writeAuthError(w, err)
		return
	}

	s.audit(r, auth.SeverityHigh, "recovery.reset-password", "", "", nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset. Sign in with your new password."})
}

func (s *Server) handleRecoverySecurityQuestions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  string            `json:"userId"`
		Answers map[string]string `json:"answers"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || len(req.Answers) == 0 {
		writeAuthError(w, auth.ValidationError("A user ID and answers are required."))
		return
	}

	ip := clientIP(r, s.trustedProxies)
	ok, _, err := s.RateLimiter.Allow(r.Context(), scopeRecoveryVerify, req.UserID, ip)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !ok {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	sent, err := s.Recovery.VerifySecurityAnswers(r.Context(), req.UserID, req.Answers, i18n.LocaleFromRequest(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	s.audit(r, auth.SeverityInfo, "recovery.security-questions", "", req.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destination": sent.Destination,
		"expiresAt":   sent.ExpiresAt,
	})
}

func (s *Server) handleRecoveryTrustedDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		writeAuthError(w, auth.ValidationError("A user ID is required."))
		return
	}

	sent, err := s.Recovery.RecoverByTrustedDevice(r.Context(), req.UserID, r.Header.Get("X-Device-Id"), i18n.LocaleFromRequest(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	s.audit(r, auth.SeverityInfo, "recovery.trusted-device", "", req.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destination": sent.Destination,
		"expiresAt":   sent.ExpiresAt,
	})
}
