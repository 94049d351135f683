package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"matricare/internal/auth"
	"matricare/internal/i18n"
	"matricare/internal/notify"
)

const (
	loginChallengeKeyPrefix = "mfa_login:"
	loginChallengeTTL       = 5 * time.Minute
)

// pendingLogin is the server-side half of an MFA challenge: credentials
// checked out fine, the second factor has not.
type pendingLogin struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	IP        string `json:"ip"`
	UserAgent string `json:"userAgent"`
	Locale    string `json:"locale"`
}

type userPayload struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	Username         string `json:"username"`
	Role             string `json:"role"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func newUserPayload(u *auth.User) userPayload {
	return userPayload{
		ID:               u.ID,
		Email:            u.Email,
		Username:         u.Username,
		Role:             u.Role,
		TwoFactorEnabled: u.TwoFactorEnabled,
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.trustedProxies)
	if s.RateLimiter.IsIPBanned(r.Context(), ip) {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	var req struct {
		Identify string `json:"identify"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Identify == "" || req.Password == "" {
		writeAuthError(w, auth.ValidationError("Identifier and password are required."))
		return
	}

	user, err := s.Users.FindByIdentifier(r.Context(), req.Identify)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if user == nil || !s.Hasher.Compare(user.PasswordHash, req.Password) {
		if user != nil {
			if locked, err := s.Users.RegisterLoginFailure(r.Context(), user.ID); err == nil && locked {
				s.Tokens.PurgeIdentity(r.Context(), user.ID)
				s.audit(r, auth.SeverityHigh, "auth.account.locked", "", user.ID, nil)
			}
		}
		if err := s.RateLimiter.RegisterLoginFailure(r.Context(), ip); err != nil {
			log.Printf("login: failure tracking error: %v", err)
		}
		writeAuthError(w, auth.ErrInvalidCredentials)
		return
	}
	if user.IsAccountLocked {
		writeAuthError(w, auth.ErrAccountLocked)
		return
	}

	state, err := s.MFA.Evaluate(r.Context(), user, r.Header.Get("X-Device-Id"))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	if state == auth.StatePending {
		s.beginMFAChallenge(w, r, user, ip)
		return
	}

	s.finishLogin(w, r, user, ip, string(state))
}

// beginMFAChallenge parks the half-finished login in Redis and tells the
// client which second factors can answer it.
func (s *Server) beginMFAChallenge(w http.ResponseWriter, r *http.Request, user *auth.User, ip string) {
	pending := pendingLogin{
		UserID:    user.ID,
		DeviceID:  r.Header.Get("X-Device-Id"),
		IP:        ip,
		UserAgent: r.UserAgent(),
		Locale:    i18n.LocaleFromRequest(r),
	}
	data, err := json.Marshal(pending)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	challengeToken, err := auth.OpaqueToken(32)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if err := s.Tokens.Redis.Set(r.Context(), loginChallengeKeyPrefix+challengeToken, data, loginChallengeTTL).Err(); err != nil {
		writeAuthError(w, err)
		return
	}

	var methods []string
	for _, method := range []string{auth.MethodTOTP, auth.MethodSMS} {
		cred, err := s.MFA.Store.CredentialByMethod(r.Context(), user.ID, method)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if cred != nil && cred.IsVerified {
			methods = append(methods, method)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mfaRequired":    true,
		"challengeToken": challengeToken,
		"methods":        methods,
		"expiresAt":      time.Now().Add(loginChallengeTTL),
	})
}

func (s *Server) loadPendingLogin(ctx context.Context, challengeToken string, consume bool) (*pendingLogin, error) {
	if challengeToken == "" {
		return nil, auth.ErrInvalidOrExpired
	}
	key := loginChallengeKeyPrefix + challengeToken

	var data string
	var err error
	if consume {
		data, err = s.Tokens.Redis.GetDel(ctx, key).Result()
	} else {
		data, err = s.Tokens.Redis.Get(ctx, key).Result()
	}
	if err == redis.Nil {
		return nil, auth.ErrInvalidOrExpired
	}
	if err != nil {
		return nil, err
	}

	var pending pendingLogin
	if err := json.Unmarshal([]byte(data), &pending); err != nil {
		return nil, auth.ErrInvalidOrExpired
	}
	return &pending, nil
}

func (s *Server) handleMFASendCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeToken string `json:"challengeToken"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeAuthError(w, auth.ValidationError("A challenge token is required."))
		return
	}

	pending, err := s.loadPendingLogin(r.Context(), req.ChallengeToken, false)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	cooldownKey := "mfa_send:" + pending.UserID
	if ttl := s.RateLimiter.CooldownTTL(r.Context(), cooldownKey); ttl > 0 {
		writeAuthError(w, auth.ErrRateLimited)
		return
	}

	user, err := s.Users.FindByID(r.Context(), pending.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if user == nil {
		writeAuthError(w, auth.ErrInvalidOrExpired)
		return
	}

	expiresAt, err := s.MFA.BeginSMSChallenge(r.Context(), user, pending.Locale)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	s.RateLimiter.SetCooldown(r.Context(), cooldownKey, auth.SendCooldown)

	writeJSON(w, http.StatusOK, map[string]interface{}{"expiresAt": expiresAt})
}

func (s *Server) handleMFAComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeToken string `json:"challengeToken"`
		Method         string `json:"method"`
		Code           string `json:"code"`
		RememberDevice bool   `json:"rememberDevice"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Method == "" || req.Code == "" {
		writeAuthError(w, auth.ValidationError("Method and code are required."))
		return
	}

	pending, err := s.loadPendingLogin(r.Context(), req.ChallengeToken, false)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	user, err := s.Users.FindByID(r.Context(), pending.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if user == nil || user.IsAccountLocked {
		writeAuthError(w, auth.ErrInvalidOrExpired)
		return
	}

	if err := s.MFA.VerifyChallenge(r.Context(), user, req.Method, req.Code); err != nil {
		if errors.Is(err, auth.ErrInvalidOrExpired) {
			locked, lerr := s.RateLimiter.Register2FAFailure(r.Context(), user.ID)
			if lerr != nil {
				log.Printf("mfa: failure tracking error for user %s: %v", user.ID, lerr)
			}
			if locked {
				// Too many wrong answers burns the challenge; the caller has
				// to pass the password check again to get another one.
				_, _ = s.loadPendingLogin(r.Context(), req.ChallengeToken, true)
				s.audit(r, auth.SeverityHigh, "auth.mfa.locked", "", user.ID, nil)
				writeAuthError(w, auth.ErrRateLimited)
				return
			}
		}
		writeAuthError(w, err)
		return
	}
	s.RateLimiter.Reset2FA(r.Context(), user.ID)

	// The challenge is spent only after a correct answer, so a typo does not
	// force a fresh password login.
	if _, err := s.loadPendingLogin(r.Context(), req.ChallengeToken, true); err != nil {
		writeAuthError(w, err)
		return
	}

	if req.RememberDevice && pending.DeviceID != "" {
		if _, err := s.MFA.TrustDevice(r.Context(), user.ID, pending.DeviceID, nil); err != nil {
			log.Printf("login: trust device failed for user %s: %v", user.ID, err)
		}
	}

	s.finishLogin(w, r, user, pending.IP, string(auth.StateVerified))
}

// finishLogin issues the token pair, indexes the session and enforces the
// concurrent-session policy. The new session is the most recently active
// one, so it survives the cut.
func (s *Server) finishLogin(w http.ResponseWriter, r *http.Request, user *auth.User, ip, mfaState string) {
	sessionID := auth.NewSessionID()
	pair, err := s.Tokens.Issue(r.Context(), user.ID, sessionID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	now := time.Now()
	sess := auth.Session{
		ID:         sessionID,
		UserID:     user.ID,
		Role:       user.Role,
		IP:         ip,
		UserAgent:  r.UserAgent(),
		DeviceID:   r.Header.Get("X-Device-Id"),
		RefreshJTI: s.Tokens.ExtractID(pair.RefreshToken),
		ExpiresAt:  now.Add(s.Config.RefreshTokenTTL),
		LoginTime:  now,
		LastActive: now,
	}
	if err := s.Sessions.Create(r.Context(), sess); err != nil {
		writeAuthError(w, err)
		return
	}

	locale := i18n.LocaleFromRequest(r)
	if _, err := s.MFA.LimitSessions(r.Context(), user, locale); err != nil {
		log.Printf("login: session limiting failed for user %s: %v", user.ID, err)
	}

	if err := s.Users.ClearLoginFailures(r.Context(), user.ID); err != nil {
		log.Printf("login: clearing failures failed for user %s: %v", user.ID, err)
	}
	s.RateLimiter.ResetLogin(r.Context(), ip)

	s.audit(r, auth.SeverityInfo, "auth.login", "", user.ID, map[string]interface{}{
		"mfa": mfaState,
	})
	s.sendSignInAlert(user, locale, ip, r.UserAgent(), deriveLocation(r))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         newUserPayload(user),
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresAt":    pair.ExpiresAt,
		"mfa":          mfaState,
	})
}

// sendSignInAlert notifies the account owner about a fresh sign-in. Best
// effort and off the request path.
func (s *Server) sendSignInAlert(user *auth.User, locale, ip, userAgent, location string) {
	device := userAgent
	if location != "" {
		device = device + " (" + location + ")"
	}
	when := time.Now().UTC().Format(time.RFC1123)
	email := user.Email
	userID := user.ID

	go func() {
		content := i18n.SignInAlertEmail(locale, email, when, ip, device)
		if err := s.MFA.Dispatcher.SendEmail(context.Background(), email, notify.Message{
			Subject: content.Subject,
			Text:    content.Text,
			HTML:    content.HTML,
		}, notify.PriorityNormal); err != nil {
			log.Printf("sign-in alert failed for user %s: %v", userID, err)
		}
	}()
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeAuthError(w, auth.ValidationError("A refresh token is required."))
		return
	}

	pair, uc, err := s.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	// Re-bind the session to the rotated refresh token.
	if uc.SessionID != "" {
		if sess, err := s.Sessions.Get(r.Context(), uc.SessionID); err == nil && sess != nil {
			sess.RefreshJTI = s.Tokens.ExtractID(pair.RefreshToken)
			sess.LastActive = time.Now()
			if err := s.Sessions.Create(r.Context(), *sess); err != nil {
				log.Printf("refresh: session rebind failed for %s: %v", sess.ID, err)
			}
		}
	}

	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	if err := s.Tokens.RevokeID(r.Context(), uc.TokenID); err != nil {
		writeAuthError(w, err)
		return
	}
	if uc.SessionID != "" {
		if sess, err := s.Sessions.Get(r.Context(), uc.SessionID); err == nil && sess != nil && sess.RefreshJTI != "" {
			if err := s.Tokens.RevokeID(r.Context(), sess.RefreshJTI); err != nil {
				log.Printf("logout: refresh revoke failed for session %s: %v", uc.SessionID, err)
			}
		}
		if err := s.Sessions.Delete(r.Context(), uc.SessionID); err != nil {
			log.Printf("logout: session delete failed for %s: %v", uc.SessionID, err)
		}
	}

	s.audit(r, auth.SeverityInfo, "auth.logout", "", uc.UserID, nil)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	uc := userFromContext(r.Context())

	user, err := s.Users.FindByID(r.Context(), uc.UserID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if user == nil {
		writeAuthError(w, auth.ErrUnauthenticated)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"user": newUserPayload(user)})
}
