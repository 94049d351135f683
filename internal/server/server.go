package server

import (
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"matricare/internal/auth"
	"matricare/internal/config"
)

type Server struct {
	Users          auth.UserStore
	Sessions       *auth.SessionStore
	Tokens         *auth.TokenService
	MFA            *auth.MFAService
	Recovery       *auth.RecoveryService
	RateLimiter    *auth.RateLimiter
	Audit          *auth.AuditLogger
	Hasher         auth.PasswordHasher
	Config         config.Config
	trustedProxies []net.IPNet
	adminAllowlist []net.IPNet
}

func NewServer(
	cfg config.Config,
	users auth.UserStore,
	sessions *auth.SessionStore,
	tokens *auth.TokenService,
	mfa *auth.MFAService,
	recovery *auth.RecoveryService,
	rl *auth.RateLimiter,
	audit *auth.AuditLogger,
	hasher auth.PasswordHasher,
) *Server {
	return &Server{
		Users:          users,
		Sessions:       sessions,
		Tokens:         tokens,
		MFA:            mfa,
		Recovery:       recovery,
		RateLimiter:    rl,
		Audit:          audit,
		Hasher:         hasher,
		Config:         cfg,
		trustedProxies: parseProxyCIDRs(cfg.TrustedProxies),
		adminAllowlist: parseProxyCIDRs(cfg.AdminIPAllowlist),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	formatter := &middleware.DefaultLogFormatter{
		Logger:  log.New(log.Writer(), "", log.Flags()),
		NoColor: true,
	}
	r.Use(middleware.RequestLogger(formatter))
	r.Use(middleware.Recoverer)
	r.Use(secureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Accept-Language", "X-Device-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/login"))).Post("/api/auth/login", s.handleLogin)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/mfa/send-code"))).Post("/api/auth/mfa/send-code", s.handleMFASendCode)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/mfa"))).Post("/api/auth/mfa", s.handleMFAComplete)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/refresh"))).Post("/api/auth/refresh", s.handleRefresh)

	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/find-user"))).Post("/api/recovery/find-user", s.handleRecoveryFindUser)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/send-code"))).Post("/api/recovery/send-code", s.handleRecoverySendCode)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/verify-code"))).Post("/api/recovery/verify-code", s.handleRecoveryVerifyCode)
	r.With(s.requireRoles(accessRoles(http.MethodGet, "/api/recovery/verify"))).Get("/api/recovery/verify", s.handleRecoveryVerifyLink)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/reset-password"))).Post("/api/recovery/reset-password", s.handleRecoveryResetPassword)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/security-questions"))).Post("/api/recovery/security-questions", s.handleRecoverySecurityQuestions)
	r.With(s.requireRoles(accessRoles(http.MethodPost, "/api/recovery/trusted-device"))).Post("/api/recovery/trusted-device", s.handleRecoveryTrustedDevice)

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireAuth)

		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/auth/logout"))).Post("/api/auth/logout", s.handleLogout)
		pr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/auth/me"))).Get("/api/auth/me", s.handleMe)

		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/totp/setup"))).Post("/api/two-factor/totp/setup", s.handleTOTPSetup)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/totp/verify"))).Post("/api/two-factor/totp/verify", s.handleTOTPVerify)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/sms/setup"))).Post("/api/two-factor/sms/setup", s.handleSMSSetup)
		pr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/sms/verify"))).Post("/api/two-factor/sms/verify", s.handleSMSVerify)

		// Everything below is a protected action: role-mandated accounts
		// without a second factor are blocked until setup completes.
		pr.Group(func(mr chi.Router) {
			mr.Use(s.requireMFASetup)

			mr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/sessions"))).Get("/api/sessions", s.handleListSessions)
			mr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/sessions/current"))).Get("/api/sessions/current", s.handleCurrentSession)
			mr.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/sessions/{id}"))).Delete("/api/sessions/{id}", s.handleDeleteSession)

			mr.With(s.requireRoles(accessRoles(http.MethodPost, "/api/two-factor/disable"))).Post("/api/two-factor/disable", s.handleTwoFactorDisable)
			mr.With(s.requireRoles(accessRoles(http.MethodGet, "/api/two-factor/trusted-devices"))).Get("/api/two-factor/trusted-devices", s.handleListTrustedDevices)
			mr.With(s.requireRoles(accessRoles(http.MethodDelete, "/api/two-factor/trusted-devices/{id}"))).Delete("/api/two-factor/trusted-devices/{id}", s.handleDeleteTrustedDevice)

			mr.With(
				s.requireRoles(accessRoles(http.MethodGet, "/api/admin/audit")),
				s.requireAdminAccess("audit:read"),
			).Get("/api/admin/audit", s.handleAdminAudit)
		})
	})

	return r
}

// audit records a security event; failures are logged, never surfaced.
func (s *Server) audit(r *http.Request, severity, action, resource, actorID string, meta map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	event := auth.AuditEvent{
		Severity:  severity,
		Action:    action,
		Resource:  resource,
		ActorID:   actorID,
		IP:        clientIP(r, s.trustedProxies),
		UserAgent: r.UserAgent(),
		Meta:      meta,
	}
	if err := s.Audit.Log(r.Context(), event); err != nil {
		log.Printf("audit log failed for %s: %v", action, err)
	}
}
