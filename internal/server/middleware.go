package server

import (
	"context"
	"net/http"
	"strings"

	"matricare/internal/auth"
)

type ctxKey string

const userContextKey ctxKey = "user"

// requireAuth verifies the bearer token and attaches the resolved caller.
// Session activity is touched as a side effect so the single-active-session
// policy sees real recency.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeAuthError(w, auth.ErrUnauthenticated)
			return
		}

		uc, err := s.Tokens.Verify(r.Context(), raw)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		if uc.SessionID != "" {
			s.Sessions.Touch(r.Context(), uc.SessionID)
		}

		ctx := context.WithValue(r.Context(), userContextKey, uc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRoles(roles []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicAccess(roles) {
				next.ServeHTTP(w, r)
				return
			}

			uc := userFromContext(r.Context())
			if uc == nil {
				writeAuthError(w, auth.ErrUnauthenticated)
				return
			}

			if !roleAllowed(roles, uc.Role) {
				writeAuthError(w, auth.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireMFASetup fails closed for accounts whose role mandates a second
// factor they have not enabled yet. The two-factor setup endpoints stay
// reachable so the account can dig itself out.
func (s *Server) requireMFASetup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uc := userFromContext(r.Context())
		if uc == nil {
			writeAuthError(w, auth.ErrUnauthenticated)
			return
		}

		if !uc.TwoFactorEnabled && roleAllowed(s.Config.MFARequiredRoles, uc.Role) {
			writeAuthError(w, auth.ErrMFASetupRequired)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAdminAccess gates high-privilege endpoints behind the caller's
// stored permission grants and the optional admin IP allowlist. Every
// decision, allowed or denied, lands on the audit trail.
func (s *Server) requireAdminAccess(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uc := userFromContext(r.Context())
			if uc == nil {
				writeAuthError(w, auth.ErrUnauthenticated)
				return
			}

			ip := clientIP(r, s.trustedProxies)
			deny := func(err *auth.Error) {
				s.audit(r, auth.SeverityHigh, "admin.access.denied", r.URL.Path, uc.UserID, map[string]interface{}{
					"permission": permission,
					"reason":     string(err.Kind),
				})
				writeAuthError(w, err)
			}

			if !ipAllowed(ip, s.adminAllowlist) {
				deny(auth.ErrIPNotWhitelisted)
				return
			}

			perms, err := s.Users.Permissions(r.Context(), uc.UserID)
			if err != nil {
				writeAuthError(w, err)
				return
			}
			if !hasPermission(perms, permission) {
				deny(auth.ErrInsufficientPermissions)
				return
			}

			s.audit(r, auth.SeverityHigh, "admin.access", r.URL.Path, uc.UserID, map[string]interface{}{
				"permission": permission,
			})
			next.ServeHTTP(w, r)
		})
	}
}

func hasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want || p == "*" {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func userFromContext(ctx context.Context) *auth.UserContext {
	if val, ok := ctx.Value(userContextKey).(*auth.UserContext); ok {
		return val
	}
	return nil
}
