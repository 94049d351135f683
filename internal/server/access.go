package server

import (
	"fmt"
	"net/http"
)

const (
	RolePublic     = "PUBLIC"
	RolePatient    = "PATIENT"
	RoleCaregiver  = "CAREGIVER"
	RoleDispatcher = "DISPATCHER"
	RoleAdmin      = "ADMIN"
)

var anyUser = []string{RolePatient, RoleCaregiver, RoleDispatcher, RoleAdmin}

type AccessRule struct {
	Method string
	Path   string
	Roles  []string
}

var endpointAccess = []AccessRule{
	{Method: http.MethodPost, Path: "/api/auth/login", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/auth/mfa/send-code", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/auth/mfa", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/auth/refresh", Roles: []string{RolePublic}},

	{Method: http.MethodPost, Path: "/api/recovery/find-user", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/recovery/send-code", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/recovery/verify-code", Roles: []string{RolePublic}},
	{Method: http.MethodGet, Path: "/api/recovery/verify", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/recovery/reset-password", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/recovery/security-questions", Roles: []string{RolePublic}},
	{Method: http.MethodPost, Path: "/api/recovery/trusted-device", Roles: []string{RolePublic}},

	{Method: http.MethodPost, Path: "/api/auth/logout", Roles: anyUser},
	{Method: http.MethodGet, Path: "/api/auth/me", Roles: anyUser},

	{Method: http.MethodGet, Path: "/api/sessions", Roles: anyUser},
	{Method: http.MethodGet, Path: "/api/sessions/current", Roles: anyUser},
	{Method: http.MethodDelete, Path: "/api/sessions/{id}", Roles: anyUser},

	{Method: http.MethodPost, Path: "/api/two-factor/totp/setup", Roles: anyUser},
	{Method: http.MethodPost, Path: "/api/two-factor/totp/verify", Roles: anyUser},
	{Method: http.MethodPost, Path: "/api/two-factor/sms/setup", Roles: anyUser},
	{Method: http.MethodPost, Path: "/api/two-factor/sms/verify", Roles: anyUser},
	{Method: http.MethodPost, Path: "/api/two-factor/disable", Roles: anyUser},
	{Method: http.MethodGet, Path: "/api/two-factor/trusted-devices", Roles: anyUser},
	{Method: http.MethodDelete, Path: "/api/two-factor/trusted-devices/{id}", Roles: anyUser},

	{Method: http.MethodGet, Path: "/api/admin/audit", Roles: []string{RoleAdmin}},
}

func accessRoles(method, path string) []string {
	for _, rule := range endpointAccess {
		if rule.Method == method && rule.Path == path {
			return rule.Roles
		}
	}
	panic(fmt.Sprintf("missing access roles for %s %s", method, path))
}

func roleAllowed(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func isPublicAccess(roles []string) bool {
	return roleAllowed(roles, RolePublic)
}
