package auth

import "net/http"

// Kind is a stable machine-readable error tag. The set is closed: every
// operational failure surfaced to a caller maps to exactly one Kind.
type Kind string

const (
	KindUnauthenticated         Kind = "UNAUTHENTICATED"
	KindTokenExpired            Kind = "TOKEN_EXPIRED"
	KindTokenInvalid            Kind = "TOKEN_INVALID"
	KindTokenRevoked            Kind = "TOKEN_REVOKED"
	KindAccountLocked           Kind = "ACCOUNT_LOCKED"
	KindForbidden               Kind = "FORBIDDEN"
	KindInsufficientPermissions Kind = "INSUFFICIENT_PERMISSIONS"
	KindIPNotWhitelisted        Kind = "IP_NOT_WHITELISTED"
	KindMFARequired             Kind = "MFA_REQUIRED"
	KindMFASetupRequired        Kind = "MFA_SETUP_REQUIRED"
	KindInvalidOrExpired        Kind = "INVALID_OR_EXPIRED"
	KindRateLimited             Kind = "RATE_LIMITED"
	KindDeliveryFailed          Kind = "DELIVERY_FAILED"
	KindValidation              Kind = "VALIDATION"
)

// Error is an operational error with a stable kind, a caller-safe message
// and the HTTP status it maps to. Unexpected errors never take this form;
// they are logged in full and surfaced as a generic failure.
type Error struct {
	Kind    Kind
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

// Is lets errors.Is match any two tagged errors of the same kind, so
// handlers and tests can compare against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthenticated = &Error{KindUnauthenticated, "Authentication required.", http.StatusUnauthorized}
	ErrTokenExpired    = &Error{KindTokenExpired, "Token has expired.", http.StatusUnauthorized}
	ErrTokenInvalid    = &Error{KindTokenInvalid, "Token is invalid.", http.StatusUnauthorized}
	ErrTokenRevoked    = &Error{KindTokenRevoked, "Token has been revoked.", http.StatusUnauthorized}
	ErrAccountLocked   = &Error{KindAccountLocked, "Account is locked.", http.StatusForbidden}
	ErrForbidden       = &Error{KindForbidden, "You do not have access to this resource.", http.StatusForbidden}
	ErrInsufficientPermissions = &Error{KindInsufficientPermissions, "Insufficient permissions.", http.StatusForbidden}
	ErrIPNotWhitelisted        = &Error{KindIPNotWhitelisted, "Access from this address is not allowed.", http.StatusForbidden}
	ErrMFARequired             = &Error{KindMFARequired, "Multi-factor verification required.", http.StatusForbidden}
	ErrMFASetupRequired        = &Error{KindMFASetupRequired, "Multi-factor setup is required for this account.", http.StatusForbidden}

	// ErrInvalidOrExpired deliberately covers wrong, expired and missing
	// recovery artifacts with one message so callers cannot build an oracle.
	ErrInvalidOrExpired = &Error{KindInvalidOrExpired, "Invalid or expired code.", http.StatusBadRequest}

	ErrRateLimited        = &Error{KindRateLimited, "Too many attempts. Try again later.", http.StatusTooManyRequests}
	ErrDeliveryFailed     = &Error{KindDeliveryFailed, "Could not deliver the message. Try again.", http.StatusBadGateway}
	ErrInvalidCredentials = &Error{KindUnauthenticated, "Invalid credentials.", http.StatusUnauthorized}
)

// ValidationError builds a request-validation failure with a caller-visible
// reason. These are the only tagged errors with per-call messages.
func ValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Status: http.StatusBadRequest}
}
