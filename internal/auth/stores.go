package auth

import (
	"context"
	"time"
)

// UserStore is the credential-store view of user records. The durable store
// is the single source of truth; caches in front of it are advisory.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByIdentifier(ctx context.Context, identify string) (*User, error)
	RegisterLoginFailure(ctx context.Context, userID string) (locked bool, err error)
	ClearLoginFailures(ctx context.Context, userID string) error
	SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error
	Permissions(ctx context.Context, userID string) ([]string, error)
}

// MFAStore persists second-factor credentials and trusted devices.
type MFAStore interface {
	UpsertCredential(ctx context.Context, cred TwoFactorCredential) (*TwoFactorCredential, error)
	CredentialByMethod(ctx context.Context, userID, method string) (*TwoFactorCredential, error)
	MarkCredentialVerified(ctx context.Context, credentialID string) error
	DeleteCredential(ctx context.Context, userID, method string) error

	TrustedDevice(ctx context.Context, userID, deviceID string) (*TrustedDevice, error)
	ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error)
	CreateTrustedDevice(ctx context.Context, userID, deviceID string, label *string, expiresAt time.Time) (*TrustedDevice, error)
	DeleteTrustedDevice(ctx context.Context, userID, id string) error
}

// RecoveryStore persists the find-user -> send-code -> verify-code ->
// reset-password state machine. Multi-row transitions are transactional
// inside the implementation so two concurrent verifications of the same code
// cannot both succeed.
type RecoveryStore interface {
	CreateRequest(ctx context.Context, userID, token string, expiresAt time.Time) (*ForgotPasswordRequest, error)
	RevokeActiveRequests(ctx context.Context, userID string) error
	ActiveRequestForUser(ctx context.Context, userID string) (*ForgotPasswordRequest, error)
	RequestByToken(ctx context.Context, token string) (*ForgotPasswordRequest, error)

	CreateAttempt(ctx context.Context, att VerificationAttempt) (*VerificationAttempt, error)
	MatchAttempt(ctx context.Context, requestID, method, secretHash string) (*VerificationAttempt, error)
	// ConsumeAttempt atomically marks the matched attempt verified+used,
	// marks every other unused sibling attempt used, and extends the request
	// expiry to extendTo. Returns false when the attempt was already consumed.
	ConsumeAttempt(ctx context.Context, requestID, attemptID string, extendTo time.Time) (bool, error)
	// InvalidateAttempt forces an attempt into the used+unverified terminal
	// state, e.g. after a dispatch failure.
	InvalidateAttempt(ctx context.Context, attemptID string) error
	HasVerifiedAttempt(ctx context.Context, requestID string) (bool, error)

	// FinishReset applies the reset writes as one unit: new credential hash,
	// token watermark, unlock, request revocation and history append.
	FinishReset(ctx context.Context, userID, requestID, newHash string, historyExpiry time.Time) error
	RecentPasswordHashes(ctx context.Context, userID string, now time.Time) ([]string, error)

	SecurityQuestions(ctx context.Context, userID string) ([]SecurityQuestion, error)
}
