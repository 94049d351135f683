package auth

import "time"

type User struct {
	ID                 string
	Email              string
	Username           string
	Phone              *string
	PasswordHash       string
	Role               string
	IsVerified         bool
	TwoFactorEnabled   bool
	IsAccountLocked    bool
	FailedLoginCount   int
	TokenInvalidBefore *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserContext is the resolved identity attached to a request after token
// verification.
type UserContext struct {
	UserID           string
	Email            string
	Role             string
	TwoFactorEnabled bool
	SessionID        string
	TokenID          string
}

const (
	MethodTOTP = "TOTP"
	MethodSMS  = "SMS"
)

type TwoFactorCredential struct {
	ID         string
	UserID     string
	Method     string
	Secret     *string
	Phone      *string
	IsVerified bool
	CreatedAt  time.Time
}

type TrustedDevice struct {
	ID        string
	UserID    string
	DeviceID  string
	Label     *string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (d *TrustedDevice) Expired(now time.Time) bool {
	return !d.ExpiresAt.After(now)
}

type ForgotPasswordRequest struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt time.Time
	IsRevoked bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (r *ForgotPasswordRequest) Active(now time.Time) bool {
	return !r.IsRevoked && r.ExpiresAt.After(now)
}

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"

	AttemptCode = "code"
	AttemptLink = "link"
)

type VerificationAttempt struct {
	ID         string
	RequestID  string
	Method     string
	Kind       string
	SecretHash string
	ExpiresAt  time.Time
	Verified   bool
	IsUsed     bool
	UsedAt     *time.Time
	CreatedAt  time.Time
}

type PasswordHistoryEntry struct {
	ID        string
	UserID    string
	Hash      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type SecurityQuestion struct {
	ID         string
	UserID     string
	Question   string
	AnswerHash string
	CreatedAt  time.Time
}
