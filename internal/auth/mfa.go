package auth

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"matricare/internal/i18n"
	"matricare/internal/notify"
)

// ChallengeState is the per-login MFA decision.
type ChallengeState string

const (
	StateNotRequired ChallengeState = "NOT_REQUIRED"
	StateRequired    ChallengeState = "REQUIRED"
	StateBypassed    ChallengeState = "BYPASSED"
	StatePending     ChallengeState = "PENDING"
	StateVerified    ChallengeState = "VERIFIED"
)

const smsCodeKeyPrefix = "mfa_sms:"

// MFAService decides whether a login needs a second factor and runs the
// TOTP / SMS challenges, trusted-device bypass and session limiting.
type MFAService struct {
	Users            UserStore
	Store            MFAStore
	Redis            *redis.Client
	TOTP             TOTPVerifier
	Dispatcher       notify.Dispatcher
	Sessions         *SessionStore
	Tokens           *TokenService
	CodeLength       int
	CodeTTL          time.Duration
	TrustedDeviceTTL time.Duration
	MandatedRoles    []string
}

// Evaluate runs the per-login state machine up to the point where caller
// input is needed. It never returns StateVerified; that transition belongs
// to VerifyChallenge.
func (m *MFAService) Evaluate(ctx context.Context, user *User, deviceID string) (ChallengeState, error) {
	if !user.TwoFactorEnabled && !m.roleMandatesMFA(user.Role) {
		return StateNotRequired, nil
	}

	if deviceID != "" {
		dev, err := m.Store.TrustedDevice(ctx, user.ID, deviceID)
		if err != nil {
			return StateRequired, err
		}
		if dev != nil && !dev.Expired(time.Now()) {
			return StateBypassed, nil
		}
	}

	return StatePending, nil
}

// RequiresSetup reports whether the role mandates MFA that the account has
// not yet enabled. Callers fail closed with MFASetupRequired.
func (m *MFAService) RequiresSetup(user *User) bool {
	return m.roleMandatesMFA(user.Role) && !user.TwoFactorEnabled
}

func (m *MFAService) roleMandatesMFA(role string) bool {
	for _, r := range m.MandatedRoles {
		if r == role {
			return true
		}
	}
	return false
}

// BeginSMSChallenge generates a single-use numeric code, stores only its
// hash with the code's validity window, and delivers it. A failed delivery
// drops the code so it cannot be guessed against later.
func (m *MFAService) BeginSMSChallenge(ctx context.Context, user *User, locale string) (time.Time, error) {
	cred, err := m.Store.CredentialByMethod(ctx, user.ID, MethodSMS)
	if err != nil {
		return time.Time{}, err
	}
	if cred == nil || !cred.IsVerified || cred.Phone == nil {
		return time.Time{}, ErrMFARequired
	}

	code, err := NumericCode(m.CodeLength)
	if err != nil {
		return time.Time{}, err
	}

	expiresAt := time.Now().Add(m.CodeTTL)
	if err := m.Redis.Set(ctx, smsCodeKeyPrefix+user.ID, HashString(code), m.CodeTTL).Err(); err != nil {
		return time.Time{}, err
	}

	minutes := int(m.CodeTTL.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	body := i18n.LoginCodeSMS(locale, code, minutes)
	if err := m.Dispatcher.SendSMS(ctx, *cred.Phone, body, notify.PriorityHigh); err != nil {
		m.Redis.Del(ctx, smsCodeKeyPrefix+user.ID)
		log.Printf("mfa: sms delivery failed for user %s: %v", user.ID, err)
		return time.Time{}, ErrDeliveryFailed
	}

	return expiresAt, nil
}

// VerifyChallenge checks a submitted second factor. SMS codes are single
// use: the stored hash is consumed atomically on the first check.
func (m *MFAService) VerifyChallenge(ctx context.Context, user *User, method, code string) error {
	switch method {
	case MethodTOTP:
		cred, err := m.Store.CredentialByMethod(ctx, user.ID, MethodTOTP)
		if err != nil {
			return err
		}
		if cred == nil || !cred.IsVerified || cred.Secret == nil {
			return ErrInvalidOrExpired
		}
		if !m.TOTP.Verify(*cred.Secret, code) {
			return ErrInvalidOrExpired
		}
		return nil

	case MethodSMS:
		stored, err := m.Redis.GetDel(ctx, smsCodeKeyPrefix+user.ID).Result()
		if err == redis.Nil {
			return ErrInvalidOrExpired
		}
		if err != nil {
			return err
		}
		if !HashEqual(stored, code) {
			return ErrInvalidOrExpired
		}
		return nil

	default:
		return ValidationError("Unsupported MFA method.")
	}
}

// BeginTOTPEnrollment provisions a fresh shared secret for the account. The
// credential stays unverified until the caller proves possession of it.
func (m *MFAService) BeginTOTPEnrollment(ctx context.Context, user *User) (secret, otpauthURL, qrDataURL string, err error) {
	secret, otpauthURL, qrDataURL, err = m.TOTP.Generate(user.Email)
	if err != nil {
		return "", "", "", err
	}
	_, err = m.Store.UpsertCredential(ctx, TwoFactorCredential{
		UserID: user.ID,
		Method: MethodTOTP,
		Secret: &secret,
	})
	if err != nil {
		return "", "", "", err
	}
	return secret, otpauthURL, qrDataURL, nil
}

// FinishTOTPEnrollment verifies the first code against the provisioned
// secret and switches the account to two-factor.
func (m *MFAService) FinishTOTPEnrollment(ctx context.Context, user *User, code string) error {
	cred, err := m.Store.CredentialByMethod(ctx, user.ID, MethodTOTP)
	if err != nil {
		return err
	}
	if cred == nil || cred.Secret == nil {
		return ErrInvalidOrExpired
	}
	if !m.TOTP.Verify(*cred.Secret, code) {
		return ErrInvalidOrExpired
	}
	if err := m.Store.MarkCredentialVerified(ctx, cred.ID); err != nil {
		return err
	}
	return m.Users.SetTwoFactorEnabled(ctx, user.ID, true)
}

// BeginSMSEnrollment binds a phone number to the account and sends a proof
// code to it. The number is not trusted until the code comes back.
func (m *MFAService) BeginSMSEnrollment(ctx context.Context, user *User, phone, locale string) (time.Time, error) {
	if _, err := m.Store.UpsertCredential(ctx, TwoFactorCredential{
		UserID: user.ID,
		Method: MethodSMS,
		Phone:  &phone,
	}); err != nil {
		return time.Time{}, err
	}

	code, err := NumericCode(m.CodeLength)
	if err != nil {
		return time.Time{}, err
	}
	expiresAt := time.Now().Add(m.CodeTTL)
	if err := m.Redis.Set(ctx, smsCodeKeyPrefix+user.ID, HashString(code), m.CodeTTL).Err(); err != nil {
		return time.Time{}, err
	}

	minutes := int(m.CodeTTL.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	if err := m.Dispatcher.SendSMS(ctx, phone, i18n.LoginCodeSMS(locale, code, minutes), notify.PriorityHigh); err != nil {
		m.Redis.Del(ctx, smsCodeKeyPrefix+user.ID)
		log.Printf("mfa: enrollment sms failed for user %s: %v", user.ID, err)
		return time.Time{}, ErrDeliveryFailed
	}
	return expiresAt, nil
}

// FinishSMSEnrollment consumes the proof code and marks the phone as a
// usable second factor.
func (m *MFAService) FinishSMSEnrollment(ctx context.Context, user *User, code string) error {
	stored, err := m.Redis.GetDel(ctx, smsCodeKeyPrefix+user.ID).Result()
	if err == redis.Nil {
		return ErrInvalidOrExpired
	}
	if err != nil {
		return err
	}
	if !HashEqual(stored, code) {
		return ErrInvalidOrExpired
	}

	cred, err := m.Store.CredentialByMethod(ctx, user.ID, MethodSMS)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrInvalidOrExpired
	}
	if err := m.Store.MarkCredentialVerified(ctx, cred.ID); err != nil {
		return err
	}
	return m.Users.SetTwoFactorEnabled(ctx, user.ID, true)
}

// Disable removes every second-factor credential and trust record after the
// caller re-proves a live factor.
func (m *MFAService) Disable(ctx context.Context, user *User, method, code string) error {
	if err := m.VerifyChallenge(ctx, user, method, code); err != nil {
		return err
	}

	for _, method := range []string{MethodTOTP, MethodSMS} {
		if err := m.Store.DeleteCredential(ctx, user.ID, method); err != nil {
			return err
		}
	}
	devices, err := m.Store.ListTrustedDevices(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, dev := range devices {
		if err := m.Store.DeleteTrustedDevice(ctx, user.ID, dev.ID); err != nil {
			return err
		}
	}
	return m.Users.SetTwoFactorEnabled(ctx, user.ID, false)
}

// TrustDevice records a device so future logins within the trust window can
// skip the challenge.
func (m *MFAService) TrustDevice(ctx context.Context, userID, deviceID string, label *string) (*TrustedDevice, error) {
	if deviceID == "" {
		return nil, ValidationError("A device ID is required.")
	}
	return m.Store.CreateTrustedDevice(ctx, userID, deviceID, label, time.Now().Add(m.TrustedDeviceTTL))
}

// LimitSessions enforces the single-active-session policy: everything but
// the most recently active session is deleted, its refresh token revoked,
// and the user notified about the forced logouts.
func (m *MFAService) LimitSessions(ctx context.Context, user *User, locale string) (int, error) {
	sessions, err := m.Sessions.ListForUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	if len(sessions) <= 1 {
		return 0, nil
	}

	removed := 0
	for _, sess := range sessions[1:] {
		if err := m.Sessions.Delete(ctx, sess.ID); err != nil {
			log.Printf("session limit: delete failed for session %s: %v", sess.ID, err)
			continue
		}
		if sess.RefreshJTI != "" {
			if err := m.Tokens.RevokeID(ctx, sess.RefreshJTI); err != nil {
				log.Printf("session limit: revoke failed for session %s: %v", sess.ID, err)
			}
		}
		removed++
	}

	if removed > 0 {
		content := i18n.ForcedLogoutEmail(locale, removed)
		if err := m.Dispatcher.SendEmail(ctx, user.Email, notify.Message{
			Subject: content.Subject,
			Text:    content.Text,
			HTML:    content.HTML,
		}, notify.PriorityNormal); err != nil {
			log.Printf("session limit: forced-logout notice failed for user %s: %v", user.ID, err)
		}
	}

	return removed, nil
}
