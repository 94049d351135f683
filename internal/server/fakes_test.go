package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"matricare/internal/auth"
	"matricare/internal/notify"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*auth.User
	perms map[string][]string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users: make(map[string]*auth.User),
		perms: make(map[string][]string),
	}
}

func (s *fakeUsers) set(u *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *fakeUsers) FindByID(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		clone := *u
		return &clone, nil
	}
	return nil, nil
}

func (s *fakeUsers) FindByIdentifier(ctx context.Context, identify string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == identify || u.Username == identify {
			clone := *u
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeUsers) RegisterLoginFailure(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	u.FailedLoginCount++
	if u.FailedLoginCount >= auth.MaxFailedLogins {
		u.IsAccountLocked = true
	}
	return u.IsAccountLocked, nil
}

func (s *fakeUsers) ClearLoginFailures(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.FailedLoginCount = 0
	}
	return nil
}

func (s *fakeUsers) SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.TwoFactorEnabled = enabled
	}
	return nil
}

func (s *fakeUsers) Permissions(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.perms[userID]...), nil
}

type fakeMFAStore struct {
	mu      sync.Mutex
	creds   map[string]*auth.TwoFactorCredential
	devices map[string]*auth.TrustedDevice
}

func newFakeMFAStore() *fakeMFAStore {
	return &fakeMFAStore{
		creds:   make(map[string]*auth.TwoFactorCredential),
		devices: make(map[string]*auth.TrustedDevice),
	}
}

func credKey(userID, method string) string { return userID + "/" + method }

func (s *fakeMFAStore) UpsertCredential(ctx context.Context, cred auth.TwoFactorCredential) (*auth.TwoFactorCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred.ID = auth.NewID()
	cred.CreatedAt = time.Now()
	s.creds[credKey(cred.UserID, cred.Method)] = &cred
	clone := cred
	return &clone, nil
}

func (s *fakeMFAStore) CredentialByMethod(ctx context.Context, userID, method string) (*auth.TwoFactorCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[credKey(userID, method)]; ok {
		clone := *c
		return &clone, nil
	}
	return nil, nil
}

func (s *fakeMFAStore) MarkCredentialVerified(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds {
		if c.ID == credentialID {
			c.IsVerified = true
			return nil
		}
	}
	return errors.New("credential not found")
}

func (s *fakeMFAStore) DeleteCredential(ctx context.Context, userID, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, credKey(userID, method))
	return nil
}

func (s *fakeMFAStore) TrustedDevice(ctx context.Context, userID, deviceID string) (*auth.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.UserID == userID && d.DeviceID == deviceID {
			clone := *d
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeMFAStore) ListTrustedDevices(ctx context.Context, userID string) ([]auth.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.TrustedDevice
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *fakeMFAStore) CreateTrustedDevice(ctx context.Context, userID, deviceID string, label *string, expiresAt time.Time) (*auth.TrustedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev := &auth.TrustedDevice{
		ID:        auth.NewID(),
		UserID:    userID,
		DeviceID:  deviceID,
		Label:     label,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	s.devices[dev.ID] = dev
	clone := *dev
	return &clone, nil
}

func (s *fakeMFAStore) DeleteTrustedDevice(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return nil
}

type fakeRecoveryStore struct {
	mu       sync.Mutex
	requests map[string]*auth.ForgotPasswordRequest
	attempts map[string]*auth.VerificationAttempt
	history  map[string][]auth.PasswordHistoryEntry
	quests   map[string][]auth.SecurityQuestion
	users    *fakeUsers
}

func newFakeRecoveryStore(users *fakeUsers) *fakeRecoveryStore {
	return &fakeRecoveryStore{
		requests: make(map[string]*auth.ForgotPasswordRequest),
		attempts: make(map[string]*auth.VerificationAttempt),
		history:  make(map[string][]auth.PasswordHistoryEntry),
		quests:   make(map[string][]auth.SecurityQuestion),
		users:    users,
	}
}

func (s *fakeRecoveryStore) CreateRequest(ctx context.Context, userID, token string, expiresAt time.Time) (*auth.ForgotPasswordRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := &auth.ForgotPasswordRequest{
		ID:        auth.NewID(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	s.requests[req.ID] = req
	clone := *req
	return &clone, nil
}

func (s *fakeRecoveryStore) RevokeActiveRequests(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, req := range s.requests {
		if req.UserID == userID && !req.IsRevoked && req.ExpiresAt.After(now) {
			req.IsRevoked = true
		}
	}
	return nil
}

func (s *fakeRecoveryStore) ActiveRequestForUser(ctx context.Context, userID string) (*auth.ForgotPasswordRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var newest *auth.ForgotPasswordRequest
	for _, req := range s.requests {
		if req.UserID != userID || req.IsRevoked || !req.ExpiresAt.After(now) {
			continue
		}
		if newest == nil || req.CreatedAt.After(newest.CreatedAt) {
			newest = req
		}
	}
	if newest == nil {
		return nil, nil
	}
	clone := *newest
	return &clone, nil
}

func (s *fakeRecoveryStore) RequestByToken(ctx context.Context, token string) (*auth.ForgotPasswordRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.requests {
		if req.Token == token {
			clone := *req
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeRecoveryStore) CreateAttempt(ctx context.Context, att auth.VerificationAttempt) (*auth.VerificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att.ID = auth.NewID()
	att.CreatedAt = time.Now()
	s.attempts[att.ID] = &att
	clone := att
	return &clone, nil
}

func (s *fakeRecoveryStore) MatchAttempt(ctx context.Context, requestID, method, secretHash string) (*auth.VerificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, att := range s.attempts {
		if att.RequestID == requestID && att.Method == method && att.SecretHash == secretHash &&
			!att.Verified && !att.IsUsed && att.ExpiresAt.After(now) {
			clone := *att
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeRecoveryStore) ConsumeAttempt(ctx context.Context, requestID, attemptID string, extendTo time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	att, ok := s.attempts[attemptID]
	if !ok || att.RequestID != requestID || att.IsUsed || !att.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	now := time.Now()
	att.Verified = true
	att.IsUsed = true
	att.UsedAt = &now
	for _, sibling := range s.attempts {
		if sibling.RequestID == requestID && sibling.ID != attemptID && !sibling.IsUsed {
			sibling.IsUsed = true
			sibling.UsedAt = &now
		}
	}
	if req, ok := s.requests[requestID]; ok && req.ExpiresAt.Before(extendTo) {
		req.ExpiresAt = extendTo
	}
	return true, nil
}

func (s *fakeRecoveryStore) InvalidateAttempt(ctx context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if att, ok := s.attempts[attemptID]; ok {
		now := time.Now()
		att.IsUsed = true
		att.Verified = false
		att.UsedAt = &now
	}
	return nil
}

func (s *fakeRecoveryStore) HasVerifiedAttempt(ctx context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, att := range s.attempts {
		if att.RequestID == requestID && att.Verified && att.IsUsed {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeRecoveryStore) FinishReset(ctx context.Context, userID, requestID, newHash string, historyExpiry time.Time) error {
	now := time.Now()

	s.mu.Lock()
	if req, ok := s.requests[requestID]; ok {
		req.IsRevoked = true
		req.UsedAt = &now
	}
	s.history[userID] = append(s.history[userID], auth.PasswordHistoryEntry{
		ID:        auth.NewID(),
		UserID:    userID,
		Hash:      newHash,
		CreatedAt: now,
		ExpiresAt: historyExpiry,
	})
	s.mu.Unlock()

	user, _ := s.users.FindByID(ctx, userID)
	if user != nil {
		user.PasswordHash = newHash
		user.TokenInvalidBefore = &now
		user.IsAccountLocked = false
		user.FailedLoginCount = 0
		s.users.set(user)
	}
	return nil
}

func (s *fakeRecoveryStore) RecentPasswordHashes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, entry := range s.history[userID] {
		if entry.ExpiresAt.After(now) {
			out = append(out, entry.Hash)
		}
	}
	return out, nil
}

func (s *fakeRecoveryStore) SecurityQuestions(ctx context.Context, userID string) ([]auth.SecurityQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]auth.SecurityQuestion(nil), s.quests[userID]...), nil
}

type sentMessage struct {
	Channel string
	To      string
	Subject string
	Body    string
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (d *fakeDispatcher) SendEmail(ctx context.Context, to string, msg notify.Message, _ notify.Priority) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("email gateway down")
	}
	d.sent = append(d.sent, sentMessage{Channel: "email", To: to, Subject: msg.Subject, Body: msg.Text})
	return nil
}

func (d *fakeDispatcher) SendSMS(ctx context.Context, number, body string, _ notify.Priority) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("sms gateway down")
	}
	d.sent = append(d.sent, sentMessage{Channel: "sms", To: number, Body: body})
	return nil
}

func (d *fakeDispatcher) messages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

// fakeTOTP accepts one hard-coded code for any secret.
type fakeTOTP struct {
	accept string
}

func (f *fakeTOTP) Verify(secret, code string) bool { return code == f.accept }

func (f *fakeTOTP) Generate(accountName string) (string, string, string, error) {
	return "JBSWY3DPEHPK3PXP", "otpauth://totp/test:" + accountName, "data:image/png;base64,x", nil
}
