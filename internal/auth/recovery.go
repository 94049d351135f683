package auth

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"matricare/internal/i18n"
	"matricare/internal/notify"
)

// RecoveryService drives the account-recovery state machine:
// find-user -> send-code -> verify-code -> reset-password, plus the
// security-question and trusted-device entry paths that feed back into the
// same code-verification step.
type RecoveryService struct {
	Users      UserStore
	Store      RecoveryStore
	Devices    MFAStore
	Hasher     PasswordHasher
	Dispatcher notify.Dispatcher
	Sessions   *SessionStore
	Tokens     *TokenService
	BaseURL    string
	CodeLength int
	CodeTTL    time.Duration
	RequestTTL time.Duration
	HistoryTTL time.Duration
}

// RecoveryChannels describes how an account can be recovered. Contact
// addresses are masked before they leave the service.
type RecoveryChannels struct {
	UserID       string   `json:"userId"`
	MaskedEmail  string   `json:"maskedEmail"`
	MaskedPhone  string   `json:"maskedPhone,omitempty"`
	Questions    []string `json:"securityQuestions,omitempty"`
	HasQuestions bool     `json:"hasSecurityQuestions"`
}

// SentCode reports where a code went and how long it lives.
type SentCode struct {
	Destination string    `json:"destination"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RecoveryProof is the redeemable result of a successful verification: the
// request token the caller presents to reset-password, and its deadline.
type RecoveryProof struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FindUser resolves an account by email or username and opens a fresh
// recovery request, revoking any earlier active ones. A miss returns
// (nil, nil) so the handler can answer with the same shape and status as a
// hit; nothing here distinguishes the two to a caller.
func (s *RecoveryService) FindUser(ctx context.Context, identify string) (*RecoveryChannels, error) {
	user, err := s.Users.FindByIdentifier(ctx, identify)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}

	if err := s.Store.RevokeActiveRequests(ctx, user.ID); err != nil {
		return nil, err
	}
	token, err := OpaqueToken(32)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.CreateRequest(ctx, user.ID, token, time.Now().Add(s.RequestTTL)); err != nil {
		return nil, err
	}

	questions, err := s.Store.SecurityQuestions(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	channels := &RecoveryChannels{
		UserID:       user.ID,
		MaskedEmail:  MaskEmail(user.Email),
		HasQuestions: len(questions) > 0,
	}
	if user.Phone != nil && *user.Phone != "" {
		channels.MaskedPhone = MaskPhone(*user.Phone)
	}
	for _, q := range questions {
		channels.Questions = append(channels.Questions, q.Question)
	}
	return channels, nil
}

// SendCode opens a short-lived request plus one verification attempt and
// dispatches the secret. The code window is deliberately much tighter than
// the outer request window; the code is the brute-forceable artifact.
// A link is only deliverable over email.
func (s *RecoveryService) SendCode(ctx context.Context, userID, method, kind, locale string) (*SentCode, error) {
	if method != ChannelEmail && method != ChannelSMS {
		return nil, ValidationError("Unsupported recovery method.")
	}
	if kind != AttemptCode && kind != AttemptLink {
		return nil, ValidationError("Unsupported verification type.")
	}
	if kind == AttemptLink && method != ChannelEmail {
		return nil, ValidationError("Recovery links can only be sent by email.")
	}

	user, err := s.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidOrExpired
	}
	if method == ChannelSMS && (user.Phone == nil || *user.Phone == "") {
		return nil, ValidationError("No phone number is on file for this account.")
	}

	secret, err := s.newSecret(kind)
	if err != nil {
		return nil, err
	}

	// Each send supersedes everything before it: one active request, one
	// live attempt.
	if err := s.Store.RevokeActiveRequests(ctx, userID); err != nil {
		return nil, err
	}
	token, err := OpaqueToken(32)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(s.CodeTTL)
	req, err := s.Store.CreateRequest(ctx, userID, token, expiresAt)
	if err != nil {
		return nil, err
	}
	att, err := s.Store.CreateAttempt(ctx, VerificationAttempt{
		RequestID:  req.ID,
		Method:     method,
		Kind:       kind,
		SecretHash: HashString(secret),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, user, method, kind, secret, locale); err != nil {
		// The user never received this secret. Burn the attempt so it cannot
		// be retried against a resend.
		if invErr := s.Store.InvalidateAttempt(ctx, att.ID); invErr != nil {
			log.Printf("recovery: attempt invalidation failed after dispatch error: %v", invErr)
		}
		log.Printf("recovery: dispatch failed for user %s via %s: %v", userID, method, err)
		return nil, ErrDeliveryFailed
	}

	dest := MaskEmail(user.Email)
	if method == ChannelSMS {
		dest = MaskPhone(*user.Phone)
	}
	return &SentCode{Destination: dest, ExpiresAt: expiresAt}, nil
}

func (s *RecoveryService) newSecret(kind string) (string, error) {
	if kind == AttemptLink {
		return OpaqueToken(32)
	}
	return NumericCode(s.CodeLength)
}

func (s *RecoveryService) dispatch(ctx context.Context, user *User, method, kind, secret, locale string) error {
	minutes := int(s.CodeTTL.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	if method == ChannelSMS {
		body := i18n.RecoveryCodeSMS(locale, secret, minutes)
		return s.Dispatcher.SendSMS(ctx, *user.Phone, body, notify.PriorityHigh)
	}

	var content i18n.MessageContent
	if kind == AttemptLink {
		link := fmt.Sprintf("%s/recovery/verify?user=%s&code=%s",
			strings.TrimRight(s.BaseURL, "/"), url.QueryEscape(user.ID), url.QueryEscape(secret))
		content = i18n.RecoveryLinkEmail(locale, link, minutes)
	} else {
		content = i18n.RecoveryCodeEmail(locale, secret, minutes)
	}
	return s.Dispatcher.SendEmail(ctx, user.Email, notify.Message{
		Subject: content.Subject,
		Text:    content.Text,
		HTML:    content.HTML,
	}, notify.PriorityHigh)
}

// VerifyCode redeems a code against the newest active request. On a match
// the attempt is consumed atomically, its siblings die with it, and the
// request window is stretched so the returned proof stays redeemable for
// the full outer window. All failures collapse into one answer.
func (s *RecoveryService) VerifyCode(ctx context.Context, userID, method, code string) (*RecoveryProof, error) {
	req, err := s.Store.ActiveRequestForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrInvalidOrExpired
	}

	att, err := s.Store.MatchAttempt(ctx, req.ID, method, HashString(code))
	if err != nil {
		return nil, err
	}
	if att == nil {
		return nil, ErrInvalidOrExpired
	}

	extendTo := time.Now().Add(s.RequestTTL)
	ok, err := s.Store.ConsumeAttempt(ctx, req.ID, att.ID, extendTo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidOrExpired
	}

	expiresAt := req.ExpiresAt
	if extendTo.After(expiresAt) {
		expiresAt = extendTo
	}
	return &RecoveryProof{Token: req.Token, ExpiresAt: expiresAt}, nil
}

// ResetPassword redeems a verified request token for a credential change.
// The write is one unit: new hash, token watermark, unlock, request
// revocation, history append. Every live session dies with it.
func (s *RecoveryService) ResetPassword(ctx context.Context, token, newPassword, locale string) error {
	req, err := s.Store.RequestByToken(ctx, token)
	if err != nil {
		return err
	}
	now := time.Now()
	if req == nil || !req.Active(now) {
		return ErrInvalidOrExpired
	}
	verified, err := s.Store.HasVerifiedAttempt(ctx, req.ID)
	if err != nil {
		return err
	}
	if !verified {
		return ErrInvalidOrExpired
	}

	user, err := s.Users.FindByID(ctx, req.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrInvalidOrExpired
	}

	if s.Hasher.Compare(user.PasswordHash, newPassword) {
		return ValidationError("The new password must differ from the current one.")
	}
	recent, err := s.Store.RecentPasswordHashes(ctx, user.ID, now)
	if err != nil {
		return err
	}
	for _, hash := range recent {
		if s.Hasher.Compare(hash, newPassword) {
			return ValidationError("The new password was used recently. Choose a different one.")
		}
	}

	newHash, err := s.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.Store.FinishReset(ctx, user.ID, req.ID, newHash, now.Add(s.HistoryTTL)); err != nil {
		return err
	}

	s.killSessions(ctx, user.ID)
	s.Tokens.PurgeIdentity(ctx, user.ID)

	go func() {
		content := i18n.PasswordChangedEmail(locale)
		if err := s.Dispatcher.SendEmail(context.Background(), user.Email, notify.Message{
			Subject: content.Subject,
			Text:    content.Text,
			HTML:    content.HTML,
		}, notify.PriorityNormal); err != nil {
			log.Printf("recovery: password-changed notice failed for user %s: %v", user.ID, err)
		}
	}()

	return nil
}

// killSessions drops the user's session index entries and revokes the
// refresh tokens bound to them. Outstanding access tokens die via the
// token watermark written by FinishReset.
func (s *RecoveryService) killSessions(ctx context.Context, userID string) {
	sessions, err := s.Sessions.ListForUser(ctx, userID)
	if err != nil {
		log.Printf("recovery: session listing failed for user %s: %v", userID, err)
		return
	}
	for _, sess := range sessions {
		if sess.RefreshJTI != "" {
			if err := s.Tokens.RevokeID(ctx, sess.RefreshJTI); err != nil {
				log.Printf("recovery: refresh revoke failed for session %s: %v", sess.ID, err)
			}
		}
	}
	if err := s.Sessions.DeleteByUser(ctx, userID); err != nil {
		log.Printf("recovery: session purge failed for user %s: %v", userID, err)
	}
}

// VerifySecurityAnswers checks every stored question against the submitted
// answers. A full match does not reset anything itself; it issues a
// one-time emailed code that feeds back into verify-code.
func (s *RecoveryService) VerifySecurityAnswers(ctx context.Context, userID string, answers map[string]string, locale string) (*SentCode, error) {
	questions, err := s.Store.SecurityQuestions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, ErrInvalidOrExpired
	}

	for _, q := range questions {
		answer, ok := answers[q.ID]
		if !ok {
			return nil, ErrInvalidOrExpired
		}
		if !HashEqual(q.AnswerHash, normalizeAnswer(answer)) {
			return nil, ErrInvalidOrExpired
		}
	}

	return s.SendCode(ctx, userID, ChannelEmail, AttemptCode, locale)
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// HashAnswer is the canonical digest for a stored security answer.
func HashAnswer(answer string) string {
	return HashString(normalizeAnswer(answer))
}

// RecoverByTrustedDevice lets a previously trusted client start recovery
// without inbox access being proven first; it still only yields an emailed
// one-time code, never a direct reset.
func (s *RecoveryService) RecoverByTrustedDevice(ctx context.Context, userID, deviceID, locale string) (*SentCode, error) {
	if deviceID == "" {
		return nil, ErrInvalidOrExpired
	}
	dev, err := s.Devices.TrustedDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil || dev.Expired(time.Now()) {
		return nil, ErrInvalidOrExpired
	}
	return s.SendCode(ctx, userID, ChannelEmail, AttemptCode, locale)
}
