package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestRecoveryService(t *testing.T, users *fakeUserStore, store *fakeRecoveryStore, dispatcher *fakeDispatcher) *RecoveryService {
	t.Helper()
	redisClient := newTestRedis(t)
	tokens := newTestTokenService(t, users)
	tokens.Redis = redisClient
	return &RecoveryService{
		Users:      users,
		Store:      store,
		Devices:    newFakeMFAStore(),
		Hasher:     NewBcryptHasher(4),
		Dispatcher: dispatcher,
		Sessions:   &SessionStore{Redis: redisClient},
		Tokens:     tokens,
		BaseURL:    "https://app.example.com",
		CodeLength: 6,
		CodeTTL:    time.Minute,
		RequestTTL: 30 * time.Minute,
		HistoryTTL: 90 * 24 * time.Hour,
	}
}

func recoveryTestUser(t *testing.T, hasher PasswordHasher) *User {
	t.Helper()
	hash, err := hasher.Hash("Current-Pass1!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	phone := "+4915112345678"
	return &User{
		ID:           "user-1",
		Email:        "annabel@example.com",
		Username:     "ana",
		Phone:        &phone,
		PasswordHash: hash,
		Role:         "PATIENT",
	}
}

func TestFindUserMissIsSilent(t *testing.T) {
	users := newFakeUserStore()
	svc := newTestRecoveryService(t, users, newFakeRecoveryStore(users), &fakeDispatcher{})

	channels, err := svc.FindUser(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if channels != nil {
		t.Fatal("expected nil channels for unknown identifier")
	}
}

func TestFindUserMasksChannelsAndOpensRequest(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	svc := newTestRecoveryService(t, users, store, &fakeDispatcher{})
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	channels, err := svc.FindUser(ctx, "ana")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if channels == nil {
		t.Fatal("expected channels for known user")
	}
	if channels.MaskedEmail != "ann****@example.com" {
		t.Fatalf("unexpected masked email %q", channels.MaskedEmail)
	}
	if channels.MaskedPhone != "+49***********" {
		t.Fatalf("unexpected masked phone %q", channels.MaskedPhone)
	}

	req, err := store.ActiveRequestForUser(ctx, user.ID)
	if err != nil || req == nil {
		t.Fatalf("no active request after find-user: %v", err)
	}

	// A second find-user supersedes the first request.
	first := req.ID
	if _, err := svc.FindUser(ctx, "ana"); err != nil {
		t.Fatalf("second FindUser: %v", err)
	}
	req, _ = store.ActiveRequestForUser(ctx, user.ID)
	if req == nil || req.ID == first {
		t.Fatal("earlier request was not superseded")
	}
}

func TestSendCodeValidation(t *testing.T) {
	users := newFakeUserStore()
	svc := newTestRecoveryService(t, users, newFakeRecoveryStore(users), &fakeDispatcher{})
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.SendCode(ctx, user.ID, "carrier-pigeon", AttemptCode, "en"); err == nil {
		t.Fatal("unknown method accepted")
	}
	if _, err := svc.SendCode(ctx, user.ID, ChannelSMS, AttemptLink, "en"); err == nil {
		t.Fatal("link over sms accepted")
	}
	if _, err := svc.SendCode(ctx, "ghost", ChannelEmail, AttemptCode, "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("unknown user: got %v, want ErrInvalidOrExpired", err)
	}
}

func TestSendAndVerifyCode(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	sent, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en")
	if err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	if sent.Destination != "ann****@example.com" {
		t.Fatalf("unexpected destination %q", sent.Destination)
	}

	msgs := dispatcher.messages()
	if len(msgs) != 1 || msgs[0].Channel != "email" || msgs[0].To != user.Email {
		t.Fatalf("unexpected deliveries: %+v", msgs)
	}
	code := extractDigits(msgs[0].Body, 6)
	if code == "" {
		t.Fatalf("no code in email body %q", msgs[0].Body)
	}

	proof, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, code)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if proof.Token == "" {
		t.Fatal("no proof token")
	}
	// The proof outlives the one-minute code window.
	if time.Until(proof.ExpiresAt) < 20*time.Minute {
		t.Fatalf("proof expires too soon: %v", proof.ExpiresAt)
	}

	// A spent code cannot be replayed.
	if _, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("replay: got %v, want ErrInvalidOrExpired", err)
	}
}

func TestVerifyCodeWrongMethodOrCode(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	code := extractDigits(dispatcher.messages()[0].Body, 6)

	if _, err := svc.VerifyCode(ctx, user.ID, ChannelSMS, code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("wrong method: got %v, want ErrInvalidOrExpired", err)
	}
	if _, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, "000000"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("wrong code: got %v, want ErrInvalidOrExpired", err)
	}
	if _, err := svc.VerifyCode(ctx, "ghost", ChannelEmail, code); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("unknown user: got %v, want ErrInvalidOrExpired", err)
	}
}

func TestSendCodeSupersedesEarlierCode(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
		t.Fatalf("first SendCode: %v", err)
	}
	firstCode := extractDigits(dispatcher.messages()[0].Body, 6)

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
		t.Fatalf("second SendCode: %v", err)
	}

	// The first code's request was revoked by the resend.
	if _, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, firstCode); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("stale code: got %v, want ErrInvalidOrExpired", err)
	}
}

func TestSendCodeDispatchFailureBurnsAttempt(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	dispatcher.setFail(true)
	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("got %v, want ErrDeliveryFailed", err)
	}

	// The attempt is terminally used+unverified; nothing under the request
	// can verify anymore.
	req, _ := store.ActiveRequestForUser(ctx, user.ID)
	if req != nil {
		for _, att := range store.attempts {
			if att.RequestID == req.ID && !att.IsUsed {
				t.Fatal("attempt still live after dispatch failure")
			}
		}
	}
}

func TestResetPassword(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	// Put a live session in place; the reset must kill it.
	pair, _ := svc.Tokens.Issue(ctx, user.ID, "sess-1")
	_ = svc.Sessions.Create(ctx, Session{
		ID: "sess-1", UserID: user.ID, RefreshJTI: svc.Tokens.ExtractID(pair.RefreshToken),
		ExpiresAt: time.Now().Add(time.Hour), LoginTime: time.Now(), LastActive: time.Now(),
	})

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	code := extractDigits(dispatcher.messages()[0].Body, 6)
	proof, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, code)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}

	if err := svc.ResetPassword(ctx, proof.Token, "Brand-New-Pass1!", "en"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	stored, _ := users.FindByID(ctx, user.ID)
	if !svc.Hasher.Compare(stored.PasswordHash, "Brand-New-Pass1!") {
		t.Fatal("password not updated")
	}
	if stored.TokenInvalidBefore == nil {
		t.Fatal("token watermark not set")
	}
	if sess, _ := svc.Sessions.Get(ctx, "sess-1"); sess != nil {
		t.Fatal("session survived the reset")
	}

	// The proof is single-use.
	if err := svc.ResetPassword(ctx, proof.Token, "Another-Pass1!", "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("reused proof: got %v, want ErrInvalidOrExpired", err)
	}
}

func TestResetPasswordRequiresVerifiedAttempt(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
		t.Fatalf("SendCode: %v", err)
	}
	req, _ := store.ActiveRequestForUser(ctx, user.ID)

	// Possession of the request token without a verified attempt is not
	// enough.
	if err := svc.ResetPassword(ctx, req.Token, "Brand-New-Pass1!", "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("got %v, want ErrInvalidOrExpired", err)
	}
}

func TestResetPasswordRejectsReuse(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	verify := func() *RecoveryProof {
		t.Helper()
		before := len(dispatcher.messages())
		if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptCode, "en"); err != nil {
			t.Fatalf("SendCode: %v", err)
		}
		code := extractDigits(dispatcher.messages()[before].Body, 6)
		proof, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, code)
		if err != nil {
			t.Fatalf("VerifyCode: %v", err)
		}
		return proof
	}

	proof := verify()
	if err := svc.ResetPassword(ctx, proof.Token, "Current-Pass1!", "en"); err == nil {
		t.Fatal("reset to the current password accepted")
	}

	if err := svc.ResetPassword(ctx, proof.Token, "Brand-New-Pass1!", "en"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	// The just-retired password is in history now.
	proof = verify()
	if err := svc.ResetPassword(ctx, proof.Token, "Brand-New-Pass1!", "en"); err == nil {
		t.Fatal("reset to a recent password accepted")
	}
}

func TestSecurityQuestionsPath(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	store.quests[user.ID] = []SecurityQuestion{
		{ID: "q1", UserID: user.ID, Question: "First pet?", AnswerHash: HashAnswer("Rex")},
		{ID: "q2", UserID: user.ID, Question: "Birth city?", AnswerHash: HashAnswer("Vienna")},
	}

	if _, err := svc.VerifySecurityAnswers(ctx, user.ID, map[string]string{
		"q1": "rex", "q2": "Berlin",
	}, "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("wrong answer: got %v, want ErrInvalidOrExpired", err)
	}
	if _, err := svc.VerifySecurityAnswers(ctx, user.ID, map[string]string{"q1": "rex"}, "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("missing answer: got %v, want ErrInvalidOrExpired", err)
	}

	// Case and whitespace do not matter; a full match mails a code.
	sent, err := svc.VerifySecurityAnswers(ctx, user.ID, map[string]string{
		"q1": "  REX ", "q2": "vienna",
	}, "en")
	if err != nil {
		t.Fatalf("VerifySecurityAnswers: %v", err)
	}
	if sent == nil || !strings.Contains(sent.Destination, "*") {
		t.Fatalf("unexpected result %+v", sent)
	}

	msgs := dispatcher.messages()
	code := extractDigits(msgs[len(msgs)-1].Body, 6)
	if _, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, code); err != nil {
		t.Fatalf("code from security-question path did not verify: %v", err)
	}
}

func TestTrustedDeviceRecovery(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.RecoverByTrustedDevice(ctx, user.ID, "unknown-device", "en"); !errors.Is(err, ErrInvalidOrExpired) {
		t.Fatalf("unknown device: got %v, want ErrInvalidOrExpired", err)
	}

	if _, err := svc.Devices.CreateTrustedDevice(ctx, user.ID, "device-a", nil, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("CreateTrustedDevice: %v", err)
	}
	sent, err := svc.RecoverByTrustedDevice(ctx, user.ID, "device-a", "en")
	if err != nil {
		t.Fatalf("RecoverByTrustedDevice: %v", err)
	}
	if sent == nil {
		t.Fatal("no code sent")
	}
}

func TestRecoveryLinkFlow(t *testing.T) {
	users := newFakeUserStore()
	store := newFakeRecoveryStore(users)
	dispatcher := &fakeDispatcher{}
	svc := newTestRecoveryService(t, users, store, dispatcher)
	user := recoveryTestUser(t, svc.Hasher)
	users.set(user)
	ctx := context.Background()

	if _, err := svc.SendCode(ctx, user.ID, ChannelEmail, AttemptLink, "en"); err != nil {
		t.Fatalf("SendCode link: %v", err)
	}

	body := dispatcher.messages()[0].Body
	marker := "code="
	idx := strings.Index(body, marker)
	if idx < 0 {
		t.Fatalf("no link secret in body %q", body)
	}
	secret := body[idx+len(marker):]
	if end := strings.IndexAny(secret, "\n \t"); end >= 0 {
		secret = secret[:end]
	}

	if _, err := svc.VerifyCode(ctx, user.ID, ChannelEmail, secret); err != nil {
		t.Fatalf("link secret did not verify: %v", err)
	}
}
