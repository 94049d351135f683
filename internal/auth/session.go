package auth

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the server-side index entry for an issued token pair. Access
// tokens stay self-contained; the index exists for enumeration (session
// listing, concurrent-session limiting) and to bind a refresh jti that can
// be revoked on forced logout.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	IP         string    `json:"ip"`
	UserAgent  string    `json:"userAgent"`
	DeviceID   string    `json:"deviceId,omitempty"`
	RefreshJTI string    `json:"refreshJti,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	LoginTime  time.Time `json:"loginTime"`
	LastActive time.Time `json:"lastActive"`
}

type SessionStore struct {
	Redis *redis.Client
}

func (s *SessionStore) Create(ctx context.Context, sess Session) error {
	key := "session:" + sess.ID

	data := map[string]interface{}{
		"userId":     sess.UserID,
		"role":       sess.Role,
		"ipAddress":  sess.IP,
		"userAgent":  sess.UserAgent,
		"deviceId":   sess.DeviceID,
		"refreshJti": sess.RefreshJTI,
		"expires":    sess.ExpiresAt.Unix(),
		"loginTime":  sess.LoginTime.Unix(),
		"lastActive": sess.LastActive.Unix(),
	}

	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}

	pipe := s.Redis.TxPipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	key := "session:" + id
	vals, err := s.Redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	expUnix, _ := strconv.ParseInt(vals["expires"], 10, 64)
	loginUnix, _ := strconv.ParseInt(vals["loginTime"], 10, 64)
	activeUnix, _ := strconv.ParseInt(vals["lastActive"], 10, 64)

	sess := &Session{
		ID:         id,
		UserID:     vals["userId"],
		Role:       vals["role"],
		IP:         vals["ipAddress"],
		UserAgent:  vals["userAgent"],
		DeviceID:   vals["deviceId"],
		RefreshJTI: vals["refreshJti"],
		ExpiresAt:  time.Unix(expUnix, 0),
		LoginTime:  time.Unix(loginUnix, 0),
		LastActive: time.Unix(activeUnix, 0),
	}

	if sess.ExpiresAt.Before(time.Now()) {
		_ = s.Delete(ctx, id)
		return nil, nil
	}

	return sess, nil
}

func (s *SessionStore) Touch(ctx context.Context, id string) {
	s.Redis.HSet(ctx, "session:"+id, "lastActive", time.Now().Unix())
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	return s.Redis.Del(ctx, "session:"+id).Err()
}

func (s *SessionStore) DeleteByUser(ctx context.Context, userID string) error {
	sessions, err := s.ListForUser(ctx, userID)
	if err != nil {
		return err
	}
	pipe := s.Redis.TxPipeline()
	for _, sess := range sessions {
		pipe.Del(ctx, "session:"+sess.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListForUser returns the user's live sessions, most recently active first.
func (s *SessionStore) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	iter := s.Redis.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), "session:")
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil && sess.UserID == userID {
			sessions = append(sessions, *sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	return sessions, nil
}

func NewSessionID() string {
	return NewID()
}
