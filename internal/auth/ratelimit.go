package auth

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter tracks attempt counts per identifier and per IP in fixed
// Redis windows. It fronts the unauthenticated entry points (find-user,
// verify-code, login) where brute force is cheapest.
type RateLimiter struct {
	Redis       *redis.Client
	MaxAttempts int
	Window      time.Duration
}

const (
	loginBanTTL   = time.Hour
	SendCooldown  = 60 * time.Second
	defaultMax    = 5
	defaultWindow = 10 * time.Minute

	twoFAMaxAttempts = 5
	twoFAAttemptTTL  = 10 * time.Minute
)

func NewRateLimiter(redisClient *redis.Client, maxAttempts int, window time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultMax
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RateLimiter{Redis: redisClient, MaxAttempts: maxAttempts, Window: window}
}

func identifierKey(scope, identifier string) string {
	return scope + ":" + strings.ToLower(identifier)
}

// Allow counts one attempt under scope for each non-empty key and reports
// whether the caller is over the limit, with the longest remaining window.
func (r *RateLimiter) Allow(ctx context.Context, scope string, keys ...string) (bool, time.Duration, error) {
	over := false
	var ttlMax time.Duration

	for _, k := range keys {
		if k == "" {
			continue
		}
		key := identifierKey(scope, k)
		attempts, err := r.Redis.Incr(ctx, key).Result()
		if err != nil {
			return false, 0, err
		}
		if attempts == 1 {
			r.Redis.Expire(ctx, key, r.Window)
		}
		if attempts > int64(r.MaxAttempts) {
			over = true
		}
		if ttl, _ := r.Redis.TTL(ctx, key).Result(); ttl > ttlMax {
			ttlMax = ttl
		}
	}

	return !over, ttlMax, nil
}

func (r *RateLimiter) Reset(ctx context.Context, scope string, keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		r.Redis.Del(ctx, identifierKey(scope, k))
	}
}

func (r *RateLimiter) IsIPBanned(ctx context.Context, ip string) bool {
	exists, _ := r.Redis.Exists(ctx, "login_ban:"+ip).Result()
	return exists == 1
}

func (r *RateLimiter) RegisterLoginFailure(ctx context.Context, ip string) error {
	key := "login_attempts:" + ip
	attempts, err := r.Redis.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if attempts == 1 {
		r.Redis.Expire(ctx, key, r.Window)
	}
	if attempts >= int64(r.MaxAttempts) {
		r.Redis.Set(ctx, "login_ban:"+ip, "1", loginBanTTL)
		r.Redis.Expire(ctx, key, loginBanTTL)
	}
	return nil
}

func (r *RateLimiter) ResetLogin(ctx context.Context, ip string) {
	r.Redis.Del(ctx, "login_attempts:"+ip)
}

// Register2FAFailure counts a wrong second-factor answer against the user
// and reports whether the allowance for the window is exhausted. TOTP codes
// stay valid for a whole step, so without this cap a parked challenge could
// be ground through the code space.
func (r *RateLimiter) Register2FAFailure(ctx context.Context, userID string) (bool, error) {
	key := "2fa_attempts:" + userID
	attempts, err := r.Redis.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if attempts == 1 {
		r.Redis.Expire(ctx, key, twoFAAttemptTTL)
	}
	return attempts >= twoFAMaxAttempts, nil
}

func (r *RateLimiter) Reset2FA(ctx context.Context, userID string) {
	r.Redis.Del(ctx, "2fa_attempts:"+userID)
}

func (r *RateLimiter) CooldownTTL(ctx context.Context, key string) time.Duration {
	ttl, err := r.Redis.TTL(ctx, key).Result()
	if err != nil {
		return 0
	}
	return ttl
}

func (r *RateLimiter) SetCooldown(ctx context.Context, key string, ttl time.Duration) {
	r.Redis.Set(ctx, key, "1", ttl)
}
