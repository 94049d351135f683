package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	revokedKeyPrefix = "revoked:"
	idCacheKeyPrefix = "idcache:"
)

type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type tokenClaims struct {
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies signed, self-contained bearer tokens.
// The revocation list and identity cache live in Redis with per-entry TTLs;
// both are advisory, and the user store stays the source of truth.
type TokenService struct {
	Users            UserStore
	Redis            *redis.Client
	Secret           []byte
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	CacheTTL         time.Duration
	RevocationWindow time.Duration
}

type TokenConfig struct {
	Secret           string
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	CacheTTL         time.Duration
	RevocationWindow time.Duration
}

func NewTokenService(cfg TokenConfig, users UserStore, redisClient *redis.Client) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("token secret is required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.RevocationWindow <= 0 {
		cfg.RevocationWindow = time.Hour
	}
	return &TokenService{
		Users:            users,
		Redis:            redisClient,
		Secret:           []byte(cfg.Secret),
		Issuer:           cfg.Issuer,
		AccessTTL:        cfg.AccessTTL,
		RefreshTTL:       cfg.RefreshTTL,
		CacheTTL:         cfg.CacheTTL,
		RevocationWindow: cfg.RevocationWindow,
	}, nil
}

func (t *TokenService) Issue(ctx context.Context, userID, sessionID string) (TokenPair, error) {
	now := time.Now()
	accessExpiry := now.Add(t.AccessTTL)

	access, err := t.sign(userID, sessionID, tokenTypeAccess, now, accessExpiry)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(userID, sessionID, tokenTypeRefresh, now, now.Add(t.RefreshTTL))
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExpiry}, nil
}

func (t *TokenService) sign(userID, sessionID, typ string, issuedAt, expiresAt time.Time) (string, error) {
	claims := tokenClaims{
		SessionID: sessionID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.Issuer,
			ID:        NewID(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

// Verify validates an access token and resolves the caller. Revocation wins
// over validity; a locked account fails even with a live token.
func (t *TokenService) Verify(ctx context.Context, raw string) (*UserContext, error) {
	return t.verify(ctx, raw, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token for rotation.
func (t *TokenService) VerifyRefresh(ctx context.Context, raw string) (*UserContext, error) {
	return t.verify(ctx, raw, tokenTypeRefresh)
}

func (t *TokenService) verify(ctx context.Context, raw, wantType string) (*UserContext, error) {
	claims, err := t.parse(raw)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != wantType {
		return nil, ErrTokenInvalid
	}

	if t.isRevoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}

	user, err := t.resolveUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrTokenInvalid
	}
	if user.IsAccountLocked {
		return nil, ErrAccountLocked
	}
	if user.TokenInvalidBefore != nil && claims.IssuedAt != nil &&
		claims.IssuedAt.Time.Before(*user.TokenInvalidBefore) {
		return nil, ErrTokenRevoked
	}

	return &UserContext{
		UserID:           user.ID,
		Email:            user.Email,
		Role:             user.Role,
		TwoFactorEnabled: user.TwoFactorEnabled,
		SessionID:        claims.SessionID,
		TokenID:          claims.ID,
	}, nil
}

func (t *TokenService) parse(raw string) (*tokenClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return t.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

// Revoke records the token identifier on the revocation list. The retention
// window is enforced by Redis key expiry, not an in-process sweeper.
func (t *TokenService) Revoke(ctx context.Context, raw string) error {
	claims, err := t.parse(raw)
	if err != nil {
		return err
	}
	return t.RevokeID(ctx, claims.ID)
}

func (t *TokenService) RevokeID(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	return t.Redis.Set(ctx, revokedKeyPrefix+tokenID, time.Now().Unix(), t.RevocationWindow).Err()
}

// ExtractID returns the jti of a token this service signed, or "" if the
// token does not parse. Used to bind a refresh token to its session entry.
func (t *TokenService) ExtractID(raw string) string {
	claims, err := t.parse(raw)
	if err != nil {
		return ""
	}
	return claims.ID
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued for the same session.
func (t *TokenService) Refresh(ctx context.Context, rawRefresh string) (TokenPair, *UserContext, error) {
	uc, err := t.VerifyRefresh(ctx, rawRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := t.RevokeID(ctx, uc.TokenID); err != nil {
		log.Printf("token refresh: revoke failed for jti %s: %v", uc.TokenID, err)
	}
	pair, err := t.Issue(ctx, uc.UserID, uc.SessionID)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, uc, nil
}

func (t *TokenService) isRevoked(ctx context.Context, tokenID string) bool {
	exists, err := t.Redis.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		// A list miss falls through to the durable checks; it never lets a
		// revoked-by-watermark token pass.
		log.Printf("token verify: revocation check failed for jti %s: %v", tokenID, err)
		return false
	}
	return exists == 1
}

type cachedUser struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Role               string     `json:"role"`
	TwoFactorEnabled   bool       `json:"twoFactorEnabled"`
	IsAccountLocked    bool       `json:"isAccountLocked"`
	TokenInvalidBefore *time.Time `json:"tokenInvalidBefore,omitempty"`
}

// resolveUser reads through the short-TTL identity cache. Cache writes are
// best-effort and never block the authorization decision.
func (t *TokenService) resolveUser(ctx context.Context, userID string) (*User, error) {
	key := idCacheKeyPrefix + userID
	if data, err := t.Redis.Get(ctx, key).Bytes(); err == nil {
		var cu cachedUser
		if err := json.Unmarshal(data, &cu); err == nil {
			return &User{
				ID:                 cu.ID,
				Email:              cu.Email,
				Role:               cu.Role,
				TwoFactorEnabled:   cu.TwoFactorEnabled,
				IsAccountLocked:    cu.IsAccountLocked,
				TokenInvalidBefore: cu.TokenInvalidBefore,
			}, nil
		}
	}

	user, err := t.Users.FindByID(ctx, userID)
	if err != nil || user == nil {
		return user, err
	}

	if data, err := json.Marshal(cachedUser{
		ID:                 user.ID,
		Email:              user.Email,
		Role:               user.Role,
		TwoFactorEnabled:   user.TwoFactorEnabled,
		IsAccountLocked:    user.IsAccountLocked,
		TokenInvalidBefore: user.TokenInvalidBefore,
	}); err == nil {
		if err := t.Redis.Set(ctx, key, data, t.CacheTTL).Err(); err != nil {
			log.Printf("identity cache write failed for user %s: %v", userID, err)
		}
	}

	return user, nil
}

// PurgeIdentity drops the cached identity so the next verify sees fresh
// durable state, e.g. right after a password reset or lockout.
func (t *TokenService) PurgeIdentity(ctx context.Context, userID string) {
	if err := t.Redis.Del(ctx, idCacheKeyPrefix+userID).Err(); err != nil {
		log.Printf("identity cache purge failed for user %s: %v", userID, err)
	}
}
