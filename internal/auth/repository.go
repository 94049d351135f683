package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MaxFailedLogins is the consecutive-failure count at which an account is
// locked until the next successful password reset.
const MaxFailedLogins = 5

type UserRepository struct {
	DB *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{DB: db}
}

const userColumns = `id, email, username, phone, password_hash, role, is_verified, two_factor_enabled, is_account_locked, failed_login_count, token_invalid_before, created_at, updated_at`

func (r *UserRepository) Create(ctx context.Context, email, username string, phone *string, passwordHash, role string) (*User, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO users (id, email, username, phone, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		NewID(), strings.ToLower(email), username, phone, passwordHash, role)
	return scanUser(row)
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*User, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// FindByIdentifier resolves a user by email or username. The caller decides
// what to disclose about a miss; the query itself treats both shapes alike.
func (r *UserRepository) FindByIdentifier(ctx context.Context, identify string) (*User, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email=$1 OR username=$2
	`, strings.ToLower(identify), identify)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (r *UserRepository) RegisterLoginFailure(ctx context.Context, userID string) (bool, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE users
		SET failed_login_count = failed_login_count + 1,
		    is_account_locked = (failed_login_count + 1 >= $2),
		    updated_at = NOW()
		WHERE id=$1
		RETURNING is_account_locked
	`, userID, MaxFailedLogins)

	var locked bool
	if err := row.Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return locked, nil
}

func (r *UserRepository) ClearLoginFailures(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE users
		SET failed_login_count = 0, updated_at = NOW()
		WHERE id=$1
	`, userID)
	return err
}

func (r *UserRepository) SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE users
		SET two_factor_enabled=$2, updated_at=NOW()
		WHERE id=$1
	`, userID, enabled)
	return err
}

func (r *UserRepository) Permissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT permission FROM user_permissions WHERE user_id=$1 ORDER BY permission
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u                  User
		phone              sql.NullString
		tokenInvalidBefore sql.NullTime
	)

	if err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Username,
		&phone,
		&u.PasswordHash,
		&u.Role,
		&u.IsVerified,
		&u.TwoFactorEnabled,
		&u.IsAccountLocked,
		&u.FailedLoginCount,
		&tokenInvalidBefore,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	u.Phone = nullStringPtr(phone)
	u.TokenInvalidBefore = nullTimePtr(tokenInvalidBefore)
	return &u, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}
