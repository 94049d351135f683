package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RecoveryRepository struct {
	DB *pgxpool.Pool
}

func NewRecoveryRepository(db *pgxpool.Pool) *RecoveryRepository {
	return &RecoveryRepository{DB: db}
}

const requestColumns = `id, user_id, token, expires_at, is_revoked, used_at, created_at`

func (r *RecoveryRepository) CreateRequest(ctx context.Context, userID, token string, expiresAt time.Time) (*ForgotPasswordRequest, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO forgot_password_requests (id, user_id, token, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+requestColumns,
		NewID(), userID, token, expiresAt)
	return scanRequest(row)
}

func (r *RecoveryRepository) RevokeActiveRequests(ctx context.Context, userID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE forgot_password_requests
		SET is_revoked=TRUE
		WHERE user_id=$1 AND NOT is_revoked AND expires_at > NOW()
	`, userID)
	return err
}

// ActiveRequestForUser returns the newest non-revoked, non-expired request.
// Every recovery read that needs "the" active request goes through here.
func (r *RecoveryRepository) ActiveRequestForUser(ctx context.Context, userID string) (*ForgotPasswordRequest, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM forgot_password_requests
		WHERE user_id=$1 AND NOT is_revoked AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

func (r *RecoveryRepository) RequestByToken(ctx context.Context, token string) (*ForgotPasswordRequest, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM forgot_password_requests
		WHERE token=$1
	`, token)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

const attemptColumns = `id, request_id, method, kind, secret_hash, expires_at, verified, is_used, used_at, created_at`

func (r *RecoveryRepository) CreateAttempt(ctx context.Context, att VerificationAttempt) (*VerificationAttempt, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO verification_attempts (id, request_id, method, kind, secret_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+attemptColumns,
		NewID(), att.RequestID, att.Method, att.Kind, att.SecretHash, att.ExpiresAt)
	return scanAttempt(row)
}

func (r *RecoveryRepository) MatchAttempt(ctx context.Context, requestID, method, secretHash string) (*VerificationAttempt, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM verification_attempts
		WHERE request_id=$1 AND method=$2 AND secret_hash=$3
		  AND NOT verified AND NOT is_used AND expires_at > NOW()
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID, method, secretHash)
	att, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return att, err
}

// ConsumeAttempt applies the verified transition and the sibling
// invalidation in one transaction. The guarded UPDATE makes the transition
// single-shot: a second caller racing on the same attempt sees zero rows.
func (r *RecoveryRepository) ConsumeAttempt(ctx context.Context, requestID, attemptID string, extendTo time.Time) (bool, error) {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE verification_attempts
		SET verified=TRUE, is_used=TRUE, used_at=NOW()
		WHERE id=$1 AND request_id=$2 AND NOT is_used AND expires_at > NOW()
	`, attemptID, requestID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Close the replay window: every other outstanding attempt under this
	// request dies with the winning one.
	if _, err := tx.Exec(ctx, `
		UPDATE verification_attempts
		SET is_used=TRUE, used_at=NOW()
		WHERE request_id=$1 AND id <> $2 AND NOT is_used
	`, requestID, attemptID); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE forgot_password_requests
		SET expires_at=$2
		WHERE id=$1 AND expires_at < $2
	`, requestID, extendTo); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

func (r *RecoveryRepository) InvalidateAttempt(ctx context.Context, attemptID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE verification_attempts
		SET is_used=TRUE, verified=FALSE, used_at=NOW()
		WHERE id=$1
	`, attemptID)
	return err
}

func (r *RecoveryRepository) HasVerifiedAttempt(ctx context.Context, requestID string) (bool, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT 1 FROM verification_attempts
		WHERE request_id=$1 AND verified AND is_used
		LIMIT 1
	`, requestID)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *RecoveryRepository) FinishReset(ctx context.Context, userID, requestID, newHash string, historyExpiry time.Time) error {
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET password_hash=$2,
		    token_invalid_before=NOW(),
		    failed_login_count=0,
		    is_account_locked=FALSE,
		    updated_at=NOW()
		WHERE id=$1
	`, userID, newHash); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE forgot_password_requests
		SET is_revoked=TRUE, used_at=NOW()
		WHERE id=$1
	`, requestID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO password_history (id, user_id, hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, NewID(), userID, newHash, historyExpiry); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *RecoveryRepository) RecentPasswordHashes(ctx context.Context, userID string, now time.Time) ([]string, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT hash FROM password_history
		WHERE user_id=$1 AND expires_at > $2
		ORDER BY created_at DESC
	`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func (r *RecoveryRepository) SecurityQuestions(ctx context.Context, userID string) ([]SecurityQuestion, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, question, answer_hash, created_at
		FROM security_questions
		WHERE user_id=$1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []SecurityQuestion
	for rows.Next() {
		var q SecurityQuestion
		if err := rows.Scan(&q.ID, &q.UserID, &q.Question, &q.AnswerHash, &q.CreatedAt); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func scanRequest(row pgx.Row) (*ForgotPasswordRequest, error) {
	var (
		req    ForgotPasswordRequest
		usedAt sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.UserID, &req.Token, &req.ExpiresAt, &req.IsRevoked, &usedAt, &req.CreatedAt); err != nil {
		return nil, err
	}
	req.UsedAt = nullTimePtr(usedAt)
	return &req, nil
}

func scanAttempt(row pgx.Row) (*VerificationAttempt, error) {
	var (
		att    VerificationAttempt
		usedAt sql.NullTime
	)
	if err := row.Scan(&att.ID, &att.RequestID, &att.Method, &att.Kind, &att.SecretHash, &att.ExpiresAt, &att.Verified, &att.IsUsed, &usedAt, &att.CreatedAt); err != nil {
		return nil, err
	}
	att.UsedAt = nullTimePtr(usedAt)
	return &att, nil
}
