package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MFARepository struct {
	DB *pgxpool.Pool
}

func NewMFARepository(db *pgxpool.Pool) *MFARepository {
	return &MFARepository{DB: db}
}

const credentialColumns = `id, user_id, method, secret, phone, is_verified, created_at`

// UpsertCredential replaces the credential for (user, method); a fresh setup
// always supersedes an earlier unverified or verified one.
func (r *MFARepository) UpsertCredential(ctx context.Context, cred TwoFactorCredential) (*TwoFactorCredential, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO two_factor_credentials (id, user_id, method, secret, phone, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, method) DO UPDATE
		SET secret=EXCLUDED.secret, phone=EXCLUDED.phone, is_verified=EXCLUDED.is_verified, created_at=NOW()
		RETURNING `+credentialColumns,
		NewID(), cred.UserID, cred.Method, cred.Secret, cred.Phone, cred.IsVerified)
	return scanCredential(row)
}

func (r *MFARepository) CredentialByMethod(ctx context.Context, userID, method string) (*TwoFactorCredential, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+credentialColumns+`
		FROM two_factor_credentials
		WHERE user_id=$1 AND method=$2
	`, userID, method)
	cred, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cred, err
}

func (r *MFARepository) MarkCredentialVerified(ctx context.Context, credentialID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE two_factor_credentials SET is_verified=TRUE WHERE id=$1
	`, credentialID)
	return err
}

func (r *MFARepository) DeleteCredential(ctx context.Context, userID, method string) error {
	_, err := r.DB.Exec(ctx, `
		DELETE FROM two_factor_credentials WHERE user_id=$1 AND method=$2
	`, userID, method)
	return err
}

const deviceColumns = `id, user_id, device_id, label, expires_at, created_at`

func (r *MFARepository) TrustedDevice(ctx context.Context, userID, deviceID string) (*TrustedDevice, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM trusted_devices
		WHERE user_id=$1 AND device_id=$2
	`, userID, deviceID)
	dev, err := scanDevice(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return dev, err
}

func (r *MFARepository) ListTrustedDevices(ctx context.Context, userID string) ([]TrustedDevice, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM trusted_devices
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []TrustedDevice
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

func (r *MFARepository) CreateTrustedDevice(ctx context.Context, userID, deviceID string, label *string, expiresAt time.Time) (*TrustedDevice, error) {
	row := r.DB.QueryRow(ctx, `
		INSERT INTO trusted_devices (id, user_id, device_id, label, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET expires_at=EXCLUDED.expires_at, label=COALESCE(EXCLUDED.label, trusted_devices.label)
		RETURNING `+deviceColumns,
		NewID(), userID, deviceID, label, expiresAt)
	return scanDevice(row)
}

func (r *MFARepository) DeleteTrustedDevice(ctx context.Context, userID, id string) error {
	_, err := r.DB.Exec(ctx, `
		DELETE FROM trusted_devices WHERE id=$1 AND user_id=$2
	`, id, userID)
	return err
}

func scanCredential(row pgx.Row) (*TwoFactorCredential, error) {
	var (
		c      TwoFactorCredential
		secret sql.NullString
		phone  sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Method, &secret, &phone, &c.IsVerified, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Secret = nullStringPtr(secret)
	c.Phone = nullStringPtr(phone)
	return &c, nil
}

func scanDevice(row pgx.Row) (*TrustedDevice, error) {
	var (
		d     TrustedDevice
		label sql.NullString
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &label, &d.ExpiresAt, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Label = nullStringPtr(label)
	return &d, nil
}
