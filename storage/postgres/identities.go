package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okada-platform/authcore/credential"
)

const identityColumns = `id, email, phone, phone_operator, password_hash, role, status,
	first_name, last_name, locale, login_attempts, locked_until, email_verified_at,
	phone_verified_at, password_changed_at, two_factor_enabled, last_login_at,
	created_at, updated_at`

type identityRow struct {
	ID                string     `db:"id"`
	Email             string     `db:"email"`
	Phone             string     `db:"phone"`
	PhoneOperator     string     `db:"phone_operator"`
	PasswordHash      string     `db:"password_hash"`
	Role              string     `db:"role"`
	Status            string     `db:"status"`
	FirstName         string     `db:"first_name"`
	LastName          string     `db:"last_name"`
	Locale            string     `db:"locale"`
	LoginAttempts     int        `db:"login_attempts"`
	LockedUntil       *time.Time `db:"locked_until"`
	EmailVerifiedAt   *time.Time `db:"email_verified_at"`
	PhoneVerifiedAt   *time.Time `db:"phone_verified_at"`
	PasswordChangedAt time.Time  `db:"password_changed_at"`
	TwoFactorEnabled  bool       `db:"two_factor_enabled"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func toIdentityRow(i *credential.Identity) identityRow {
	return identityRow{
		ID:                i.ID,
		Email:             i.Email,
		Phone:             i.Phone.Formatted,
		PhoneOperator:     string(i.Phone.Operator),
		PasswordHash:      i.PasswordHash,
		Role:              string(i.Role),
		Status:            string(i.Status),
		FirstName:         i.Profile.FirstName,
		LastName:          i.Profile.LastName,
		Locale:            string(i.Profile.Locale),
		LoginAttempts:     i.LoginAttempts,
		LockedUntil:       utcPtr(i.LockedUntil),
		EmailVerifiedAt:   utcPtr(i.EmailVerifiedAt),
		PhoneVerifiedAt:   utcPtr(i.PhoneVerifiedAt),
		PasswordChangedAt: i.PasswordChangedAt.UTC(),
		TwoFactorEnabled:  i.TwoFactorEnabled,
		LastLoginAt:       utcPtr(i.LastLoginAt),
		CreatedAt:         i.CreatedAt.UTC(),
		UpdatedAt:         i.UpdatedAt.UTC(),
	}
}

func (r identityRow) identity() (*credential.Identity, error) {
	role, err := credential.ParseRole(r.Role)
	if err != nil {
		return nil, err
	}
	status, err := credential.ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	phone, err := credential.ParsePhone(r.Phone)
	if err != nil {
		phone = credential.Phone{Formatted: r.Phone, Operator: credential.Operator(r.PhoneOperator)}
	}
	return &credential.Identity{
		ID:           r.ID,
		Email:        r.Email,
		Phone:        phone,
		PasswordHash: r.PasswordHash,
		Role:         role,
		Status:       status,
		Profile: credential.Profile{
			FirstName: r.FirstName,
			LastName:  r.LastName,
			Locale:    credential.ParseLocale(r.Locale, credential.LocaleFrench),
		},
		LoginAttempts:     r.LoginAttempts,
		LockedUntil:       r.LockedUntil,
		EmailVerifiedAt:   r.EmailVerifiedAt,
		PhoneVerifiedAt:   r.PhoneVerifiedAt,
		PasswordChangedAt: r.PasswordChangedAt,
		TwoFactorEnabled:  r.TwoFactorEnabled,
		LastLoginAt:       r.LastLoginAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

// Identities implements credential.Repository.
type Identities struct {
	db *sqlx.DB
}

var _ credential.Repository = (*Identities)(nil)

func NewIdentities(db *sqlx.DB) *Identities {
	return &Identities{db: db}
}

func (r *Identities) Insert(ctx context.Context, identity *credential.Identity) error {
	const op = "postgres.Identities.Insert"

	query := `INSERT INTO identities (` + identityColumns + `) VALUES (
		:id, :email, :phone, :phone_operator, :password_hash, :role, :status,
		:first_name, :last_name, :locale, :login_attempts, :locked_until, :email_verified_at,
		:phone_verified_at, :password_changed_at, :two_factor_enabled, :last_login_at,
		:created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, toIdentityRow(identity)); err != nil {
		if isUniqueViolation(err) {
			return credential.ErrDuplicateIdentity
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *Identities) FindByID(ctx context.Context, id string) (*credential.Identity, error) {
	return r.findOne(ctx, "postgres.Identities.FindByID", "id", id)
}

func (r *Identities) FindByEmail(ctx context.Context, email string) (*credential.Identity, error) {
	return r.findOne(ctx, "postgres.Identities.FindByEmail", "email", email)
}

func (r *Identities) FindByPhone(ctx context.Context, e164 string) (*credential.Identity, error) {
	return r.findOne(ctx, "postgres.Identities.FindByPhone", "phone", e164)
}

// column is always one of the literals above.
func (r *Identities) findOne(ctx context.Context, op, column, value string) (*credential.Identity, error) {
	var row identityRow
	query := `SELECT ` + identityColumns + ` FROM identities WHERE ` + column + ` = $1`
	if err := r.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	identity, err := row.identity()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return identity, nil
}

func (r *Identities) IncrementLoginAttempts(ctx context.Context, id string) (int, error) {
	const op = "postgres.Identities.IncrementLoginAttempts"

	var n int
	err := r.db.QueryRowxContext(ctx,
		`UPDATE identities SET login_attempts = login_attempts + 1 WHERE id = $1 RETURNING login_attempts`,
		id,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (r *Identities) Lock(ctx context.Context, id string, until time.Time) (bool, error) {
	const op = "postgres.Identities.Lock"

	res, err := r.db.ExecContext(ctx, `
		UPDATE identities
		   SET status = 'locked', locked_until = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('active', 'pending_verification')`,
		id, until.UTC(),
	)
	return affectedOne(op, res, err)
}

func (r *Identities) Unlock(ctx context.Context, id string) (bool, error) {
	const op = "postgres.Identities.Unlock"

	res, err := r.db.ExecContext(ctx, `
		UPDATE identities
		   SET status = 'active', locked_until = NULL, login_attempts = 0, updated_at = now()
		 WHERE id = $1 AND status = 'locked'`,
		id,
	)
	return affectedOne(op, res, err)
}

func (r *Identities) UnlockExpired(ctx context.Context, now time.Time) (int, error) {
	const op = "postgres.Identities.UnlockExpired"

	res, err := r.db.ExecContext(ctx, `
		UPDATE identities
		   SET status = 'active', locked_until = NULL, login_attempts = 0, updated_at = $1
		 WHERE status = 'locked' AND locked_until <= $1`,
		now.UTC(),
	)
	return affected(op, res, err)
}

func (r *Identities) ResetLoginAttempts(ctx context.Context, id string) error {
	const op = "postgres.Identities.ResetLoginAttempts"

	if _, err := r.db.ExecContext(ctx, `UPDATE identities SET login_attempts = 0 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *Identities) RecordLogin(ctx context.Context, id string, at time.Time) error {
	const op = "postgres.Identities.RecordLogin"

	_, err := r.db.ExecContext(ctx,
		`UPDATE identities SET login_attempts = 0, last_login_at = $2 WHERE id = $1`,
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *Identities) UpdatePassword(ctx context.Context, id, hash string, at time.Time) error {
	const op = "postgres.Identities.UpdatePassword"

	_, err := r.db.ExecContext(ctx,
		`UPDATE identities SET password_hash = $2, password_changed_at = $3, updated_at = $3 WHERE id = $1`,
		id, hash, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// MarkVerified derives the status from the post-update stamps in the same
// statement.
func (r *Identities) MarkVerified(ctx context.Context, id string, channel credential.Channel, at time.Time) (*credential.Identity, error) {
	const op = "postgres.Identities.MarkVerified"

	query := `
		UPDATE identities SET
		  email_verified_at = CASE WHEN $2::text = 'email' THEN COALESCE(email_verified_at, $3::timestamptz) ELSE email_verified_at END,
		  phone_verified_at = CASE WHEN $2::text = 'phone' THEN COALESCE(phone_verified_at, $3::timestamptz) ELSE phone_verified_at END,
		  status = CASE
		    WHEN status = 'pending_verification'
		     AND COALESCE(email_verified_at, CASE WHEN $2::text = 'email' THEN $3::timestamptz END) IS NOT NULL
		     AND COALESCE(phone_verified_at, CASE WHEN $2::text = 'phone' THEN $3::timestamptz END) IS NOT NULL
		    THEN 'active' ELSE status END,
		  updated_at = $3::timestamptz
		WHERE id = $1
		RETURNING ` + identityColumns

	var row identityRow
	if err := r.db.QueryRowxContext(ctx, query, id, string(channel), at.UTC()).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	identity, err := row.identity()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return identity, nil
}

// Suspend sets status=suspended. Suspension is administered outside the
// engine; this exists for operators and tests.
func (r *Identities) Suspend(ctx context.Context, id string) error {
	const op = "postgres.Identities.Suspend"

	if _, err := r.db.ExecContext(ctx, `UPDATE identities SET status = 'suspended', updated_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func affectedOne(op string, res sql.Result, err error) (bool, error) {
	n, err := affected(op, res, err)
	return n == 1, err
}

func affected(op string, res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
