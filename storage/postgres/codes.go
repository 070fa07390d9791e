package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okada-platform/authcore/verification"
)

const codeColumns = `id, type, identifier, code_hash, expires_at, verified, confirmed,
	verified_at, attempts, max_attempts, created_at`

type codeRow struct {
	ID          string     `db:"id"`
	Type        string     `db:"type"`
	Identifier  string     `db:"identifier"`
	CodeHash    string     `db:"code_hash"`
	ExpiresAt   time.Time  `db:"expires_at"`
	Verified    bool       `db:"verified"`
	Confirmed   bool       `db:"confirmed"`
	VerifiedAt  *time.Time `db:"verified_at"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r codeRow) code() *verification.Code {
	return &verification.Code{
		ID:          r.ID,
		Type:        verification.Type(r.Type),
		Identifier:  r.Identifier,
		CodeHash:    r.CodeHash,
		ExpiresAt:   r.ExpiresAt,
		Verified:    r.Verified,
		Confirmed:   r.Confirmed,
		VerifiedAt:  r.VerifiedAt,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   r.CreatedAt,
	}
}

// Codes implements verification.Repository.
type Codes struct {
	db *sqlx.DB
}

var _ verification.Repository = (*Codes)(nil)

func NewCodes(db *sqlx.DB) *Codes {
	return &Codes{db: db}
}

// Replace closes the open code for the key and inserts code in one
// transaction. An advisory lock on the key serializes concurrent issues so the
// partial unique index never trips.
func (r *Codes) Replace(ctx context.Context, code *verification.Code) error {
	const op = "postgres.Codes.Replace"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback()

	key := string(code.Type) + ":" + code.Identifier
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("%s: advisory lock: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE verification_codes SET verified = TRUE WHERE type = $1 AND identifier = $2 AND NOT verified`,
		string(code.Type), code.Identifier,
	); err != nil {
		return fmt.Errorf("%s: supersede: %w", op, err)
	}

	row := codeRow{
		ID:          code.ID,
		Type:        string(code.Type),
		Identifier:  code.Identifier,
		CodeHash:    code.CodeHash,
		ExpiresAt:   code.ExpiresAt.UTC(),
		Verified:    code.Verified,
		Confirmed:   code.Confirmed,
		VerifiedAt:  utcPtr(code.VerifiedAt),
		Attempts:    code.Attempts,
		MaxAttempts: code.MaxAttempts,
		CreatedAt:   code.CreatedAt.UTC(),
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO verification_codes (`+codeColumns+`) VALUES (
		:id, :type, :identifier, :code_hash, :expires_at, :verified, :confirmed,
		:verified_at, :attempts, :max_attempts, :created_at)`, row); err != nil {
		return fmt.Errorf("%s: insert: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (r *Codes) Latest(ctx context.Context, typ verification.Type, identifier string) (*verification.Code, error) {
	const op = "postgres.Codes.Latest"

	var row codeRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+codeColumns+` FROM verification_codes
		 WHERE type = $1 AND identifier = $2 AND NOT verified
		 ORDER BY created_at DESC
		 LIMIT 1`,
		string(typ), identifier,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return row.code(), nil
}

func (r *Codes) IncrementAttempts(ctx context.Context, id string) (int, bool, error) {
	const op = "postgres.Codes.IncrementAttempts"

	var attempts int
	err := r.db.QueryRowxContext(ctx, `
		UPDATE verification_codes SET attempts = attempts + 1
		 WHERE id = $1 AND NOT verified AND attempts < max_attempts
		 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return attempts, true, nil
}

func (r *Codes) Confirm(ctx context.Context, id string, at time.Time) (bool, error) {
	const op = "postgres.Codes.Confirm"

	res, err := r.db.ExecContext(ctx, `
		UPDATE verification_codes SET verified = TRUE, confirmed = TRUE, verified_at = $2
		 WHERE id = $1 AND NOT verified`,
		id, at.UTC(),
	)
	return affectedOne(op, res, err)
}

func (r *Codes) HasConfirmed(ctx context.Context, typ verification.Type, identifier string) (bool, error) {
	const op = "postgres.Codes.HasConfirmed"

	var ok bool
	err := r.db.GetContext(ctx, &ok,
		`SELECT EXISTS (SELECT 1 FROM verification_codes WHERE type = $1 AND identifier = $2 AND confirmed)`,
		string(typ), identifier,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

func (r *Codes) HasClosed(ctx context.Context, typ verification.Type, identifier, hash string) (bool, error) {
	const op = "postgres.Codes.HasClosed"

	var ok bool
	err := r.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
		  SELECT 1 FROM verification_codes
		   WHERE type = $1 AND identifier = $2 AND verified AND code_hash = $3)`,
		string(typ), identifier, hash,
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return ok, nil
}

func (r *Codes) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const op = "postgres.Codes.DeleteExpiredBefore"

	res, err := r.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, cutoff.UTC())
	return affected(op, res, err)
}
