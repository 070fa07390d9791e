package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/okada-platform/authcore/session"
)

const sessionColumns = `jti, id, user_id, family_id, ip, user_agent, active, access_jti,
	access_expires_at, expires_at, created_at, last_used_at, revoked_at, revoke_reason`

type sessionRow struct {
	JTI             string     `db:"jti"`
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	FamilyID        string     `db:"family_id"`
	IP              string     `db:"ip"`
	UserAgent       string     `db:"user_agent"`
	Active          bool       `db:"active"`
	AccessJTI       string     `db:"access_jti"`
	AccessExpiresAt time.Time  `db:"access_expires_at"`
	ExpiresAt       time.Time  `db:"expires_at"`
	CreatedAt       time.Time  `db:"created_at"`
	LastUsedAt      time.Time  `db:"last_used_at"`
	RevokedAt       *time.Time `db:"revoked_at"`
	RevokeReason    string     `db:"revoke_reason"`
}

func toSessionRow(s *session.Session) sessionRow {
	return sessionRow{
		JTI:             s.JTI,
		ID:              s.ID,
		UserID:          s.UserID,
		FamilyID:        s.FamilyID,
		IP:              s.IP,
		UserAgent:       s.UserAgent,
		Active:          true,
		AccessJTI:       s.AccessJTI,
		AccessExpiresAt: s.AccessExpiresAt.UTC(),
		ExpiresAt:       s.ExpiresAt.UTC(),
		CreatedAt:       s.CreatedAt.UTC(),
		LastUsedAt:      s.CreatedAt.UTC(),
	}
}

func (r sessionRow) session() *session.Session {
	return &session.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		JTI:             r.JTI,
		FamilyID:        r.FamilyID,
		IP:              r.IP,
		UserAgent:       r.UserAgent,
		Active:          r.Active,
		AccessJTI:       r.AccessJTI,
		AccessExpiresAt: r.AccessExpiresAt,
		ExpiresAt:       r.ExpiresAt,
		CreatedAt:       r.CreatedAt,
		LastUsedAt:      r.LastUsedAt,
		RevokedAt:       r.RevokedAt,
		RevokeReason:    r.RevokeReason,
	}
}

type accessRow struct {
	JTI       string    `db:"access_jti"`
	ExpiresAt time.Time `db:"access_expires_at"`
}

func revocation(rows []accessRow) session.Revocation {
	r := session.Revocation{Count: len(rows)}
	for _, row := range rows {
		if row.JTI == "" {
			continue
		}
		r.Access = append(r.Access, session.AccessRef{JTI: row.JTI, ExpiresAt: row.ExpiresAt})
	}
	return r
}

const insertSession = `INSERT INTO sessions (` + sessionColumns + `) VALUES (
	:jti, :id, :user_id, :family_id, :ip, :user_agent, :active, :access_jti,
	:access_expires_at, :expires_at, :created_at, :last_used_at, :revoked_at, :revoke_reason)
	ON CONFLICT (jti) DO NOTHING`

// Sessions implements session.Store. Rotation locks the presented row with
// SELECT ... FOR UPDATE, so concurrent rotations of one JTI serialize and the
// loser observes an inactive row.
type Sessions struct {
	db *sqlx.DB
}

var _ session.Store = (*Sessions)(nil)

func NewSessions(db *sqlx.DB) *Sessions {
	return &Sessions{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", session.ErrUnavailable, op, err)
}

func (s *Sessions) Create(ctx context.Context, sess *session.Session) error {
	const op = "postgres.Sessions.Create"

	res, err := s.db.NamedExecContext(ctx, insertSession, toSessionRow(sess))
	if err != nil {
		return unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrDuplicateJTI
	}
	return nil
}

func (s *Sessions) Get(ctx context.Context, jti string) (*session.Session, error) {
	const op = "postgres.Sessions.Get"

	var row sessionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM sessions WHERE jti = $1`, jti); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(op, err)
	}
	return row.session(), nil
}

func (s *Sessions) Rotate(ctx context.Context, presented string, next *session.Session, now time.Time) (session.RotateResult, error) {
	const op = "postgres.Sessions.Rotate"
	now = now.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return session.RotateResult{}, unavailable(op, err)
	}
	defer tx.Rollback()

	var cur struct {
		Active    bool      `db:"active"`
		FamilyID  string    `db:"family_id"`
		UserID    string    `db:"user_id"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err = tx.GetContext(ctx, &cur,
		`SELECT active, family_id, user_id, expires_at FROM sessions WHERE jti = $1 FOR UPDATE`,
		presented,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.RotateResult{Status: session.RotateNotFound}, nil
	}
	if err != nil {
		return session.RotateResult{}, unavailable(op, err)
	}

	if cur.FamilyID != next.FamilyID || cur.UserID != next.UserID {
		return session.RotateResult{Status: session.RotateMismatch}, nil
	}

	if !cur.Active {
		var refs []accessRow
		if err := tx.SelectContext(ctx, &refs, `
			UPDATE sessions SET active = FALSE, revoked_at = $2, revoke_reason = $3
			 WHERE family_id = $1 AND active
			 RETURNING access_jti, access_expires_at`,
			cur.FamilyID, now, session.ReasonReuseDetected,
		); err != nil {
			return session.RotateResult{}, unavailable(op, err)
		}
		if err := tx.Commit(); err != nil {
			return session.RotateResult{}, unavailable(op, err)
		}
		return session.RotateResult{Status: session.RotateReused, Revoked: revocation(refs)}, nil
	}

	if !cur.ExpiresAt.After(now) {
		if err := deactivate(ctx, tx, presented, session.ReasonExpired, now); err != nil {
			return session.RotateResult{}, unavailable(op, err)
		}
		if err := tx.Commit(); err != nil {
			return session.RotateResult{}, unavailable(op, err)
		}
		return session.RotateResult{Status: session.RotateExpired}, nil
	}

	row := toSessionRow(next)
	row.CreatedAt, row.LastUsedAt = now, now
	res, err := tx.NamedExecContext(ctx, insertSession, row)
	if err != nil {
		return session.RotateResult{}, unavailable(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.RotateResult{Status: session.RotateMismatch}, nil
	}
	if err := deactivate(ctx, tx, presented, session.ReasonRotated, now); err != nil {
		return session.RotateResult{}, unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return session.RotateResult{}, unavailable(op, err)
	}
	return session.RotateResult{Status: session.RotateRotated}, nil
}

func deactivate(ctx context.Context, tx *sqlx.Tx, jti, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE, revoked_at = $2, revoke_reason = $3, last_used_at = $2
		 WHERE jti = $1`,
		jti, now, reason,
	)
	return err
}

func (s *Sessions) Revoke(ctx context.Context, jti, reason string, now time.Time) (*session.Session, error) {
	const op = "postgres.Sessions.Revoke"

	var row sessionRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE sessions SET active = FALSE, revoked_at = $2, revoke_reason = $3
		 WHERE jti = $1 AND active
		 RETURNING `+sessionColumns,
		jti, now.UTC(), reason,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return row.session(), nil
}

func (s *Sessions) RevokeFamily(ctx context.Context, familyID, reason string, now time.Time) (session.Revocation, error) {
	const op = "postgres.Sessions.RevokeFamily"

	var refs []accessRow
	if err := s.db.SelectContext(ctx, &refs, `
		UPDATE sessions SET active = FALSE, revoked_at = $2, revoke_reason = $3
		 WHERE family_id = $1 AND active
		 RETURNING access_jti, access_expires_at`,
		familyID, now.UTC(), reason,
	); err != nil {
		return session.Revocation{}, unavailable(op, err)
	}
	return revocation(refs), nil
}

func (s *Sessions) RevokeUser(ctx context.Context, userID, exceptJTI, reason string, now time.Time) (session.Revocation, error) {
	const op = "postgres.Sessions.RevokeUser"

	var refs []accessRow
	if err := s.db.SelectContext(ctx, &refs, `
		UPDATE sessions SET active = FALSE, revoked_at = $3, revoke_reason = $4
		 WHERE user_id = $1 AND active AND jti <> $2
		 RETURNING access_jti, access_expires_at`,
		userID, exceptJTI, now.UTC(), reason,
	); err != nil {
		return session.Revocation{}, unavailable(op, err)
	}
	return revocation(refs), nil
}

func (s *Sessions) ListActive(ctx context.Context, userID string) ([]*session.Session, error) {
	const op = "postgres.Sessions.ListActive"

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = $1 AND active
		 ORDER BY created_at`,
		userID,
	); err != nil {
		return nil, unavailable(op, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]*session.Session, len(rows))
	for i, row := range rows {
		out[i] = row.session()
	}
	return out, nil
}

func (s *Sessions) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	const op = "postgres.Sessions.SweepExpired"

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE, revoked_at = $1, revoke_reason = $2
		 WHERE active AND expires_at <= $1`,
		now.UTC(), session.ReasonExpired,
	)
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Sessions) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	const op = "postgres.Sessions.Purge"

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE NOT active AND revoked_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, unavailable(op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats counts rows by state.
func (s *Sessions) Stats(ctx context.Context) (session.Stats, error) {
	const op = "postgres.Sessions.Stats"

	var st struct {
		Active   int `db:"active"`
		Inactive int `db:"inactive"`
	}
	if err := s.db.GetContext(ctx, &st, `
		SELECT count(*) FILTER (WHERE active) AS active,
		       count(*) FILTER (WHERE NOT active) AS inactive
		  FROM sessions`,
	); err != nil {
		return session.Stats{}, unavailable(op, err)
	}
	return session.Stats{Active: st.Active, Inactive: st.Inactive}, nil
}
