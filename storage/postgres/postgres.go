package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Registered database/sql driver names.
const (
	DriverPgx = "pgx"
	DriverPQ  = "postgres"
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects with driver ("pgx" or "postgres") and pings within five
// seconds.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	const op = "postgres.Open"

	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%s: empty dsn", op)
	}
	switch driver {
	case "":
		driver = DriverPgx
	case DriverPgx, DriverPQ:
	default:
		return nil, fmt.Errorf("%s: unsupported driver %q", op, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping %s: %w", op, RedactDSN(dsn), err)
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(db *sqlx.DB) error {
	const op = "postgres.Migrate"

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RedactDSN masks the password of a URL-style DSN for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "(redacted)"
	}
	if u.User == nil {
		return u.String()
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// url.UserPassword would percent-encode the mask.
	name := url.User(u.User.Username()).String()
	u.User = nil
	prefix := u.Scheme + "://"
	return prefix + name + ":****@" + strings.TrimPrefix(u.String(), prefix)
}

// isUniqueViolation recognizes 23505 from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
