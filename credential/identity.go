package credential

import (
	"fmt"
	"strings"
	"time"
)

// Role tags an identity. Roles are not evaluated as permissions here.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
	RoleRider    Role = "rider"
	RoleMerchant Role = "merchant"
	RoleSupport  Role = "support"
)

// ParseRole validates a boundary string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleCustomer, RoleRider, RoleMerchant, RoleSupport:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Status is the account lifecycle state.
type Status string

const (
	StatusActive              Status = "active"
	StatusInactive            Status = "inactive"
	StatusSuspended           Status = "suspended"
	StatusPendingVerification Status = "pending_verification"
	StatusLocked              Status = "locked"
)

// ParseStatus validates a stored or boundary string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusInactive, StatusSuspended, StatusPendingVerification, StatusLocked:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Channel is what MarkVerified records.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
)

// Locale of user-facing messages.
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocaleFrench  Locale = "fr"
)

// ParseLocale falls back to def for anything other than en or fr.
func ParseLocale(s string, def Locale) Locale {
	switch l := Locale(strings.ToLower(strings.TrimSpace(s))); l {
	case LocaleEnglish, LocaleFrench:
		return l
	}
	return def
}

// Profile holds the few display fields captured at registration.
type Profile struct {
	FirstName string
	LastName  string
	Locale    Locale
}

// Identity is one account.
type Identity struct {
	ID                string
	Email             string
	Phone             Phone
	PasswordHash      string
	Role              Role
	Status            Status
	Profile           Profile
	LoginAttempts     int
	LockedUntil       *time.Time
	EmailVerifiedAt   *time.Time
	PhoneVerifiedAt   *time.Time
	PasswordChangedAt time.Time
	TwoFactorEnabled  bool
	LastLoginAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.LockedUntil = cloneTime(i.LockedUntil)
	c.EmailVerifiedAt = cloneTime(i.EmailVerifiedAt)
	c.PhoneVerifiedAt = cloneTime(i.PhoneVerifiedAt)
	c.LastLoginAt = cloneTime(i.LastLoginAt)
	return &c
}

// FullyVerified is true once both channels are verified.
func (i *Identity) FullyVerified() bool {
	return i.EmailVerifiedAt != nil && i.PhoneVerifiedAt != nil
}

// LockExpired reports whether a locked identity's lock has run out at now.
func (i *Identity) LockExpired(now time.Time) bool {
	return i.Status == StatusLocked && i.LockedUntil != nil && !now.Before(*i.LockedUntil)
}

// CanLogin is false for suspended and inactive identities.
func (i *Identity) CanLogin() bool {
	return i.Status == StatusActive || i.Status == StatusPendingVerification
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NormalizeEmail trims and lowercases.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsEmail is a shape check used to route identifiers, not an RFC validator.
func IsEmail(s string) bool {
	at := strings.IndexByte(s, '@')
	return at > 0 && at < len(s)-1 && strings.Contains(s[at+1:], ".") && !strings.ContainsAny(s, " \t\r\n")
}
