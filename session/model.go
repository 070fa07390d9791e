package session

import "time"

// Reasons recorded when a row is deactivated.
const (
	ReasonRotated         = "rotated"
	ReasonLogout          = "logout"
	ReasonLogoutAll       = "logout_all"
	ReasonReuseDetected   = "reuse_detected"
	ReasonExpired         = "expired"
	ReasonPasswordChanged = "password_changed"
	ReasonPasswordReset   = "password_reset"
	ReasonSubjectInactive = "subject_inactive"
)

// Session is one refresh-token lineage entry.
type Session struct {
	ID        string
	UserID    string
	JTI       string
	FamilyID  string
	IP        string
	UserAgent string
	Active    bool
	// AccessJTI is the access token minted alongside this refresh token.
	AccessJTI       string
	AccessExpiresAt time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
	LastUsedAt      time.Time
	RevokedAt       *time.Time
	RevokeReason    string
}

// AccessRef identifies an access token to denylist.
type AccessRef struct {
	JTI       string
	ExpiresAt time.Time
}

// Revocation summarizes a bulk deactivation.
type Revocation struct {
	Count  int
	Access []AccessRef
}

// RotateStatus is the outcome of Rotate.
type RotateStatus int

const (
	RotateNotFound RotateStatus = iota
	RotateExpired
	RotateReused
	RotateRotated
	RotateMismatch
)

func (s RotateStatus) String() string {
	switch s {
	case RotateNotFound:
		return "not_found"
	case RotateExpired:
		return "expired"
	case RotateReused:
		return "reused"
	case RotateRotated:
		return "rotated"
	case RotateMismatch:
		return "mismatch"
	}
	return "unknown"
}

// RotateResult carries the status and, for RotateReused, what was revoked.
type RotateResult struct {
	Status  RotateStatus
	Revoked Revocation
}

// Stats counts rows by state.
type Stats struct {
	Active   int
	Inactive int
}
