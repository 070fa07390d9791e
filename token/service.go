package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore/jwt"
	"github.com/okada-platform/authcore/session"
)

var (
	ErrExpired = errors.New("token: expired")
	// ErrInvalid covers malformed tokens, bad signatures and claim mismatches.
	ErrInvalid = errors.New("token: invalid")
	ErrRevoked = errors.New("token: revoked")
	// ErrNotFound means the refresh token has no session row.
	ErrNotFound = errors.New("token: session not found")
	// ErrFamilyCompromised means an already rotated refresh token was presented
	// and its whole family has been revoked.
	ErrFamilyCompromised = errors.New("token: refresh token reuse detected")
	// ErrSubjectInactive is returned by a SubjectResolver for identities that
	// may no longer hold tokens.
	ErrSubjectInactive = errors.New("token: subject inactive")
	ErrUnavailable     = errors.New("token: store unavailable")
)

// ReuseError is returned when a rotated refresh token is presented again. It
// matches ErrFamilyCompromised and names the revoked family and its owner.
type ReuseError struct {
	UserID   string
	FamilyID string
	Revoked  int
}

func (e *ReuseError) Error() string {
	return fmt.Sprintf("%s: family %s", ErrFamilyCompromised, e.FamilyID)
}

func (e *ReuseError) Unwrap() error { return ErrFamilyCompromised }

// Subject is what an access token describes.
type Subject struct {
	UserID string
	Email  string
	Role   string
}

// Client describes the caller of a token operation.
type Client struct {
	IP        string
	UserAgent string
}

// Pair is an issued access and refresh token.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessJTI        string
	RefreshJTI       string
	FamilyID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	// ExpiresIn is the access token lifetime.
	ExpiresIn time.Duration
}

// SubjectResolver reloads the subject of a refresh token.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, userID string) (Subject, error)
}

// SubjectResolverFunc adapts a function.
type SubjectResolverFunc func(ctx context.Context, userID string) (Subject, error)

func (f SubjectResolverFunc) ResolveSubject(ctx context.Context, userID string) (Subject, error) {
	return f(ctx, userID)
}

// Except names the caller's own tokens kept by RevokeUser.
type Except struct {
	RefreshJTI string
	AccessJTI  string
}

// Options tune a Service.
type Options struct {
	Timeout      time.Duration
	Clock        clockwork.Clock
	Logger       *zap.Logger
	NewID        func() string
	NewSessionID func() string
}

// Service is the token lifecycle component.
type Service struct {
	jwt         *jwt.Manager
	sessions    session.Store
	revocations *RevocationIndex
	resolver    SubjectResolver
	timeout     time.Duration
	clock       clockwork.Clock
	log         *zap.Logger
	newID       func() string
	newSession  func() string
}

// NewService wires a Service. The clock must be the one the jwt.Manager uses.
func NewService(manager *jwt.Manager, sessions session.Store, revocations *RevocationIndex, resolver SubjectResolver, opts Options) (*Service, error) {
	switch {
	case manager == nil:
		return nil, errors.New("token: jwt manager is nil")
	case sessions == nil:
		return nil, errors.New("token: session store is nil")
	case revocations == nil:
		return nil, errors.New("token: revocation index is nil")
	case resolver == nil:
		return nil, errors.New("token: subject resolver is nil")
	case opts.NewID == nil || opts.NewSessionID == nil:
		return nil, errors.New("token: id generators are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		jwt:         manager,
		sessions:    sessions,
		revocations: revocations,
		resolver:    resolver,
		timeout:     opts.Timeout,
		clock:       opts.Clock,
		log:         opts.Logger.Named("token"),
		newID:       opts.NewID,
		newSession:  opts.NewSessionID,
	}, nil
}

func (s *Service) io(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Issue starts a new token family for subject.
func (s *Service) Issue(ctx context.Context, subject Subject, client Client) (*Pair, error) {
	pair, err := s.mint(subject, s.newID())
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	ctx, cancel := s.io(ctx)
	defer cancel()

	if err := s.revocations.Track(ctx, subject.UserID, pair.AccessJTI, pair.AccessExpiresAt, now); err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, s.row(subject.UserID, pair, client, now)); err != nil {
		return nil, unavailable(err)
	}
	return pair, nil
}

// Refresh rotates refreshToken: the presented token becomes unusable and a new
// pair in the same family is returned. Presenting an already rotated token
// revokes the family and returns a *ReuseError.
func (s *Service) Refresh(ctx context.Context, refreshToken string, client Client) (*Pair, *Subject, error) {
	claims, err := s.jwt.ParseRefresh(refreshToken)
	if err != nil {
		return nil, nil, classify(err)
	}

	ctx, cancel := s.io(ctx)
	defer cancel()

	subject, err := s.resolver.ResolveSubject(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrSubjectInactive) {
			if _, rerr := s.revokeFamily(ctx, claims.Family, session.ReasonSubjectInactive); rerr != nil {
				s.log.Warn("family revocation for inactive subject failed", zap.String("family_id", claims.Family), zap.Error(rerr))
			}
		}
		return nil, nil, err
	}
	subject.UserID = claims.Subject

	pair, err := s.mint(subject, claims.Family)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()

	if err := s.revocations.Track(ctx, subject.UserID, pair.AccessJTI, pair.AccessExpiresAt, now); err != nil {
		return nil, nil, err
	}

	res, err := s.sessions.Rotate(ctx, claims.ID, s.row(subject.UserID, pair, client, now), now)
	if err != nil {
		return nil, nil, unavailable(err)
	}

	switch res.Status {
	case session.RotateRotated:
		return pair, &subject, nil
	case session.RotateReused:
		s.denylist(ctx, res.Revoked.Access, now)
		s.log.Warn("refresh token reuse, family revoked",
			zap.String("user_id", claims.Subject),
			zap.String("family_id", claims.Family),
			zap.Int("revoked", res.Revoked.Count),
		)
		return nil, nil, &ReuseError{UserID: claims.Subject, FamilyID: claims.Family, Revoked: res.Revoked.Count}
	case session.RotateExpired:
		return nil, nil, ErrExpired
	case session.RotateNotFound:
		return nil, nil, ErrNotFound
	default:
		return nil, nil, ErrInvalid
	}
}

// Validate verifies signature and expiry, then consults the revocation index.
// An unreadable index yields an error matching both ErrRevoked and
// ErrUnavailable.
func (s *Service) Validate(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	claims, err := s.jwt.ParseAccess(accessToken)
	if err != nil {
		return nil, classify(err)
	}

	ctx, cancel := s.io(ctx)
	defer cancel()

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		s.log.Error("revocation index unreadable, rejecting token", zap.String("jti", claims.ID), zap.Error(err))
		return nil, errors.Join(ErrRevoked, err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Logout denylists the access token and deactivates its session: the one
// named by refreshToken when given, otherwise the one minted with the access
// token.
func (s *Service) Logout(ctx context.Context, access *jwt.AccessClaims, refreshToken string) error {
	now := s.clock.Now()

	ctx, cancel := s.io(ctx)
	defer cancel()

	if err := s.revocations.Revoke(ctx, access.ID, s.remaining(access.ExpiresAt.Time, now)); err != nil {
		return err
	}

	refreshJTI, err := s.sessionOf(ctx, access, refreshToken)
	if err != nil || refreshJTI == "" {
		return err
	}

	row, err := s.sessions.Revoke(ctx, refreshJTI, session.ReasonLogout, now)
	if err != nil {
		return unavailable(err)
	}
	if row != nil && row.AccessJTI != "" && row.AccessJTI != access.ID {
		s.denylist(ctx, []session.AccessRef{{JTI: row.AccessJTI, ExpiresAt: row.AccessExpiresAt}}, now)
	}
	return nil
}

// CurrentSession returns the refresh JTI of the caller's session: the one
// named by refreshToken when given, otherwise the one minted with access.
// It is empty when no such session is active.
func (s *Service) CurrentSession(ctx context.Context, access *jwt.AccessClaims, refreshToken string) (string, error) {
	ctx, cancel := s.io(ctx)
	defer cancel()

	return s.sessionOf(ctx, access, refreshToken)
}

func (s *Service) sessionOf(ctx context.Context, access *jwt.AccessClaims, refreshToken string) (string, error) {
	if refreshToken != "" {
		claims, err := s.jwt.ParseRefresh(refreshToken)
		switch {
		case err == nil:
			if claims.Subject != access.Subject {
				return "", ErrInvalid
			}
			return claims.ID, nil
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", nil
		default:
			return "", classify(err)
		}
	}

	active, err := s.sessions.ListActive(ctx, access.Subject)
	if err != nil {
		return "", unavailable(err)
	}
	for _, row := range active {
		if row.AccessJTI == access.ID {
			return row.JTI, nil
		}
	}
	return "", nil
}

// LogoutAll deactivates every session of userID and denylists every tracked
// access token. It returns the number of sessions deactivated.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	return s.RevokeUser(ctx, userID, Except{}, session.ReasonLogoutAll)
}

// RevokeUser is LogoutAll with the caller's own tokens kept.
func (s *Service) RevokeUser(ctx context.Context, userID string, except Except, reason string) (int, error) {
	now := s.clock.Now()

	ctx, cancel := s.io(ctx)
	defer cancel()

	rev, err := s.sessions.RevokeUser(ctx, userID, except.RefreshJTI, reason, now)
	if err != nil {
		return 0, unavailable(err)
	}
	if _, err := s.revocations.RevokeTracked(ctx, userID, except.AccessJTI, now, s.jwt.Leeway()); err != nil {
		return rev.Count, err
	}
	return rev.Count, nil
}

// Sessions lists the active sessions of userID.
func (s *Service) Sessions(ctx context.Context, userID string) ([]*session.Session, error) {
	ctx, cancel := s.io(ctx)
	defer cancel()

	rows, err := s.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	return rows, nil
}

// SweepExpired deactivates sessions past their expiry.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := s.io(ctx)
	defer cancel()

	n, err := s.sessions.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

// PurgeInactive hard-deletes sessions deactivated more than retention ago.
func (s *Service) PurgeInactive(ctx context.Context, retention time.Duration) (int, error) {
	ctx, cancel := s.io(ctx)
	defer cancel()

	n, err := s.sessions.Purge(ctx, s.clock.Now().Add(-retention))
	if err != nil {
		return n, unavailable(err)
	}
	return n, nil
}

func (s *Service) revokeFamily(ctx context.Context, family, reason string) (int, error) {
	now := s.clock.Now()
	rev, err := s.sessions.RevokeFamily(ctx, family, reason, now)
	if err != nil {
		return 0, unavailable(err)
	}
	s.denylist(ctx, rev.Access, now)
	return rev.Count, nil
}

func (s *Service) denylist(ctx context.Context, refs []session.AccessRef, now time.Time) {
	for _, ref := range refs {
		if err := s.revocations.Revoke(ctx, ref.JTI, s.remaining(ref.ExpiresAt, now)); err != nil {
			s.log.Error("access token denylist failed", zap.String("jti", ref.JTI), zap.Error(err))
		}
	}
}

// remaining is the denylist TTL: the token's remaining lifetime plus the
// leeway the parser tolerates.
func (s *Service) remaining(exp, now time.Time) time.Duration {
	return exp.Sub(now) + s.jwt.Leeway()
}

func (s *Service) mint(subject Subject, family string) (*Pair, error) {
	accessJTI, refreshJTI := s.newID(), s.newID()

	access, aclaims, err := s.jwt.CreateAccess(subject.UserID, subject.Email, subject.Role, accessJTI)
	if err != nil {
		return nil, fmt.Errorf("token: sign access: %w", err)
	}
	refresh, rclaims, err := s.jwt.CreateRefresh(subject.UserID, family, refreshJTI)
	if err != nil {
		return nil, fmt.Errorf("token: sign refresh: %w", err)
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessJTI:        accessJTI,
		RefreshJTI:       refreshJTI,
		FamilyID:         family,
		AccessExpiresAt:  aclaims.ExpiresAt.Time,
		RefreshExpiresAt: rclaims.ExpiresAt.Time,
		ExpiresIn:        s.jwt.AccessTTL(),
	}, nil
}

func (s *Service) row(userID string, pair *Pair, client Client, now time.Time) *session.Session {
	return &session.Session{
		ID:              s.newSession(),
		UserID:          userID,
		JTI:             pair.RefreshJTI,
		FamilyID:        pair.FamilyID,
		IP:              client.IP,
		UserAgent:       client.UserAgent,
		Active:          true,
		AccessJTI:       pair.AccessJTI,
		AccessExpiresAt: pair.AccessExpiresAt,
		ExpiresAt:       pair.RefreshExpiresAt,
		CreatedAt:       now,
		LastUsedAt:      now,
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
