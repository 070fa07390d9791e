package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore/password"
)

// Options tune a Store. Zero values fall back to defaults.
type Options struct {
	MinPasswordLength int
	Timeout           time.Duration
	Clock             clockwork.Clock
	Logger            *zap.Logger
}

const (
	defaultMinPasswordLength = 8
	defaultTimeout           = 2 * time.Second
)

// Store is the credential component used by the engine.
type Store struct {
	repo    Repository
	hasher  password.Hasher
	absent  string
	minLen  int
	timeout time.Duration
	clock   clockwork.Clock
	log     *zap.Logger
}

// NewIdentity is the input of CreateIdentity.
type NewIdentity struct {
	Email    string
	Phone    string
	Password string
	Profile  Profile
	Role     Role
}

// NewStore wires a Store.
func NewStore(repo Repository, hasher password.Hasher, opts Options) (*Store, error) {
	if repo == nil {
		return nil, errors.New("credential: repository is nil")
	}
	if hasher == nil {
		return nil, errors.New("credential: hasher is nil")
	}
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = defaultMinPasswordLength
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	absent, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("credential: hash placeholder: %w", err)
	}
	return &Store{
		repo:    repo,
		hasher:  hasher,
		absent:  absent,
		minLen:  opts.MinPasswordLength,
		timeout: opts.Timeout,
		clock:   opts.Clock,
		log:     opts.Logger.Named("credential"),
	}, nil
}

// CheckPasswordPolicy enforces the minimum length.
func (s *Store) CheckPasswordPolicy(plain string) error {
	if len([]rune(plain)) < s.minLen {
		return fmt.Errorf("%w: at least %d characters", ErrPasswordPolicy, s.minLen)
	}
	return nil
}

// CreateIdentity validates input, hashes the password and inserts a
// pending_verification identity.
func (s *Store) CreateIdentity(ctx context.Context, in NewIdentity) (*Identity, error) {
	email := NormalizeEmail(in.Email)
	if !IsEmail(email) {
		return nil, ErrInvalidEmail
	}
	phone, err := ParsePhone(in.Phone)
	if err != nil {
		return nil, err
	}
	if _, err := ParseRole(string(in.Role)); err != nil {
		return nil, err
	}
	if err := s.CheckPasswordPolicy(in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("credential: hash password: %w", err)
	}

	now := s.clock.Now()
	identity := &Identity{
		ID:                uuid.NewString(),
		Email:             email,
		Phone:             phone,
		PasswordHash:      hash,
		Role:              in.Role,
		Status:            StatusPendingVerification,
		Profile:           in.Profile,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Insert(ctx, identity); err != nil {
		if errors.Is(err, ErrDuplicateIdentity) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return identity, nil
}

// Get loads by id, lazily unlocking an expired lock.
func (s *Store) Get(ctx context.Context, id string) (*Identity, error) {
	return s.load(ctx, func(ctx context.Context) (*Identity, error) {
		return s.repo.FindByID(ctx, id)
	})
}

// FindByEmail loads by normalized email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	email = NormalizeEmail(email)
	return s.load(ctx, func(ctx context.Context) (*Identity, error) {
		return s.repo.FindByEmail(ctx, email)
	})
}

// FindByPhone loads by phone in any accepted spelling.
func (s *Store) FindByPhone(ctx context.Context, raw string) (*Identity, error) {
	phone, err := ParsePhone(raw)
	if err != nil {
		return nil, nil
	}
	return s.load(ctx, func(ctx context.Context) (*Identity, error) {
		return s.repo.FindByPhone(ctx, phone.Formatted)
	})
}

// FindByIdentifier routes on shape: anything containing '@' is an email.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return s.FindByEmail(ctx, identifier)
	}
	return s.FindByPhone(ctx, identifier)
}

func (s *Store) load(ctx context.Context, find func(context.Context) (*Identity, error)) (*Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	identity, err := find(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	if identity == nil {
		return nil, nil
	}

	if identity.LockExpired(s.clock.Now()) {
		if _, err := s.repo.Unlock(ctx, identity.ID); err != nil {
			return nil, unavailable(err)
		}
		s.log.Info("lock expired, identity unlocked", zap.String("identity_id", identity.ID))
		identity.Status = StatusActive
		identity.LockedUntil = nil
		identity.LoginAttempts = 0
	}
	return identity, nil
}

// VerifyPassword never errors on mismatch.
func (s *Store) VerifyPassword(ctx context.Context, id, plain string) (bool, error) {
	identity, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if identity == nil {
		s.CheckAbsentPassword(plain)
		return false, nil
	}
	return s.CheckPassword(identity, plain)
}

// CheckAbsentPassword runs one hash comparison against a placeholder and
// always reports a mismatch. Callers use it when no identity matched so the
// miss costs the same as a wrong password.
func (s *Store) CheckAbsentPassword(plain string) bool {
	_, _ = s.hasher.Verify(plain, s.absent)
	return false
}

// CheckPassword compares against an already loaded identity.
func (s *Store) CheckPassword(identity *Identity, plain string) (bool, error) {
	ok, err := s.hasher.Verify(plain, identity.PasswordHash)
	if err != nil {
		s.log.Warn("stored password hash unreadable", zap.String("identity_id", identity.ID), zap.Error(err))
		return false, nil
	}
	return ok, nil
}

// UpgradeHashIfNeeded re-hashes after a successful compare when the stored
// hash uses weaker parameters. Failures are logged only.
func (s *Store) UpgradeHashIfNeeded(ctx context.Context, identity *Identity, plain string) {
	upgrade, err := s.hasher.NeedsUpgrade(identity.PasswordHash)
	if err != nil || !upgrade {
		return
	}
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		s.log.Warn("password rehash failed", zap.String("identity_id", identity.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// password_changed_at is kept: this is not a user-initiated change.
	if err := s.repo.UpdatePassword(ctx, identity.ID, hash, identity.PasswordChangedAt); err != nil {
		s.log.Warn("password rehash not stored", zap.String("identity_id", identity.ID), zap.Error(err))
		return
	}
	identity.PasswordHash = hash
}

// RecordLoginFailure increments the counter atomically.
func (s *Store) RecordLoginFailure(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.IncrementLoginAttempts(ctx, id)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// Lock locks for d. Only the call that performs the transition returns true.
// When another caller locked first, the returned time is the stored expiry.
func (s *Store) Lock(ctx context.Context, id string, d time.Duration) (bool, time.Time, error) {
	until := s.clock.Now().Add(d)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	locked, err := s.repo.Lock(ctx, id, until)
	if err != nil {
		return false, time.Time{}, unavailable(err)
	}
	if locked {
		return true, until, nil
	}
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return false, time.Time{}, unavailable(err)
	}
	if current != nil && current.LockedUntil != nil {
		until = *current.LockedUntil
	}
	return false, until, nil
}

// Unlock clears the lock and the counter.
func (s *Store) Unlock(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.repo.Unlock(ctx, id)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// ResetLoginAttempts zeroes the counter.
func (s *Store) ResetLoginAttempts(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.ResetLoginAttempts(ctx, id); err != nil {
		return unavailable(err)
	}
	return nil
}

// RecordLogin stamps last login and zeroes the counter.
func (s *Store) RecordLogin(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.RecordLogin(ctx, id, s.clock.Now()); err != nil {
		return unavailable(err)
	}
	return nil
}

// SetPassword enforces policy, hashes and stores a new password.
func (s *Store) SetPassword(ctx context.Context, id, plain string) error {
	if err := s.CheckPasswordPolicy(plain); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(plain)
	if err != nil {
		return fmt.Errorf("credential: hash password: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.UpdatePassword(ctx, id, hash, s.clock.Now()); err != nil {
		return unavailable(err)
	}
	return nil
}

// MarkVerified records a verified channel. The returned identity reflects the
// activation when both channels are now verified; nil when id is unknown.
func (s *Store) MarkVerified(ctx context.Context, id string, channel Channel) (*Identity, error) {
	if channel != ChannelEmail && channel != ChannelPhone {
		return nil, fmt.Errorf("credential: unknown channel %q", channel)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	identity, err := s.repo.MarkVerified(ctx, id, channel, s.clock.Now())
	if err != nil {
		return nil, unavailable(err)
	}
	return identity, nil
}

// SweepExpiredLocks unlocks every identity whose lock has run out. Reads
// already do this lazily; the sweep only keeps stored status tidy.
func (s *Store) SweepExpiredLocks(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.UnlockExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
