package verification

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultExpiry      = 10 * time.Minute
	DefaultMaxAttempts = 3
	DefaultLength      = 6
	DefaultRetention   = 24 * time.Hour
	defaultTimeout     = 2 * time.Second
	minSecretBytes     = 32
)

// Options tune a Store.
type Options struct {
	// Secret keys the code HMAC. At least 32 bytes.
	Secret []byte
	// Retention is how long past expiry a code is kept before SweepExpired.
	Retention time.Duration
	Timeout   time.Duration
	Clock     clockwork.Clock
	Logger    *zap.Logger
	// NewID returns a unique code id.
	NewID func() string
}

// Store is the verification code component.
type Store struct {
	repo      Repository
	secret    []byte
	retention time.Duration
	timeout   time.Duration
	clock     clockwork.Clock
	log       *zap.Logger
	newID     func() string
}

// Request describes a code to generate. Zero fields take the defaults.
type Request struct {
	Type        Type
	Identifier  string
	Expiry      time.Duration
	MaxAttempts int
	Length      int
}

// Issued is returned exactly once per generated code.
type Issued struct {
	ID        string
	Code      string
	ExpiresAt time.Time
}

// NewStore wires a Store.
func NewStore(repo Repository, opts Options) (*Store, error) {
	if repo == nil {
		return nil, errors.New("verification: repository is nil")
	}
	if len(opts.Secret) < minSecretBytes {
		return nil, fmt.Errorf("verification: secret must be at least %d bytes", minSecretBytes)
	}
	if opts.NewID == nil {
		return nil, errors.New("verification: id generator is nil")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
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
	return &Store{
		repo:      repo,
		secret:    append([]byte(nil), opts.Secret...),
		retention: opts.Retention,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		log:       opts.Logger.Named("verification"),
		newID:     opts.NewID,
	}, nil
}

// Generate supersedes any live code for the key and stores a new one.
func (s *Store) Generate(ctx context.Context, req Request) (*Issued, error) {
	if _, err := ParseType(string(req.Type)); err != nil {
		return nil, err
	}
	identifier := NormalizeIdentifier(req.Type, req.Identifier)
	if identifier == "" {
		return nil, errors.New("verification: empty identifier")
	}
	if req.Expiry <= 0 {
		req.Expiry = DefaultExpiry
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = DefaultMaxAttempts
	}
	if req.Length <= 0 {
		req.Length = DefaultLength
	}

	plain, err := randomDigits(req.Length)
	if err != nil {
		return nil, fmt.Errorf("verification: generate code: %w", err)
	}

	now := s.clock.Now()
	code := &Code{
		ID:          s.newID(),
		Type:        req.Type,
		Identifier:  identifier,
		CodeHash:    s.digest(req.Type, identifier, plain),
		ExpiresAt:   now.Add(req.Expiry),
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   now,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.repo.Replace(ctx, code); err != nil {
		return nil, unavailable(err)
	}

	s.log.Debug("verification code issued",
		zap.String("code_id", code.ID),
		zap.String("type", string(code.Type)),
		zap.Time("expires_at", code.ExpiresAt),
	)
	return &Issued{ID: code.ID, Code: plain, ExpiresAt: code.ExpiresAt}, nil
}

// Verify checks candidate against the live code for the key. It returns nil on
// success, ErrNotFound, ErrExpired, or an *AttemptError wrapping ErrInvalid or
// ErrAttemptsExceeded.
func (s *Store) Verify(ctx context.Context, typ Type, identifier, candidate string) error {
	identifier = NormalizeIdentifier(typ, identifier)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	code, err := s.repo.Latest(ctx, typ, identifier)
	if err != nil {
		return unavailable(err)
	}
	if code == nil {
		return ErrNotFound
	}
	if !s.clock.Now().Before(code.ExpiresAt) {
		return ErrExpired
	}
	if code.Attempts >= code.MaxAttempts {
		return &AttemptError{Err: ErrAttemptsExceeded}
	}

	attempts, ok, err := s.repo.IncrementAttempts(ctx, code.ID)
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		// Another caller consumed the last attempt or the code itself.
		fresh, err := s.repo.Latest(ctx, typ, identifier)
		if err != nil {
			return unavailable(err)
		}
		if fresh == nil || fresh.ID != code.ID {
			return ErrNotFound
		}
		return &AttemptError{Err: ErrAttemptsExceeded}
	}

	want, err := hex.DecodeString(code.CodeHash)
	if err != nil {
		return fmt.Errorf("verification: stored hash corrupt: %w", err)
	}
	digest := s.digest(typ, identifier, strings.TrimSpace(candidate))
	got, _ := hex.DecodeString(digest)
	if !hmac.Equal(want, got) {
		// A superseded or already used code reads the same as no code.
		closed, err := s.repo.HasClosed(ctx, typ, identifier, digest)
		if err != nil {
			return unavailable(err)
		}
		if closed {
			return ErrNotFound
		}
		remaining := code.MaxAttempts - attempts
		if remaining <= 0 {
			return &AttemptError{Err: ErrAttemptsExceeded}
		}
		return &AttemptError{Err: ErrInvalid, Remaining: remaining}
	}

	confirmed, err := s.repo.Confirm(ctx, code.ID, s.clock.Now())
	if err != nil {
		return unavailable(err)
	}
	if !confirmed {
		return ErrNotFound
	}
	return nil
}

// IsVerified is true only when some code for the key passed a real compare.
func (s *Store) IsVerified(ctx context.Context, typ Type, identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.repo.HasConfirmed(ctx, typ, NormalizeIdentifier(typ, identifier))
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// SweepExpired deletes codes that expired more than the retention window ago.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.repo.DeleteExpiredBefore(ctx, s.clock.Now().Add(-s.retention))
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *Store) digest(typ Type, identifier, code string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(typ))
	mac.Write([]byte{0})
	mac.Write([]byte(identifier))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomDigits(n int) (string, error) {
	if n < 4 || n > 10 {
		return "", errors.New("code length must be between 4 and 10")
	}
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
