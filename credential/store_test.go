package credential_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/password"
	"github.com/okada-platform/authcore/storage/memory"
)

const maxAttempts = 5

func fastHasher(t *testing.T) password.Hasher {
	t.Helper()
	h, err := password.NewArgon2(password.Argon2Params{
		Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		t.Fatalf("NewArgon2 error: %v", err)
	}
	return h
}

func newStore(t *testing.T) (*credential.Store, *memory.Identities, interface {
	clockwork.Clock
	Advance(time.Duration)
}) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := memory.NewIdentities()
	store, err := credential.NewStore(repo, fastHasher(t), credential.Options{Clock: clock})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return store, repo, clock
}

func createRider(t *testing.T, store *credential.Store) *credential.Identity {
	t.Helper()
	identity, err := store.CreateIdentity(context.Background(), credential.NewIdentity{
		Email:    "Rider@Example.cm",
		Phone:    "654321000",
		Password: "s3cure-pass",
		Role:     credential.RoleRider,
		Profile:  credential.Profile{FirstName: "Awa", Locale: credential.LocaleFrench},
	})
	if err != nil {
		t.Fatalf("CreateIdentity error: %v", err)
	}
	return identity
}

func TestCreateIdentityNormalizesAndRejectsDuplicates(t *testing.T) {
	store, _, _ := newStore(t)
	identity := createRider(t, store)

	if identity.Email != "rider@example.cm" {
		t.Fatalf("email not normalized: %q", identity.Email)
	}
	if identity.Phone.Formatted != "+237654321000" {
		t.Fatalf("phone not normalized: %q", identity.Phone.Formatted)
	}
	if identity.Status != credential.StatusPendingVerification {
		t.Fatalf("expected pending_verification, got %q", identity.Status)
	}

	_, err := store.CreateIdentity(context.Background(), credential.NewIdentity{
		Email: "other@example.cm", Phone: "+237 654 321 000", Password: "another-pass", Role: credential.RoleCustomer,
	})
	if !errors.Is(err, credential.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity for same phone, got %v", err)
	}

	_, err = store.CreateIdentity(context.Background(), credential.NewIdentity{
		Email: "RIDER@example.cm", Phone: "690000000", Password: "another-pass", Role: credential.RoleCustomer,
	})
	if !errors.Is(err, credential.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity for same email, got %v", err)
	}
}

func TestCreateIdentityValidation(t *testing.T) {
	store, _, _ := newStore(t)
	base := credential.NewIdentity{Email: "a@b.cm", Phone: "654321000", Password: "long-enough", Role: credential.RoleCustomer}

	in := base
	in.Password = "short"
	if _, err := store.CreateIdentity(context.Background(), in); !errors.Is(err, credential.ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	in = base
	in.Role = "owner"
	if _, err := store.CreateIdentity(context.Background(), in); !errors.Is(err, credential.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	in = base
	in.Email = "not-an-email"
	if _, err := store.CreateIdentity(context.Background(), in); !errors.Is(err, credential.ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	in = base
	in.Phone = "+33612345678"
	if _, err := store.CreateIdentity(context.Background(), in); !errors.Is(err, credential.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestVerifyPassword(t *testing.T) {
	store, _, _ := newStore(t)
	identity := createRider(t, store)

	ok, err := store.VerifyPassword(context.Background(), identity.ID, "s3cure-pass")
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	ok, err = store.VerifyPassword(context.Background(), identity.ID, "wrong")
	if err != nil || ok {
		t.Fatalf("expected clean mismatch, ok=%v err=%v", ok, err)
	}
	ok, err = store.VerifyPassword(context.Background(), "missing", "s3cure-pass")
	if err != nil || ok {
		t.Fatalf("unknown id must be false without error, ok=%v err=%v", ok, err)
	}
}

// countingHasher counts Verify calls.
type countingHasher struct {
	password.Hasher
	verifies atomic.Int32
}

func (h *countingHasher) Verify(plain, encoded string) (bool, error) {
	h.verifies.Add(1)
	return h.Hasher.Verify(plain, encoded)
}

func TestUnknownIdentityStillComparesHash(t *testing.T) {
	hasher := &countingHasher{Hasher: fastHasher(t)}
	store, err := credential.NewStore(memory.NewIdentities(), hasher, credential.Options{})
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	identity := createRider(t, store)
	ctx := context.Background()

	if ok, err := store.VerifyPassword(ctx, identity.ID, "wrong-pass"); err != nil || ok {
		t.Fatalf("wrong password: ok=%v err=%v", ok, err)
	}
	if got := hasher.verifies.Load(); got != 1 {
		t.Fatalf("verifies after wrong password = %d, want 1", got)
	}
	if ok, err := store.VerifyPassword(ctx, "missing", "s3cure-pass"); err != nil || ok {
		t.Fatalf("unknown id: ok=%v err=%v", ok, err)
	}
	if got := hasher.verifies.Load(); got != 2 {
		t.Fatalf("verifies after unknown id = %d, want 2", got)
	}
	if store.CheckAbsentPassword("s3cure-pass") {
		t.Fatal("CheckAbsentPassword must never match")
	}
}

func TestLockReportsExistingExpiry(t *testing.T) {
	store, _, clock := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	locked, first, err := store.Lock(ctx, identity.ID, 30*time.Minute)
	if err != nil || !locked {
		t.Fatalf("first Lock = %v, %v", locked, err)
	}

	clock.Advance(10 * time.Minute)
	locked, second, err := store.Lock(ctx, identity.ID, 30*time.Minute)
	if err != nil {
		t.Fatalf("second Lock error: %v", err)
	}
	if locked {
		t.Fatal("second Lock must not report a transition")
	}
	if !second.Equal(first) {
		t.Fatalf("second Lock until = %v, want stored %v", second, first)
	}
}

func TestLockoutIdempotentAndLazyUnlock(t *testing.T) {
	store, _, clock := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	transitions := 0
	for i := 0; i < maxAttempts+4; i++ {
		n, err := store.RecordLoginFailure(ctx, identity.ID)
		if err != nil {
			t.Fatalf("RecordLoginFailure error: %v", err)
		}
		if n >= maxAttempts {
			locked, _, err := store.Lock(ctx, identity.ID, 30*time.Minute)
			if err != nil {
				t.Fatalf("Lock error: %v", err)
			}
			if locked {
				transitions++
			}
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one lock transition, got %d", transitions)
	}

	got, err := store.Get(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != credential.StatusLocked || got.LockedUntil == nil {
		t.Fatalf("expected locked with expiry, got %+v", got)
	}
	if want := clock.Now().Add(30 * time.Minute); !got.LockedUntil.Equal(want) {
		t.Fatalf("lockedUntil = %v, want %v", got.LockedUntil, want)
	}

	clock.Advance(31 * time.Minute)

	got, err = store.Get(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != credential.StatusActive || got.LockedUntil != nil || got.LoginAttempts != 0 {
		t.Fatalf("expected lazy unlock, got status=%q until=%v attempts=%d", got.Status, got.LockedUntil, got.LoginAttempts)
	}

	again, err := store.FindByEmail(ctx, "rider@example.cm")
	if err != nil || again.Status != credential.StatusActive {
		t.Fatalf("unlock not persisted: %+v err=%v", again, err)
	}
}

func TestSweepExpiredLocks(t *testing.T) {
	store, _, clock := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	if _, _, err := store.Lock(ctx, identity.ID, time.Minute); err != nil {
		t.Fatalf("Lock error: %v", err)
	}
	if n, err := store.SweepExpiredLocks(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before expiry = %d, %v", n, err)
	}
	clock.Advance(2 * time.Minute)
	if n, err := store.SweepExpiredLocks(ctx); err != nil || n != 1 {
		t.Fatalf("sweep after expiry = %d, %v", n, err)
	}
}

func TestMarkVerifiedActivatesOnBothChannels(t *testing.T) {
	store, _, _ := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	got, err := store.MarkVerified(ctx, identity.ID, credential.ChannelEmail)
	if err != nil {
		t.Fatalf("MarkVerified(email) error: %v", err)
	}
	if got.Status != credential.StatusPendingVerification || got.EmailVerifiedAt == nil {
		t.Fatalf("expected still pending with email stamp, got %+v", got)
	}

	got, err = store.MarkVerified(ctx, identity.ID, credential.ChannelPhone)
	if err != nil {
		t.Fatalf("MarkVerified(phone) error: %v", err)
	}
	if got.Status != credential.StatusActive || !got.FullyVerified() {
		t.Fatalf("expected active after both channels, got %+v", got)
	}

	if got, err := store.MarkVerified(ctx, "missing", credential.ChannelEmail); err != nil || got != nil {
		t.Fatalf("unknown id must be nil without error, got %+v err=%v", got, err)
	}
}

func TestFindByIdentifierRoutesOnShape(t *testing.T) {
	store, _, _ := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	for _, identifier := range []string{"rider@example.cm", "+237654321000", "654 32 10 00"} {
		got, err := store.FindByIdentifier(ctx, identifier)
		if err != nil {
			t.Fatalf("FindByIdentifier(%q) error: %v", identifier, err)
		}
		if got == nil || got.ID != identity.ID {
			t.Fatalf("FindByIdentifier(%q) = %+v", identifier, got)
		}
	}
	if got, err := store.FindByIdentifier(ctx, "nobody"); err != nil || got != nil {
		t.Fatalf("expected empty result, got %+v err=%v", got, err)
	}
}

func TestSetPasswordPolicy(t *testing.T) {
	store, _, _ := newStore(t)
	identity := createRider(t, store)
	ctx := context.Background()

	if err := store.SetPassword(ctx, identity.ID, "tiny"); !errors.Is(err, credential.ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := store.SetPassword(ctx, identity.ID, "brand-new-pass"); err != nil {
		t.Fatalf("SetPassword error: %v", err)
	}
	if ok, _ := store.VerifyPassword(ctx, identity.ID, "brand-new-pass"); !ok {
		t.Fatal("expected new password to verify")
	}
}
