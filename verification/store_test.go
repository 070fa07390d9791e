package verification_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/okada-platform/authcore/storage/memory"
	"github.com/okada-platform/authcore/verification"
)

const phone = "+2376543210000"

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

func newStore(t *testing.T) (*verification.Store, *memory.Codes, fakeClock) {
	t.Helper()
	var seq atomic.Int64
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := memory.NewCodes()
	store, err := verification.NewStore(repo, verification.Options{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
		Clock:  clock,
		NewID:  func() string { return fmt.Sprintf("code-%d", seq.Add(1)) },
	})
	require.NoError(t, err)
	return store, repo, clock
}

func wrong(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string(code[0]+1) + code[1:]
}

func TestGenerateAndVerify(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	issued, err := store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: " Rider@Example.CM "})
	require.NoError(t, err)
	require.Len(t, issued.Code, verification.DefaultLength)
	require.Regexp(t, `^[0-9]{6}$`, issued.Code)

	require.NoError(t, store.Verify(ctx, verification.TypeEmail, "rider@example.cm", issued.Code))

	ok, err := store.IsVerified(ctx, verification.TypeEmail, "RIDER@example.cm")
	require.NoError(t, err)
	require.True(t, ok)

	// Single use.
	err = store.Verify(ctx, verification.TypeEmail, "rider@example.cm", issued.Code)
	require.ErrorIs(t, err, verification.ErrNotFound)
}

func TestCodeMonotonicity(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	first, err := store.Generate(ctx, verification.Request{Type: verification.TypePhone, Identifier: phone})
	require.NoError(t, err)
	second, err := store.Generate(ctx, verification.Request{Type: verification.TypePhone, Identifier: phone})
	require.NoError(t, err)

	if first.Code != second.Code {
		err = store.Verify(ctx, verification.TypePhone, phone, first.Code)
		require.ErrorIs(t, err, verification.ErrNotFound)
	}

	// Superseding soft-deactivates without confirming.
	ok, err := store.IsVerified(ctx, verification.TypePhone, phone)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Verify(ctx, verification.TypePhone, phone, second.Code))

	// After the newest code is used no live code remains, the older one included.
	err = store.Verify(ctx, verification.TypePhone, phone, first.Code)
	require.ErrorIs(t, err, verification.ErrNotFound)
}

func TestSupersededCodeIsNotFoundWhenNoLiveCode(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	c1, err := store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: "a@b.cm"})
	require.NoError(t, err)
	c2, err := store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: "a@b.cm"})
	require.NoError(t, err)
	require.NoError(t, store.Verify(ctx, verification.TypeEmail, "a@b.cm", c2.Code))

	require.ErrorIs(t, store.Verify(ctx, verification.TypeEmail, "a@b.cm", c1.Code), verification.ErrNotFound)
}

func TestAttemptBudgetScenario(t *testing.T) {
	store, repo, _ := newStore(t)
	ctx := context.Background()

	issued, err := store.Generate(ctx, verification.Request{
		Type: verification.TypePhone, Identifier: phone, Expiry: 10 * time.Minute, MaxAttempts: 3,
	})
	require.NoError(t, err)

	bad := wrong(issued.Code)
	for i, wantRemaining := range []int{2, 1} {
		err := store.Verify(ctx, verification.TypePhone, phone, bad)
		var attemptErr *verification.AttemptError
		require.True(t, errors.As(err, &attemptErr), "attempt %d: %v", i+1, err)
		require.ErrorIs(t, err, verification.ErrInvalid)
		require.Equal(t, wantRemaining, attemptErr.Remaining)
	}

	err = store.Verify(ctx, verification.TypePhone, phone, bad)
	var attemptErr *verification.AttemptError
	require.True(t, errors.As(err, &attemptErr))
	require.ErrorIs(t, err, verification.ErrAttemptsExceeded)
	require.Equal(t, 0, attemptErr.Remaining)

	err = store.Verify(ctx, verification.TypePhone, phone, issued.Code)
	require.ErrorIs(t, err, verification.ErrAttemptsExceeded)

	live, err := repo.Latest(ctx, verification.TypePhone, phone)
	require.NoError(t, err)
	require.Equal(t, 3, live.Attempts, "attempts must never pass max")
}

func TestConcurrentVerifyNeverExceedsBudget(t *testing.T) {
	store, repo, _ := newStore(t)
	ctx := context.Background()

	issued, err := store.Generate(ctx, verification.Request{Type: verification.TypePhone, Identifier: phone, MaxAttempts: 3})
	require.NoError(t, err)
	bad := wrong(issued.Code)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Verify(ctx, verification.TypePhone, phone, bad)
		}()
	}
	wg.Wait()

	live, err := repo.Latest(ctx, verification.TypePhone, phone)
	require.NoError(t, err)
	require.Equal(t, 3, live.Attempts)
}

func TestExpiredCode(t *testing.T) {
	store, _, clock := newStore(t)
	ctx := context.Background()

	issued, err := store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: "a@b.cm", Expiry: time.Minute})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.ErrorIs(t, store.Verify(ctx, verification.TypeEmail, "a@b.cm", issued.Code), verification.ErrExpired)
}

func TestIsVerifiedScopedByType(t *testing.T) {
	store, _, _ := newStore(t)
	ctx := context.Background()

	issued, err := store.Generate(ctx, verification.Request{Type: verification.TypePasswordReset, Identifier: "a@b.cm"})
	require.NoError(t, err)
	require.NoError(t, store.Verify(ctx, verification.TypePasswordReset, "a@b.cm", issued.Code))

	ok, err := store.IsVerified(ctx, verification.TypeEmail, "a@b.cm")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	store, repo, clock := newStore(t)
	ctx := context.Background()

	_, err := store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: "a@b.cm"})
	require.NoError(t, err)
	_, err = store.Generate(ctx, verification.Request{Type: verification.TypeEmail, Identifier: "c@d.cm"})
	require.NoError(t, err)

	n, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(verification.DefaultExpiry + verification.DefaultRetention + time.Second)
	n, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, repo.Len())
}

func TestGenerateRejectsUnknownType(t *testing.T) {
	store, _, _ := newStore(t)
	_, err := store.Generate(context.Background(), verification.Request{Type: "fax", Identifier: "x"})
	require.ErrorIs(t, err, verification.ErrInvalidType)
}

func TestNewStoreRequiresSecret(t *testing.T) {
	_, err := verification.NewStore(memory.NewCodes(), verification.Options{Secret: []byte("short"), NewID: func() string { return "x" }})
	require.Error(t, err)
}
