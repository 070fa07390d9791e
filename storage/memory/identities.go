package memory

import (
	"context"
	"sync"
	"time"

	"github.com/okada-platform/authcore/credential"
)

// Identities implements credential.Repository.
type Identities struct {
	mu      sync.Mutex
	byID    map[string]*credential.Identity
	byEmail map[string]string
	byPhone map[string]string
}

var _ credential.Repository = (*Identities)(nil)

// NewIdentities returns an empty repository.
func NewIdentities() *Identities {
	return &Identities{
		byID:    make(map[string]*credential.Identity),
		byEmail: make(map[string]string),
		byPhone: make(map[string]string),
	}
}

func (r *Identities) Insert(_ context.Context, identity *credential.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[identity.Email]; ok {
		return credential.ErrDuplicateIdentity
	}
	if _, ok := r.byPhone[identity.Phone.Formatted]; ok {
		return credential.ErrDuplicateIdentity
	}
	r.byID[identity.ID] = identity.Clone()
	r.byEmail[identity.Email] = identity.ID
	r.byPhone[identity.Phone.Formatted] = identity.ID
	return nil
}

func (r *Identities) FindByID(_ context.Context, id string) (*credential.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id].Clone(), nil
}

func (r *Identities) FindByEmail(_ context.Context, email string) (*credential.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[r.byEmail[email]].Clone(), nil
}

func (r *Identities) FindByPhone(_ context.Context, e164 string) (*credential.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[r.byPhone[e164]].Clone(), nil
}

func (r *Identities) IncrementLoginAttempts(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	if !ok {
		return 0, nil
	}
	identity.LoginAttempts++
	return identity.LoginAttempts, nil
}

func (r *Identities) Lock(_ context.Context, id string, until time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	if !ok || !lockable(identity.Status) {
		return false, nil
	}
	identity.Status = credential.StatusLocked
	identity.LockedUntil = &until
	identity.UpdatedAt = time.Now()
	return true, nil
}

func (r *Identities) Unlock(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	if !ok || identity.Status != credential.StatusLocked {
		return false, nil
	}
	unlock(identity)
	return true, nil
}

func (r *Identities) UnlockExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, identity := range r.byID {
		if identity.LockExpired(now) {
			unlock(identity)
			n++
		}
	}
	return n, nil
}

func (r *Identities) ResetLoginAttempts(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.byID[id]; ok {
		identity.LoginAttempts = 0
	}
	return nil
}

func (r *Identities) RecordLogin(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.byID[id]; ok {
		identity.LoginAttempts = 0
		identity.LastLoginAt = &at
	}
	return nil
}

func (r *Identities) UpdatePassword(_ context.Context, id, hash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if identity, ok := r.byID[id]; ok {
		identity.PasswordHash = hash
		identity.PasswordChangedAt = at
		identity.UpdatedAt = at
	}
	return nil
}

func (r *Identities) MarkVerified(_ context.Context, id string, channel credential.Channel, at time.Time) (*credential.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	switch channel {
	case credential.ChannelEmail:
		if identity.EmailVerifiedAt == nil {
			identity.EmailVerifiedAt = &at
		}
	case credential.ChannelPhone:
		if identity.PhoneVerifiedAt == nil {
			identity.PhoneVerifiedAt = &at
		}
	}
	if identity.Status == credential.StatusPendingVerification && identity.FullyVerified() {
		identity.Status = credential.StatusActive
	}
	identity.UpdatedAt = at
	return identity.Clone(), nil
}

// Suspend is a test and admin helper; suspension itself is managed outside
// this module.
func (r *Identities) Suspend(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity, ok := r.byID[id]; ok {
		identity.Status = credential.StatusSuspended
	}
}

// EnableTwoFactor flips the placeholder flag.
func (r *Identities) EnableTwoFactor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity, ok := r.byID[id]; ok {
		identity.TwoFactorEnabled = true
	}
}

func lockable(s credential.Status) bool {
	return s == credential.StatusActive || s == credential.StatusPendingVerification
}

func unlock(identity *credential.Identity) {
	identity.Status = credential.StatusActive
	identity.LockedUntil = nil
	identity.LoginAttempts = 0
}
