package memory

import (
	"context"
	"sync"
	"time"

	"github.com/okada-platform/authcore/verification"
)

// Codes implements verification.Repository.
type Codes struct {
	mu   sync.Mutex
	rows []*verification.Code
}

var _ verification.Repository = (*Codes)(nil)

// NewCodes returns an empty repository.
func NewCodes() *Codes {
	return &Codes{}
}

func (r *Codes) Replace(_ context.Context, code *verification.Code) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Type == code.Type && row.Identifier == code.Identifier && !row.Verified {
			row.Verified = true
		}
	}
	c := *code
	r.rows = append(r.rows, &c)
	return nil
}

func (r *Codes) Latest(_ context.Context, typ verification.Type, identifier string) (*verification.Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.rows) - 1; i >= 0; i-- {
		row := r.rows[i]
		if row.Type == typ && row.Identifier == identifier && !row.Verified {
			c := *row
			return &c, nil
		}
	}
	return nil, nil
}

func (r *Codes) IncrementAttempts(_ context.Context, id string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.find(id)
	if row == nil || row.Verified || row.Attempts >= row.MaxAttempts {
		return 0, false, nil
	}
	row.Attempts++
	return row.Attempts, true, nil
}

func (r *Codes) Confirm(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.find(id)
	if row == nil || row.Verified {
		return false, nil
	}
	row.Verified = true
	row.Confirmed = true
	row.VerifiedAt = &at
	return true, nil
}

func (r *Codes) HasConfirmed(_ context.Context, typ verification.Type, identifier string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Type == typ && row.Identifier == identifier && row.Confirmed {
			return true, nil
		}
	}
	return false, nil
}

func (r *Codes) HasClosed(_ context.Context, typ verification.Type, identifier, hash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.Type == typ && row.Identifier == identifier && row.Verified && row.CodeHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (r *Codes) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.rows[:0]
	removed := 0
	for _, row := range r.rows {
		if row.ExpiresAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	r.rows = kept
	return removed, nil
}

// Len reports the stored row count.
func (r *Codes) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *Codes) find(id string) *verification.Code {
	for _, row := range r.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}
