package password

import (
	"errors"
	"strings"
)

// ErrUnsupportedHash is returned when no configured hasher recognises the
// stored hash format.
var ErrUnsupportedHash = errors.New("password: unsupported hash format")

// Hasher hashes plaintext passwords and verifies them against stored hashes.
// Verify returns false with a nil error on mismatch; errors are reserved for
// malformed hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

type prefixed interface {
	Hasher
	recognizes(encodedHash string) bool
}

// Multi hashes with its primary hasher and verifies with whichever hasher
// recognises the stored format.
type Multi struct {
	primary prefixed
	others  []prefixed
}

// NewMulti builds a Multi. primary must be a *Bcrypt or *Argon2.
func NewMulti(primary Hasher, others ...Hasher) (*Multi, error) {
	p, ok := primary.(prefixed)
	if !ok {
		return nil, errors.New("password: primary hasher must be bcrypt or argon2")
	}
	m := &Multi{primary: p}
	for _, o := range others {
		po, ok := o.(prefixed)
		if !ok {
			return nil, errors.New("password: secondary hasher must be bcrypt or argon2")
		}
		m.others = append(m.others, po)
	}
	return m, nil
}

// Hash uses the primary algorithm.
func (m *Multi) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

// Verify dispatches on the stored hash prefix.
func (m *Multi) Verify(password, encodedHash string) (bool, error) {
	h, err := m.pick(encodedHash)
	if err != nil {
		return false, err
	}
	return h.Verify(password, encodedHash)
}

// NeedsUpgrade is true for any hash not produced by the primary algorithm, or
// produced by it with weaker parameters.
func (m *Multi) NeedsUpgrade(encodedHash string) (bool, error) {
	if !m.primary.recognizes(encodedHash) {
		if _, err := m.pick(encodedHash); err != nil {
			return false, err
		}
		return true, nil
	}
	return m.primary.NeedsUpgrade(encodedHash)
}

func (m *Multi) pick(encodedHash string) (prefixed, error) {
	if m.primary.recognizes(encodedHash) {
		return m.primary, nil
	}
	for _, o := range m.others {
		if o.recognizes(encodedHash) {
			return o, nil
		}
	}
	return nil, ErrUnsupportedHash
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
