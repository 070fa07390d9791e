package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength  uint32 = 16
	minKeyLength   uint32 = 16
	argon2Prefix          = "$argon2id$"
)

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Memory      uint32 `yaml:"memory_kb"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`
}

// DefaultArgon2Params returns 64 MiB, 3 passes, 2 lanes.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Argon2 hashes passwords with argon2id and encodes them as PHC strings.
type Argon2 struct {
	params Argon2Params
}

type phc struct {
	params Argon2Params
	salt   []byte
	sum    []byte
}

// NewArgon2 validates params and returns a hasher.
func NewArgon2(params Argon2Params) (*Argon2, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Argon2{params: params}, nil
}

// Hash returns the PHC encoding of password. Bytes are used as given, without
// Unicode normalization.
func (a *Argon2) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password: empty password")
	}

	salt := make([]byte, a.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	p := a.params
	sum := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf(
		"%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		p.Memory,
		p.Time,
		p.Parallelism,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum),
	), nil
}

// Verify recomputes the key with the stored parameters and compares in
// constant time.
func (a *Argon2) Verify(password, encodedHash string) (bool, error) {
	parsed, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}

	p := parsed.params
	sum := argon2.IDKey([]byte(password), parsed.salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)

	return subtle.ConstantTimeCompare(sum, parsed.sum) == 1, nil
}

// NeedsUpgrade reports whether any stored parameter is weaker than the
// configured one, or the key length differs.
func (a *Argon2) NeedsUpgrade(encodedHash string) (bool, error) {
	parsed, err := decodePHC(encodedHash)
	if err != nil {
		return false, err
	}
	stored := parsed.params
	return a.params.Memory > stored.Memory ||
		a.params.Time > stored.Time ||
		a.params.Parallelism > stored.Parallelism ||
		a.params.KeyLength != stored.KeyLength, nil
}

func (a *Argon2) recognizes(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, argon2Prefix)
}

func decodePHC(encodedHash string) (*phc, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("password: invalid PHC format")
	}
	if parts[1] != "argon2id" {
		return nil, ErrUnsupportedHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") {
		return nil, errors.New("password: invalid argon2 version")
	}
	if version != argon2.Version {
		return nil, errors.New("password: unsupported argon2 version")
	}

	out := &phc{}
	if err := decodeParams(parts[3], &out.params); err != nil {
		return nil, err
	}

	if out.salt, err = base64.StdEncoding.DecodeString(parts[4]); err != nil {
		return nil, errors.New("password: invalid salt encoding")
	}
	if len(out.salt) < int(minSaltLength) {
		return nil, errors.New("password: invalid salt length")
	}

	if out.sum, err = base64.StdEncoding.DecodeString(parts[5]); err != nil {
		return nil, errors.New("password: invalid hash encoding")
	}
	if len(out.sum) == 0 {
		return nil, errors.New("password: invalid hash length")
	}
	out.params.KeyLength = uint32(len(out.sum))
	out.params.SaltLength = uint32(len(out.salt))

	return out, nil
}

func decodeParams(part string, dst *Argon2Params) error {
	seen := map[string]bool{}
	for _, pair := range strings.Split(part, ",") {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return errors.New("password: invalid parameter entry")
		}
		if seen[key] {
			return errors.New("password: duplicate parameter")
		}
		seen[key] = true

		switch key {
		case "m":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minMemoryKB) {
				return errors.New("password: invalid memory parameter")
			}
			dst.Memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil || v < uint64(minTimeCost) {
				return errors.New("password: invalid time parameter")
			}
			dst.Time = uint32(v)
		case "p":
			v, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || v < uint64(minParallelism) {
				return errors.New("password: invalid parallelism parameter")
			}
			dst.Parallelism = uint8(v)
		default:
			return errors.New("password: unsupported parameter")
		}
	}
	if len(seen) != 3 {
		return errors.New("password: missing parameters")
	}
	return nil
}

func (p Argon2Params) validate() error {
	switch {
	case p.Memory < minMemoryKB:
		return errors.New("password: argon2 memory must be >= 8192 KB")
	case p.Time < minTimeCost:
		return errors.New("password: argon2 time must be >= 1")
	case p.Parallelism < minParallelism:
		return errors.New("password: argon2 parallelism must be >= 1")
	case p.SaltLength < minSaltLength:
		return errors.New("password: argon2 salt length must be >= 16")
	case p.KeyLength < minKeyLength:
		return errors.New("password: argon2 key length must be >= 16")
	}
	return nil
}
