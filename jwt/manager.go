package jwt

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// SigningMethod selects the algorithm for both token kinds.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

const (
	typeAccess  = "access"
	typeRefresh = "refresh"

	minHMACKeyBytes = 32
)

var (
	// ErrTokenExpired means the signature was fine but exp has passed.
	ErrTokenExpired = errors.New("jwt: token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures and wrong claims.
	ErrTokenInvalid = errors.New("jwt: token invalid")
)

// KeyPair holds one token kind's keys. For hs256 only Private is used, as the
// shared secret. For ed25519 Private may be omitted on verify-only nodes.
type KeyPair struct {
	Private []byte
	Public  []byte
}

// Config configures a Manager.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	AccessKey     KeyPair
	RefreshKey    KeyPair
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	Clock         clockwork.Clock
}

// AccessClaims are carried by access tokens. The JTI is RegisteredClaims.ID.
type AccessClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// RefreshClaims are carried by refresh tokens.
type RefreshClaims struct {
	Family string `json:"fam"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

type signer struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
}

// Manager signs and parses tokens. It is immutable after NewManager.
type Manager struct {
	config  Config
	access  signer
	refresh signer
}

// NewManager validates cfg and prepares the keys.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("jwt: invalid TTL configuration")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("jwt: refresh TTL must exceed access TTL")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("jwt: invalid leeway configuration")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	access, err := newSigner(cfg.SigningMethod, cfg.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("jwt: access key: %w", err)
	}
	refresh, err := newSigner(cfg.SigningMethod, cfg.RefreshKey)
	if err != nil {
		return nil, fmt.Errorf("jwt: refresh key: %w", err)
	}
	if sameKey(cfg.AccessKey, cfg.RefreshKey) {
		return nil, errors.New("jwt: access and refresh tokens must use different keys")
	}

	return &Manager{config: cfg, access: access, refresh: refresh}, nil
}

func newSigner(method SigningMethod, keys KeyPair) (signer, error) {
	switch method {
	case MethodHS256:
		if len(keys.Private) < minHMACKeyBytes {
			return signer{}, fmt.Errorf("hs256 secret must be at least %d bytes", minHMACKeyBytes)
		}
		return signer{method: jwt.SigningMethodHS256, signKey: keys.Private, verifyKey: keys.Private}, nil
	case MethodEd25519:
		s := signer{method: jwt.SigningMethodEdDSA}
		if len(keys.Private) > 0 {
			priv, err := parseEdPrivateKey(keys.Private)
			if err != nil {
				return signer{}, err
			}
			s.signKey = priv
			s.verifyKey = priv.Public()
		}
		if len(keys.Public) > 0 {
			pub, err := parseEdPublicKey(keys.Public)
			if err != nil {
				return signer{}, err
			}
			s.verifyKey = pub
		}
		if s.verifyKey == nil {
			return signer{}, errors.New("ed25519 requires a private or public key")
		}
		return s, nil
	default:
		return signer{}, errors.New("unsupported signing method")
	}
}

func sameKey(a, b KeyPair) bool {
	if len(a.Private) > 0 && bytes.Equal(a.Private, b.Private) {
		return true
	}
	return len(a.Public) > 0 && bytes.Equal(a.Public, b.Public)
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.config.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

// Leeway returns the accepted clock skew.
func (m *Manager) Leeway() time.Duration { return m.config.Leeway }

// CreateAccess signs an access token for subject with the given jti.
func (m *Manager) CreateAccess(subject, email, role, jti string) (string, *AccessClaims, error) {
	now := m.config.Clock.Now()
	claims := &AccessClaims{
		Email:            email,
		Role:             role,
		Type:             typeAccess,
		RegisteredClaims: m.registered(subject, jti, now, m.config.AccessTTL),
	}
	token, err := m.sign(m.access, claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// CreateRefresh signs a refresh token in family with the given jti.
func (m *Manager) CreateRefresh(subject, family, jti string) (string, *RefreshClaims, error) {
	now := m.config.Clock.Now()
	claims := &RefreshClaims{
		Family:           family,
		Type:             typeRefresh,
		RegisteredClaims: m.registered(subject, jti, now, m.config.RefreshTTL),
	}
	token, err := m.sign(m.refresh, claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

func (m *Manager) registered(subject, jti string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        jti,
		Issuer:    m.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if m.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return rc
}

func (m *Manager) sign(s signer, claims jwt.Claims) (string, error) {
	if s.signKey == nil {
		return "", errors.New("jwt: no signing key configured")
	}
	token := jwt.NewWithClaims(s.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	return token.SignedString(s.signKey)
}

// ParseAccess verifies an access token.
func (m *Manager) ParseAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(tokenStr, m.access, claims); err != nil {
		return nil, err
	}
	if claims.Type != typeAccess || claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: not an access token", ErrTokenInvalid)
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token.
func (m *Manager) ParseRefresh(tokenStr string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(tokenStr, m.refresh, claims); err != nil {
		return nil, err
	}
	if claims.Type != typeRefresh || claims.Subject == "" || claims.ID == "" || claims.Family == "" {
		return nil, fmt.Errorf("%w: not a refresh token", ErrTokenInvalid)
	}
	return claims, nil
}

func (m *Manager) parse(tokenStr string, s signer, claims jwt.Claims) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(m.config.Clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	token, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		if m.config.KeyID != "" {
			if kid, _ := t.Header["kid"].(string); kid != m.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}
		return s.verifyKey, nil
	})
	if err != nil {
		return classify(err)
	}
	if !token.Valid {
		return ErrTokenInvalid
	}
	return nil
}

func classify(err error) error {
	// Expiry is reported only for otherwise valid tokens: v5 checks the
	// signature before the claims.
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
