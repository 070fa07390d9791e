package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/jwt"
	"github.com/okada-platform/authcore/password"
	"github.com/okada-platform/authcore/storage/memory"
)

const (
	testEmail    = "amina@example.cm"
	testPhone    = "+237654321000"
	testPassword = "correct-horse-42"
)

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

// outbox records every message the engine asks to deliver.
type outbox struct {
	mu       sync.Mutex
	messages []VerificationMessage
	notices  []string
	fail     bool
}

func (o *outbox) SendVerificationMessage(_ context.Context, msg VerificationMessage) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail {
		return false, errors.New("smtp: connection refused")
	}
	o.messages = append(o.messages, msg)
	return true, nil
}

func (o *outbox) SendPasswordChanged(_ context.Context, _ credential.Channel, destination string, _ credential.Locale) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, destination)
	return nil
}

func (o *outbox) setFail(fail bool) {
	o.mu.Lock()
	o.fail = fail
	o.mu.Unlock()
}

// last returns the newest code sent for purpose to destination.
func (o *outbox) last(t *testing.T, purpose CodeType, destination string) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.messages) - 1; i >= 0; i-- {
		m := o.messages[i]
		if m.Purpose == purpose && m.Destination == destination {
			return m.Code
		}
	}
	t.Fatalf("no %s code sent to %s", purpose, destination)
	return ""
}

type harness struct {
	engine     *Engine
	clock      fakeClock
	mr         *miniredis.Miniredis
	identities *memory.Identities
	codes      *memory.Codes
	outbox     *outbox
	events     *ChannelSink
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessKey = jwt.KeyPair{Private: []byte(strings.Repeat("a", 48))}
	cfg.JWT.RefreshKey = jwt.KeyPair{Private: []byte(strings.Repeat("r", 48))}
	cfg.Verification.Secret = []byte(strings.Repeat("s", 32))
	cfg.Password.Algorithm = "argon2id"
	cfg.Password.Argon2 = password.Argon2Params{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

// withConfig edits the configuration before Build.
func withConfig(mutate func(*Config)) func(*Builder) {
	return func(b *Builder) { mutate(&b.config) }
}

func newHarness(t *testing.T, opts ...func(*Builder)) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		clock:      clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		mr:         mr,
		identities: memory.NewIdentities(),
		codes:      memory.NewCodes(),
		outbox:     &outbox{},
		events:     NewChannelSink(256),
	}

	b := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithIdentityRepository(h.identities).
		WithCodeRepository(h.codes).
		WithNotifier(h.outbox).
		WithAuditSink(h.events).
		WithClock(h.clock)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

// register creates the default identity and returns it.
func (h *harness) register(t *testing.T) *credential.Identity {
	t.Helper()
	res, err := h.engine.Register(context.Background(), RegisterRequest{
		Email:     testEmail,
		Phone:     testPhone,
		Password:  testPassword,
		FirstName: "Amina",
		LastName:  "Njoya",
		Role:      "rider",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res.Identity
}

func (h *harness) login(t *testing.T) *TokenPair {
	t.Helper()
	res, err := h.engine.Login(context.Background(), LoginRequest{Identifier: testEmail, Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res.Tokens
}

// auditTypes closes the engine and returns the delivered event types.
func (h *harness) auditTypes() []string {
	h.engine.Close()
	var out []string
	for {
		select {
		case ev := <-h.events.Events():
			out = append(out, ev.EventType)
		default:
			return out
		}
	}
}

func count(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}
