package authcore

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
	internalaudit "github.com/okada-platform/authcore/internal/audit"
	"github.com/okada-platform/authcore/token"
	"github.com/okada-platform/authcore/verification"
)

// Client identifies the caller of a session-creating operation.
type Client = token.Client

// TokenPair is an issued access and refresh token.
type TokenPair = token.Pair

// CodeType is the purpose of a verification code.
type CodeType = verification.Type

const (
	CodeEmail         = verification.TypeEmail
	CodePhone         = verification.TypePhone
	CodePasswordReset = verification.TypePasswordReset
)

type RegisterRequest struct {
	Email     string
	Phone     string
	Password  string
	FirstName string
	LastName  string
	Role      string
	Locale    string
}

// RegisterResult is returned even when code delivery failed, together with
// ErrDeliveryFailed: the identity exists and codes can be resent.
type RegisterResult struct {
	Identity           *credential.Identity
	EmailCodeExpiresAt time.Time
	PhoneCodeExpiresAt time.Time
}

type LoginRequest struct {
	// Identifier is an email or a phone number in any accepted spelling.
	Identifier    string
	Password      string
	TwoFactorCode string
	Client        Client
}

type LoginResult struct {
	Identity *credential.Identity
	Tokens   *TokenPair
}

// AccessInfo describes a validated access token.
type AccessInfo struct {
	UserID    string
	Email     string
	Role      string
	TokenID   string
	ExpiresAt time.Time
}

// SweepReport counts what one maintenance pass removed or changed.
type SweepReport struct {
	ExpiredCodes     int
	ExpiredSessions  int
	PurgedSessions   int
	UnlockedAccounts int
}

func (r SweepReport) Total() int {
	return r.ExpiredCodes + r.ExpiredSessions + r.PurgedSessions + r.UnlockedAccounts
}

// Sweeper is driven by an external scheduler.
type Sweeper interface {
	SweepExpired(ctx context.Context) (SweepReport, error)
}

// VerificationMessage is one code to deliver. Code is the plaintext and must
// not be logged.
type VerificationMessage struct {
	Channel     credential.Channel
	Destination string
	Purpose     CodeType
	Code        string
	ExpiresAt   time.Time
	Locale      credential.Locale
}

// Notifier delivers messages over email or SMS. A false result or an error
// is a delivery failure.
type Notifier interface {
	SendVerificationMessage(ctx context.Context, msg VerificationMessage) (bool, error)
	SendPasswordChanged(ctx context.Context, channel credential.Channel, destination string, locale credential.Locale) error
}

// TwoFactorVerifier is consulted at login for identities with two-factor
// enabled.
type TwoFactorVerifier interface {
	VerifyTwoFactor(ctx context.Context, identity *credential.Identity, code string) (bool, error)
}

// LogNotifier logs deliveries without their codes. It is meant for local
// development, where codes are read from the store by other means.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) SendVerificationMessage(_ context.Context, msg VerificationMessage) (bool, error) {
	n.logger().Info("verification message",
		zap.String("channel", string(msg.Channel)),
		zap.String("destination", maskDestination(msg.Destination)),
		zap.String("purpose", string(msg.Purpose)),
		zap.String("locale", string(msg.Locale)),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return true, nil
}

func (n LogNotifier) SendPasswordChanged(_ context.Context, channel credential.Channel, destination string, locale credential.Locale) error {
	n.logger().Info("password changed notice",
		zap.String("channel", string(channel)),
		zap.String("destination", maskDestination(destination)),
		zap.String("locale", string(locale)),
	)
	return nil
}

func (n LogNotifier) logger() *zap.Logger {
	if n.Log == nil {
		return zap.NewNop()
	}
	return n.Log.Named("notifier")
}

// maskDestination keeps the first two and last two characters.
func maskDestination(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return "****"
	}
	out := make([]rune, len(r))
	for i := range r {
		if i < 2 || i >= len(r)-2 || r[i] == '@' {
			out[i] = r[i]
		} else {
			out[i] = '*'
		}
	}
	return string(out)
}

// AuditEvent is one security event.
type AuditEvent = internalaudit.Event

type AuditSink = internalaudit.Sink

type NoOpSink = internalaudit.NoOpSink

type ChannelSink = internalaudit.ChannelSink

type JSONWriterSink = internalaudit.JSONWriterSink

type ZapSink = internalaudit.ZapSink

type MultiSink = internalaudit.MultiSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink logs events on log.Named("security").
func NewZapSink(log *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(log)
}
