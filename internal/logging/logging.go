// Package logging builds the zap loggers used by the daemon: an application
// logger on stdout and an optional security logger writing JSON lines to a
// time-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Dev   bool   `yaml:"dev" env:"LOG_DEV"`
	// SecurityFile is a strftime pattern, e.g. /var/log/authcore/security.%Y%m%d.log.
	// Empty sends security events to the application logger.
	SecurityFile     string        `yaml:"security_file" env:"LOG_SECURITY_FILE"`
	SecurityRotation time.Duration `yaml:"security_rotation" env-default:"24h"`
	SecurityMaxAge   time.Duration `yaml:"security_max_age" env-default:"720h"`
}

func levelFromString(l string) zapcore.Level {
	switch strings.ToLower(l) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return enc
}

// New returns the application logger.
func New(cfg Config) (*zap.Logger, error) {
	lvl := levelFromString(cfg.Level)
	if cfg.Dev {
		c := zap.NewDevelopmentConfig()
		c.Level = zap.NewAtomicLevelAt(lvl)
		return c.Build()
	}
	return NewWithWriter(cfg, os.Stdout), nil
}

// NewWithWriter is New in production mode with an explicit destination.
func NewWithWriter(cfg Config, w io.Writer) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), levelFromString(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// NewSecurity returns the security logger and a closer for its file. Without
// SecurityFile it returns app itself and a no-op closer.
func NewSecurity(cfg Config, app *zap.Logger) (*zap.Logger, func() error, error) {
	if cfg.SecurityFile == "" {
		return app, func() error { return nil }, nil
	}

	w, err := RotatingWriter(cfg.SecurityFile, cfg.SecurityRotation, cfg.SecurityMaxAge)
	if err != nil {
		return nil, nil, err
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), zapcore.InfoLevel)
	return zap.New(core), w.Close, nil
}

// RotatingWriter opens a strftime-patterned file rotated every rotation and
// pruned after maxAge. A "current" symlink next to the files points at the
// active one.
func RotatingWriter(pattern string, rotation, maxAge time.Duration) (*rotatelogs.RotateLogs, error) {
	if rotation <= 0 {
		rotation = 24 * time.Hour
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	link := pattern
	if i := strings.IndexByte(link, '%'); i > 0 {
		link = strings.TrimRight(link[:i], "._-") + ".current"
	}
	w, err := rotatelogs.New(pattern,
		rotatelogs.WithLinkName(link),
		rotatelogs.WithRotationTime(rotation),
		rotatelogs.WithMaxAge(maxAge),
	)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", pattern, err)
	}
	return w, nil
}
