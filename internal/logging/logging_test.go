package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Fatalf("levelFromString(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "info"}, &buf)
	log.Debug("hidden")
	log.Info("session swept", zap.Int("count", 3))
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if entry["msg"] != "session swept" || entry["count"] != float64(3) {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["ts"].(string); !ok {
		t.Fatalf("expected ISO8601 string timestamp, got %v", entry["ts"])
	}
}

func TestSecurityLoggerFallsBackToApp(t *testing.T) {
	app := zap.NewNop()
	sec, closeFn, err := NewSecurity(Config{}, app)
	if err != nil {
		t.Fatalf("NewSecurity error: %v", err)
	}
	if sec != app {
		t.Fatal("expected app logger when no security file is configured")
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

func TestSecurityLoggerWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	sec, closeFn, err := NewSecurity(Config{SecurityFile: filepath.Join(dir, "security.%Y%m%d.log")}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSecurity error: %v", err)
	}
	sec.Warn("account_locked", zap.String("user_id", "u1"))
	_ = sec.Sync()
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "security.*.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one rotated file, got %v (%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), `"user_id":"u1"`) {
		t.Fatalf("expected event in file, got %q", data)
	}
}
