package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

type panicSink struct{}

func (panicSink) Emit(context.Context, Event) { panic("boom") }

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &countingSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	// Methods on nil are no-ops.
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 || d.Delivered() != 0 {
		t.Fatal("expected zero counters on nil dispatcher")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, sink)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), Event{EventType: "login_failure"})
	}
	d.Close()

	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected 50 delivered events, got %d", got)
	}
	if d.Delivered() != 50 {
		t.Fatalf("expected Delivered()=50, got %d", d.Delivered())
	}

	// Emit after Close is ignored.
	d.Emit(context.Background(), Event{EventType: "late"})
	if got := sink.count.Load(); got != 50 {
		t.Fatalf("expected no delivery after close, got %d", got)
	}
}

func TestDropIfFull(t *testing.T) {
	sink := &gateSink{gate: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// One event is held by the blocked sink, one fills the buffer.
	d.Emit(context.Background(), Event{EventType: "a"})
	deadline := time.Now().Add(time.Second)
	for len(d.ch) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Emit(context.Background(), Event{EventType: "b"})
	d.Emit(context.Background(), Event{EventType: "c"})
	d.Emit(context.Background(), Event{EventType: "d"})

	if d.Dropped() != 2 {
		t.Fatalf("expected 2 dropped events, got %d", d.Dropped())
	}
	close(sink.gate)
	d.Close()
}

func TestPanickingSinkCountsAsDropped(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, panicSink{})
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()

	if d.Dropped() != 1 {
		t.Fatalf("expected panicking delivery to count as dropped, got %d", d.Dropped())
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), Event{
		EventType: "account_locked",
		UserID:    "u1",
		Metadata:  map[string]string{"until": "2026-03-01T09:30:00Z"},
	})

	line := strings.TrimSpace(buf.String())
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.EventType != "account_locked" || got.UserID != "u1" || got.Metadata["until"] == "" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(context.Background(), Event{EventType: "login_success", Success: true, UserID: "u1"})
	sink.Emit(context.Background(), Event{EventType: "refresh_reuse_detected", FamilyID: "F", IP: "10.0.0.9"})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "login_success" {
		t.Fatalf("unexpected first entry: %+v", entries[0].Entry)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected failure at warn, got %s", entries[1].Level)
	}
	if entries[1].ContextMap()["family_id"] != "F" {
		t.Fatalf("expected family_id field, got %v", entries[1].ContextMap())
	}
	if entries[0].LoggerName != "security" {
		t.Fatalf("expected security logger, got %q", entries[0].LoggerName)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	MultiSink{a, nil, b}.Emit(context.Background(), Event{})
	if a.count.Load() != 1 || b.count.Load() != 1 {
		t.Fatal("expected both sinks to receive the event")
	}
}
