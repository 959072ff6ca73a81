package logbridge_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/logbridge"
)

func TestHandlePublishesLogEntry(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("test-logbridge")

	var buf bytes.Buffer
	next := slog.NewTextHandler(&buf, nil)
	logger := slog.New(logbridge.New(next, bus, "test"))

	logger.Info("hello world")

	select {
	case got := <-ch:
		if got.Topic != events.TopicLogEntry {
			t.Fatalf("got topic %q, want %q", got.Topic, events.TopicLogEntry)
		}
		payload, ok := got.Payload.(events.LogEntryPayload)
		if !ok {
			t.Fatalf("payload has type %T, want events.LogEntryPayload", got.Payload)
		}
		if payload.Message != "hello world" {
			t.Errorf("got message %q, want %q", payload.Message, "hello world")
		}
		if payload.Logger != "test" {
			t.Errorf("got logger %q, want %q", payload.Logger, "test")
		}
		if payload.Level != slog.LevelInfo.String() {
			t.Errorf("got level %q, want %q", payload.Level, slog.LevelInfo.String())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for log_entry event")
	}

	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("underlying handler did not receive record: %q", buf.String())
	}
}

func TestEnabledDelegatesToNext(t *testing.T) {
	bus := events.NewBus()
	next := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := logbridge.New(next, bus, "test")

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be disabled when next handler is configured for warn")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled when next handler is configured for warn")
	}
}
