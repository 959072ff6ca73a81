// Package logbridge implements a slog.Handler that tees every log record
// onto the event bus as a log_entry event (spec §4.2), in addition to
// passing it through to an underlying handler for the process's own
// stderr/file output. It lets SSE subscribers replay recent daemon log
// output the same way they replay avrcp_event/mpris_event.
package logbridge

import (
	"context"
	"log/slog"

	"github.com/micro-nova/btaudiod/internal/events"
)

// Handler wraps a slog.Handler, publishing every handled record to a bus
// topic before delegating to the wrapped handler.
type Handler struct {
	next   slog.Handler
	bus    *events.Bus
	logger string
}

// New wraps next, publishing every record it handles to bus as
// events.TopicLogEntry. logger tags the LogEntryPayload's Logger field.
func New(next slog.Handler, bus *events.Bus, logger string) *Handler {
	return &Handler{next: next, bus: bus, logger: logger}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	h.bus.Publish(events.TopicLogEntry, events.LogEntryPayload{
		MonotonicTS: record.Time.UnixMilli(),
		Level:       record.Level.String(),
		Logger:      h.logger,
		Message:     record.Message,
	})
	return h.next.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), bus: h.bus, logger: h.logger}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), bus: h.bus, logger: h.logger}
}
