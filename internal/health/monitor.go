// Package health runs the periodic liveness probe of spec §7's fatal
// escalation path: PulseAudio is checked on a fixed interval, and if it
// stays unreachable past a configurable window the daemon treats it as
// fatal (spec §6 exit code 72). D-Bus/adapter loss after startup is
// handled by the coordinator's own reconnect and adapter-resolution
// paths (see DESIGN.md's "adapter hot-unplug" decision), not here — this
// package only watches the one dependency spec §7 explicitly calls out
// as needing a grace window.
package health

import (
	"context"
	"log/slog"
	"time"
)

const probeInterval = 10 * time.Second

// Prober checks whether PulseAudio is currently reachable.
type Prober func(ctx context.Context) error

// Service watches Prober on a fixed tick and escalates once it has failed
// continuously for longer than window, grounded on the teacher's
// maintenance.Service online-check goroutine (immediate first check,
// ticker loop, single state-change callback).
type Service struct {
	probe  Prober
	window time.Duration

	onUnavailable func(downSince time.Time)
	onRecovered   func()
}

// New builds a Service. onUnavailable fires exactly once when probe has
// failed continuously for window; onRecovered fires once when a
// previously-failing probe succeeds again (nil is fine if the caller
// doesn't care about recovery, e.g. because it's about to exit).
func New(probe Prober, window time.Duration, onUnavailable func(downSince time.Time), onRecovered func()) *Service {
	return &Service{probe: probe, window: window, onUnavailable: onUnavailable, onRecovered: onRecovered}
}

// Start blocks until ctx is canceled, running the probe loop.
func (s *Service) Start(ctx context.Context) {
	var downSince time.Time
	var escalated bool

	check := func() {
		err := s.probe(ctx)
		if err == nil {
			if !downSince.IsZero() {
				slog.Info("health: pulseaudio recovered", "down_for", time.Since(downSince))
				if escalated && s.onRecovered != nil {
					s.onRecovered()
				}
			}
			downSince = time.Time{}
			escalated = false
			return
		}

		if downSince.IsZero() {
			downSince = time.Now()
			slog.Warn("health: pulseaudio unreachable", "err", err)
		}
		if !escalated && time.Since(downSince) >= s.window {
			escalated = true
			slog.Error("health: pulseaudio unreachable past grace window", "window", s.window)
			if s.onUnavailable != nil {
				s.onUnavailable(downSince)
			}
		}
	}

	check()

	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
