// Package keepalive pipes short, inaudible audio bursts to a device's
// PulseAudio sink to prevent Bluetooth Classic speakers from suspending
// their A2DP link during silence (spec §4.7). Grounded on the PCM burst
// construction of original_source's audio synthesis helpers, adapted from
// Python's numpy-generated buffers to a small hand-rolled PCM writer piped
// into `pacat`.
package keepalive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"
)

func osEnviron() []string { return os.Environ() }

// Method selects the waveform written to the sink.
type Method string

const (
	MethodSilence    Method = "silence"
	MethodInfrasound Method = "infrasound"
)

const (
	tickInterval    = 5 * time.Second
	degradedTick    = 30 * time.Second
	burstDuration   = time.Second
	sampleRate      = 44100
	infrasoundHz    = 2.0
	infrasoundAmp   = 0.05 // low amplitude, well below audible-loudness levels
	failuresToDegrade = 3
)

// Runner pipes a PCM buffer to a named sink via `pacat`, given a
// PULSE_SERVER address. Exists so tests can substitute a fake runner.
type Runner func(ctx context.Context, sinkName, server string, pcm []byte) error

// KeepAlive periodically streams a short audio burst to one device's sink
// on a timer, degrading its retry interval after repeated failures.
type KeepAlive struct {
	sinkName string
	server   string
	method   Method
	run      Runner

	tick     time.Duration
	degraded time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	doneCh  chan struct{}
	running bool
}

// New creates a KeepAlive for one device's sink. run defaults to
// execPacat when nil.
func New(sinkName, server string, method Method, run Runner) *KeepAlive {
	if run == nil {
		run = execPacat
	}
	return &KeepAlive{sinkName: sinkName, server: server, method: method, run: run, tick: tickInterval, degraded: degradedTick}
}

// loopIntervalOverrideForTest shortens the tick/degraded intervals so tests
// don't have to wait real minutes for a degrade transition.
func (k *KeepAlive) loopIntervalOverrideForTest(d time.Duration) {
	k.tick = d
	k.degraded = d * 3
}

// Start begins the periodic burst loop. Calling Start while already
// running is a no-op.
func (k *KeepAlive) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.doneCh = make(chan struct{})
	k.running = true
	go k.loop(loopCtx)
}

// Stop cancels the loop and waits up to 2s for any in-flight burst to
// finish (spec §4.7).
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	cancel := k.cancel
	done := k.doneCh
	k.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("keepalive: stop timed out waiting for in-flight burst", "sink", k.sinkName)
	}
}

// Running reports whether the burst loop is active.
func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

func (k *KeepAlive) loop(ctx context.Context) {
	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
		close(k.doneCh)
	}()

	pcm := buildBurst(k.method)
	interval := k.tick
	consecutiveFails := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		burstCtx, cancel := context.WithTimeout(ctx, burstDuration+2*time.Second)
		err := k.run(burstCtx, k.sinkName, k.server, pcm)
		cancel()

		if err != nil {
			consecutiveFails++
			slog.Warn("keepalive: burst failed", "sink", k.sinkName, "err", err, "consecutive_fails", consecutiveFails)
			if consecutiveFails >= failuresToDegrade {
				interval = k.degraded
			}
		} else {
			consecutiveFails = 0
			interval = k.tick
		}

		if ctx.Err() != nil {
			return
		}
		timer.Reset(interval)
	}
}

// buildBurst renders one second of 16-bit mono PCM at sampleRate: all
// zeros for MethodSilence, a low-amplitude 2Hz sine for MethodInfrasound.
func buildBurst(method Method) []byte {
	n := int(sampleRate * burstDuration.Seconds())
	buf := make([]byte, n*2)
	if method != MethodInfrasound {
		return buf // all-zero PCM
	}
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		sample := infrasoundAmp * math.Sin(2*math.Pi*infrasoundHz*t) * math.MaxInt16
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(sample)))
	}
	return buf
}

// execPacat pipes pcm into `pacat --playback --raw` addressed at sinkName.
func execPacat(ctx context.Context, sinkName, server string, pcm []byte) error {
	cmd := exec.CommandContext(ctx, "pacat",
		"--playback",
		"--device="+sinkName,
		"--format=s16le",
		"--rate=44100",
		"--channels=1",
		"--raw",
	)
	if server != "" {
		cmd.Env = append(osEnviron(), "PULSE_SERVER="+server)
	}
	cmd.Stdin = bytes.NewReader(pcm)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pacat: %w: %s", err, string(out))
	}
	return nil
}
