// Package reconnect implements the per-device randomized exponential
// backoff schedule that drives automatic reconnection after an unexpected
// disconnect (spec §4.9), grounded on original_source's reconnect.py
// backoff/jitter formula and on this daemon's coordinator lock pattern for
// serializing against user-initiated connects.
package reconnect

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	firstAttemptDelay      = 10 * time.Second
	jitterFraction         = 0.20
	backoffMultiplier      = 1.5
	disruptionThreshold    = 2
	disruptionWindow       = 3 * time.Second
	disruptionSuppressTime = 60 * time.Second
)

// Decider answers the conditions the controller must check immediately
// before firing a connect attempt (spec §4.9: "conditions to actually
// issue a connect").
type Decider interface {
	AutoReconnectEnabled() bool
	DeviceAutoConnect(address string) (ok bool, inStore bool)
	Suppressed(address string) bool
}

// Connector performs the actual connect attempt under the coordinator's
// per-device lock.
type Connector func(ctx context.Context, address string) error

// StatusEmitter surfaces human-readable banners (spec §4.9: "a status
// event is emitted" on adapter disruption).
type StatusEmitter func(message string)

// Controller owns one backoff schedule per device.
type Controller struct {
	decider   Decider
	connect   Connector
	emit      StatusEmitter
	baseSec   func(address string) int
	capSec    func(address string) int

	mu         sync.Mutex
	timers     map[string]*time.Timer
	attempts   map[string]int
	cancels    map[string]context.CancelFunc
	disruption []time.Time // recent connected->disconnected transitions
	suppressUntil time.Time

	rng *rand.Rand
}

// New constructs a Controller. baseSec/capSec read the device's
// reconnect_interval_seconds / reconnect_max_backoff_seconds live so
// settings changes take effect on the next scheduling decision.
func New(decider Decider, connect Connector, emit StatusEmitter, baseSec, capSec func(address string) int) *Controller {
	return &Controller{
		decider: decider,
		connect: connect,
		emit:    emit,
		baseSec: baseSec,
		capSec:  capSec,
		timers:  make(map[string]*time.Timer),
		attempts: make(map[string]int),
		cancels: make(map[string]context.CancelFunc),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delayForAttempt computes the schedule per spec §4.9/§8: first attempt is
// fixed at 10s +/-20% jitter; subsequent attempts follow
// base*1.5^(attempt-1) with +/-20% jitter, capped at capSeconds.
func delayForAttempt(attempt int, baseSeconds, capSeconds int) time.Duration {
	var nominal float64
	if attempt <= 1 {
		nominal = firstAttemptDelay.Seconds()
	} else {
		nominal = float64(baseSeconds) * math.Pow(backoffMultiplier, float64(attempt-1))
		if cap := float64(capSeconds); nominal > cap {
			nominal = cap
		}
	}
	return time.Duration(nominal * float64(time.Second))
}

func jitter(rng *rand.Rand, d time.Duration) time.Duration {
	factor := 1 + (rng.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * factor)
}

// OnUnexpectedDisconnect schedules the first reconnect attempt for
// address, canceling any schedule already running for it. It also feeds
// the adapter-disruption guard (spec §4.9: "if >=2 devices transition
// connected -> disconnected within a 3s window").
func (c *Controller) OnUnexpectedDisconnect(ctx context.Context, address string) {
	c.recordDisruption()

	c.mu.Lock()
	c.attempts[address] = 0
	c.mu.Unlock()

	c.scheduleNext(ctx, address)
}

func (c *Controller) recordDisruption() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.disruption = append(c.disruption, now)
	cutoff := now.Add(-disruptionWindow)
	kept := c.disruption[:0]
	for _, t := range c.disruption {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.disruption = kept

	if len(c.disruption) >= disruptionThreshold && now.After(c.suppressUntil) {
		c.suppressUntil = now.Add(disruptionSuppressTime)
		c.disruption = nil
		if c.emit != nil {
			c.emit("Multiple devices disconnected — pausing automatic reconnects for 60s")
		}
		slog.Warn("reconnect: adapter disruption detected, suppressing reconnects", "for", disruptionSuppressTime)
	}
}

func (c *Controller) suppressedByDisruption() (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.suppressUntil) {
		return true, time.Until(c.suppressUntil)
	}
	return false, 0
}

// scheduleNext arms a timer for address's next attempt.
func (c *Controller) scheduleNext(ctx context.Context, address string) {
	c.mu.Lock()
	c.attempts[address]++
	attempt := c.attempts[address]
	base := c.baseSec(address)
	cap := c.capSec(address)
	c.mu.Unlock()

	delay := jitter(c.rng, delayForAttempt(attempt, base, cap))

	if suppressed, remaining := c.suppressedByDisruption(); suppressed {
		delay = remaining
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if old, ok := c.cancels[address]; ok {
		old()
	}
	c.cancels[address] = cancel
	timer := time.AfterFunc(delay, func() { c.fire(attemptCtx, address) })
	if old, ok := c.timers[address]; ok {
		old.Stop()
	}
	c.timers[address] = timer
	c.mu.Unlock()

	slog.Debug("reconnect: scheduled attempt", "address", address, "attempt", attempt, "delay", delay)
}

func (c *Controller) fire(ctx context.Context, address string) {
	if ctx.Err() != nil {
		return
	}
	if suppressed, _ := c.suppressedByDisruption(); suppressed {
		c.scheduleNext(ctx, address)
		return
	}
	if !c.decider.AutoReconnectEnabled() {
		return
	}
	autoConnect, inStore := c.decider.DeviceAutoConnect(address)
	if !autoConnect || !inStore {
		return
	}
	if c.decider.Suppressed(address) {
		return
	}

	if err := c.connect(ctx, address); err != nil {
		slog.Warn("reconnect: attempt failed", "address", address, "err", err)
		c.scheduleNext(ctx, address)
	}
}

// Cancel stops any pending schedule for address (spec: called on forget,
// user-initiated connect, or successful connect).
func (c *Controller) Cancel(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[address]; ok {
		cancel()
		delete(c.cancels, address)
	}
	if timer, ok := c.timers[address]; ok {
		timer.Stop()
		delete(c.timers, address)
	}
	delete(c.attempts, address)
}

// Bootstrap schedules the initial reconnect check for every auto-connect
// device at startup, staggered 0-2s apart to avoid a thundering herd
// against BlueZ (spec §4.10 step 10).
func (c *Controller) Bootstrap(ctx context.Context, addresses []string) {
	for _, addr := range addresses {
		delay := time.Duration(c.rng.Int63n(int64(2 * time.Second)))
		addr := addr
		time.AfterFunc(delay, func() {
			c.mu.Lock()
			c.attempts[addr] = 0
			c.mu.Unlock()
			c.fire(ctx, addr)
		})
	}
}
