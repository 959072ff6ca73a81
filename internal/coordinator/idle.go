package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/micro-nova/btaudiod/internal/keepalive"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/pulse"
)

const sinkPollInterval = 5 * time.Second

// runSinkPoller re-derives every connected device's sink state on a fixed
// 5s tick, driving the idle-mode state machine and emitting a coalesced
// devices_changed event only when something actually changed (spec §4.10
// "Sink poller").
func (c *Coordinator) runSinkPoller(ctx context.Context) {
	ticker := time.NewTicker(sinkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollAllSinks(ctx)
		}
	}
}

func (c *Coordinator) pollAllSinks(ctx context.Context) {
	c.mu.Lock()
	type target struct{ address, profile string }
	var targets []target
	for addr, rt := range c.rt {
		if rt.Connected {
			targets = append(targets, target{addr, string(rt.AudioProfile)})
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		sinkName := pulse.SinkNameFor(t.address, t.profile)
		if err := c.pollSinkOnce(ctx, t.address, sinkName); err != nil {
			slog.Debug("coordinator: sink poll failed", "address", t.address, "err", err)
		}
	}
	c.emitDevicesChanged()
}

func (c *Coordinator) pollSinkOnce(ctx context.Context, address, sinkName string) error {
	state, err := c.pulseClient.SinkStateFor(ctx, address)
	if err != nil {
		return err
	}
	c.mu.Lock()
	rt, ok := c.rt[address]
	if ok {
		rt.SinkState = models.SinkState(state)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.transitionIdle(ctx, address, sinkName, state)
	return nil
}

// finishConnectSideEffects applies the idle-mode and MPD startup steps to
// an already-connected device found at boot (spec §4.10 step 11).
func (c *Coordinator) finishConnectSideEffects(ctx context.Context, address string) error {
	c.mu.Lock()
	rt, ok := c.rt[address]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	sinkName := pulse.SinkNameFor(address, string(rt.AudioProfile))
	c.setIdlePhase(address, phaseIdleDefault)
	if err := c.pollSinkOnce(ctx, address, sinkName); err != nil {
		return err
	}
	if rt.MpdEnabled {
		return c.startMpd(ctx, address, sinkName)
	}
	return nil
}

// transitionIdle is the idle-mode state machine of spec §4.10: a device
// alternates between Playing (sink running) and one of four idle
// sub-states selected by its configured IdleMode once the sink goes idle,
// or drops out of the state machine entirely once the sink goes absent
// (spec §4.10 "Sink poller": "running -> absent or idle -> absent: treat
// as unexpected disconnect path").
func (c *Coordinator) transitionIdle(ctx context.Context, address, sinkName string, state pulse.SinkState) {
	c.mu.Lock()
	rt, ok := c.rt[address]
	if !ok {
		c.mu.Unlock()
		return
	}
	mode := rt.IdleMode
	phase := c.idlePhases[address]
	c.mu.Unlock()

	if state == pulse.SinkAbsent {
		c.cancelIdleTimer(address)
		if phase == phaseIdleKeepAlive {
			c.stopKeepAlive(address)
		}
		c.setIdlePhase(address, "")
		c.handleUnexpectedDisconnect(address)
		return
	}

	playing := state == pulse.SinkRunning

	if playing {
		if phase == phasePlaying {
			return
		}
		c.cancelIdleTimer(address)
		if phase == phaseIdlePowerSaved {
			if err := c.pulseClient.ResumeSink(ctx, sinkName); err != nil {
				slog.Warn("coordinator: resume sink failed", "address", address, "err", err)
			}
		}
		if phase == phaseIdleKeepAlive {
			c.stopKeepAlive(address)
		}
		c.setIdlePhase(address, phasePlaying)
		return
	}

	if phase != phasePlaying && phase != "" {
		return // already settled into an idle sub-state; timers own the rest
	}

	c.setIdlePhase(address, phaseIdleDefault)
	switch mode {
	case models.IdleDefault:
		// nothing further: the sink just sits idle until it either starts
		// playing again or the transport is torn down by the far end.
	case models.IdlePowerSave:
		c.setIdlePhase(address, phasePowerSavePending)
		delay := time.Duration(rt.PowerSaveDelaySec) * time.Second
		c.armIdleTimer(address, delay, func() { c.doPowerSave(sinkName, address) })
	case models.IdleKeepAlive:
		c.startKeepAlive(address, sinkName, rt.KeepAliveMethod)
		c.setIdlePhase(address, phaseIdleKeepAlive)
	case models.IdleAutoDisconnect:
		c.setIdlePhase(address, phaseIdleAutoDiscPending)
		delay := time.Duration(rt.AutoDisconnectMin) * time.Minute
		c.armIdleTimer(address, delay, func() { c.doAutoDisconnect(address) })
	}
}

func (c *Coordinator) setIdlePhase(address string, phase idlePhase) {
	c.mu.Lock()
	c.idlePhases[address] = phase
	c.mu.Unlock()
}

func (c *Coordinator) cancelIdleTimer(address string) {
	c.mu.Lock()
	if t, ok := c.idleTimers[address]; ok {
		t.Stop()
		delete(c.idleTimers, address)
	}
	c.mu.Unlock()
}

func (c *Coordinator) armIdleTimer(address string, delay time.Duration, fn func()) {
	c.cancelIdleTimer(address)
	if delay <= 0 {
		fn()
		return
	}
	t := time.AfterFunc(delay, fn)
	c.mu.Lock()
	c.idleTimers[address] = t
	c.mu.Unlock()
}

func (c *Coordinator) doPowerSave(sinkName, address string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.pulseClient.SuspendSink(ctx, sinkName); err != nil {
		slog.Warn("coordinator: suspend sink failed", "address", address, "err", err)
		return
	}
	c.setIdlePhase(address, phaseIdlePowerSaved)
	c.mu.Lock()
	delete(c.idleTimers, address)
	c.mu.Unlock()
	c.emitDevicesChanged()
}

// doAutoDisconnect tears an idle device down the same way Disconnect does,
// except it does NOT set suppress_reconnect: spec §4.10's idle-mode
// transition table requires Idle-AutoDisconnectPending -> Disconnected to
// leave "user-disconnect semantics NOT applied: reconnect permitted", so
// the reconnect controller is handed the disconnect exactly as it would be
// for a BlueZ-observed unexpected drop.
func (c *Coordinator) doAutoDisconnect(address string) {
	c.mu.Lock()
	delete(c.idleTimers, address)
	c.mu.Unlock()
	slog.Info("coordinator: auto-disconnecting idle device", "address", address)

	lock := c.deviceLock(address)
	lock.Lock()
	c.teardownDeviceSideEffects(address)

	c.mu.Lock()
	dev, hasDev := c.bzdev[address]
	// Set Connected false before issuing the BlueZ disconnect so the
	// property-change watcher's own Connected->false handling sees
	// wasConnected already false and does not also invoke
	// handleUnexpectedDisconnect for the same drop.
	if rt, ok := c.rt[address]; ok {
		rt.Connected = false
		now := time.Now().UTC()
		rt.LastDisconnectedAt = &now
	}
	c.mu.Unlock()

	if hasDev {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := dev.Disconnect(ctx); err != nil {
			slog.Warn("coordinator: auto-disconnect bluez disconnect failed", "address", address, "err", err)
		}
		cancel()
	}
	lock.Unlock()

	c.emitDevicesChanged()
	c.reconnectCtl.OnUnexpectedDisconnect(context.Background(), address)
}

func (c *Coordinator) startKeepAlive(address, sinkName string, method models.KeepAliveMethod) {
	c.mu.Lock()
	if _, running := c.keepalives[address]; running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	kaMethod := keepalive.MethodInfrasound
	if method == models.KeepAliveSilence {
		kaMethod = keepalive.MethodSilence
	}
	ka := keepalive.New(sinkName, c.pulseClient.Server(), kaMethod, nil)
	ka.Start(context.Background())

	c.mu.Lock()
	c.keepalives[address] = ka
	if rt, ok := c.rt[address]; ok {
		rt.KeepAliveActive = true
	}
	c.mu.Unlock()
}

func (c *Coordinator) stopKeepAlive(address string) {
	c.mu.Lock()
	ka, ok := c.keepalives[address]
	delete(c.keepalives, address)
	if rt, ok2 := c.rt[address]; ok2 {
		rt.KeepAliveActive = false
	}
	c.mu.Unlock()
	if ok {
		ka.Stop()
	}
}
