package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/models"
)

// watchDeviceChanges runs for the lifetime of one BlueZ device wrapper,
// translating a Connected->false PropertiesChanged signal into an
// unexpected-disconnect callback unless the disconnect was user-initiated
// (spec §4.10 "Disconnect": "BlueZ-observed/unexpected" vs
// "User-initiated" are distinguished solely by who called Disconnect
// first).
func (c *Coordinator) watchDeviceChanges(address string, changes <-chan bluez.PropertyChange) {
	for change := range changes {
		if change.Property != "Connected" {
			continue
		}
		connected, ok := change.Value.(bool)
		if !ok || connected {
			continue
		}
		c.mu.Lock()
		rt, exists := c.rt[address]
		wasConnected := exists && rt.Connected
		userInitiated := c.suppressReconnect[address]
		c.mu.Unlock()
		if !wasConnected {
			continue
		}
		if userInitiated {
			continue // already handled by Disconnect()
		}
		c.handleUnexpectedDisconnect(address)
	}
}

// handleUnexpectedDisconnect runs the BlueZ-observed disconnect path: stop
// the timers/keep-alive/MPD side effects, mark the device disconnected,
// then hand off to the reconnect controller.
func (c *Coordinator) handleUnexpectedDisconnect(address string) {
	lock := c.deviceLock(address)
	lock.Lock()
	c.teardownDeviceSideEffects(address)
	c.mu.Lock()
	if rt, ok := c.rt[address]; ok {
		rt.Connected = false
		now := time.Now().UTC()
		rt.LastDisconnectedAt = &now
	}
	c.mu.Unlock()
	lock.Unlock()

	c.emitDevicesChanged()
	slog.Warn("coordinator: unexpected disconnect", "address", address)
	c.reconnectCtl.OnUnexpectedDisconnect(context.Background(), address)
}

// Disconnect performs a user-initiated disconnect (spec §4.10 "Disconnect
// -- User-initiated"): suppress_reconnect is set so the property-change
// watcher and reconnect controller both treat the coming Connected=false
// signal as expected.
func (c *Coordinator) Disconnect(ctx context.Context, address string) error {
	lock := c.deviceLock(address)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	rt, ok := c.rt[address]
	dev, hasDev := c.bzdev[address]
	c.mu.Unlock()
	if !ok {
		return models.NewCoreError(models.ErrNotFound, "unknown device", address)
	}

	c.mu.Lock()
	c.suppressReconnect[address] = true
	c.mu.Unlock()
	c.reconnectCtl.Cancel(address)

	c.teardownDeviceSideEffects(address)

	if hasDev {
		if err := dev.Disconnect(ctx); err != nil {
			slog.Warn("coordinator: bluez disconnect failed", "address", address, "err", err)
		}
	}

	c.mu.Lock()
	rt.Connected = false
	now := time.Now().UTC()
	rt.LastDisconnectedAt = &now
	c.mu.Unlock()

	c.emitDevicesChanged()
	return nil
}

// teardownDeviceSideEffects cancels idle-mode timers and stops the
// keep-alive loop and MPD supervisor for address, if running. Called by
// both disconnect paths and by Shutdown.
func (c *Coordinator) teardownDeviceSideEffects(address string) {
	c.mu.Lock()
	if t, ok := c.idleTimers[address]; ok {
		t.Stop()
		delete(c.idleTimers, address)
	}
	ka, hasKA := c.keepalives[address]
	if hasKA {
		delete(c.keepalives, address)
	}
	sup, hasMpd := c.mpdSup[address]
	if hasMpd {
		delete(c.mpdSup, address)
	}
	delete(c.idlePhases, address)
	if rt, ok := c.rt[address]; ok {
		rt.KeepAliveActive = false
		rt.MpdRunning = false
	}
	c.mu.Unlock()

	if hasKA {
		ka.Stop()
	}
	if hasMpd {
		if err := sup.Stop(); err != nil {
			slog.Warn("coordinator: mpd stop failed", "address", address, "err", err)
		}
		if err := c.store.ReleaseMpdPort(address); err != nil {
			slog.Warn("coordinator: release mpd port failed", "address", address, "err", err)
		}
	}
}

// Forget removes a device permanently: it is first put through
// user-disconnect semantics (safe even if it was never connected), then
// removed from BlueZ, then removed from the store (spec §4.10 "Forget";
// safe on discovered-only devices that were never persisted).
func (c *Coordinator) Forget(ctx context.Context, address string) error {
	// Device's bool return means "known to the coordinator", not
	// "connected" — Disconnect is called unconditionally on any known
	// device since it is idempotent-safe when already disconnected and
	// Forget wants user-disconnect semantics applied regardless of current
	// connection state.
	if _, found := c.Device(address); found {
		if err := c.Disconnect(ctx, address); err != nil {
			slog.Warn("coordinator: disconnect during forget failed", "address", address, "err", err)
		}
	}
	c.reconnectCtl.Cancel(address)

	c.mu.Lock()
	dev, hasDev := c.bzdev[address]
	cancel, hasWatch := c.watchCancel[address]
	delete(c.bzdev, address)
	delete(c.watchCancel, address)
	delete(c.rt, address)
	delete(c.suppressReconnect, address)
	delete(c.locks, address)
	c.mu.Unlock()

	if hasWatch {
		cancel()
	}
	if hasDev {
		dev.Destroy()
		if err := c.adapter.RemoveDevice(ctx, dev.Path()); err != nil {
			slog.Warn("coordinator: bluez RemoveDevice failed", "address", address, "err", err)
		}
	}

	if _, exists := c.store.Device(address); exists {
		if err := c.store.RemoveDevice(address); err != nil {
			return err
		}
	}

	c.emitDevicesChanged()
	return nil
}
