package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/models"
)

const scanPollInterval = 2 * time.Second

// StartScan runs a discovery window of durationSeconds (or the persisted
// default when durationSeconds <= 0), surfacing newly seen devices as
// read-only runtime entries as they appear (spec §4.3, §4.11 "start-scan").
// Starting a scan while one is already running restarts the window rather
// than stacking two discovery sessions.
func (c *Coordinator) StartScan(ctx context.Context, durationSeconds int) error {
	c.scanMu.Lock()
	if c.scanning && c.scanCancel != nil {
		c.scanCancel()
	}
	if durationSeconds <= 0 {
		durationSeconds = c.store.Settings().ScanDurationSeconds
	}
	scanCtx, cancel := context.WithCancel(ctx)
	c.scanCancel = cancel
	c.scanning = true
	c.scanUntil = time.Now().Add(time.Duration(durationSeconds) * time.Second)
	c.scanMu.Unlock()

	if err := c.adapter.StartDiscovery(scanCtx, bluez.DefaultDiscoveryFilter()); err != nil {
		c.scanMu.Lock()
		c.scanning = false
		c.scanMu.Unlock()
		return err
	}

	c.bus.Publish(events.TopicScanStarted, events.ScanStartedPayload{DurationS: durationSeconds})
	go c.runScanWindow(scanCtx, time.Duration(durationSeconds)*time.Second)
	return nil
}

func (c *Coordinator) runScanWindow(ctx context.Context, duration time.Duration) {
	started := time.Now()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finishScan(started, "canceled")
			return
		case <-deadline.C:
			c.finishScan(started, "")
			return
		case <-ticker.C:
			c.pollDiscovered(ctx)
		}
	}
}

func (c *Coordinator) finishScan(started time.Time, errMsg string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.adapter.StopDiscovery(stopCtx); err != nil {
		slog.Warn("coordinator: stop discovery failed", "err", err)
	}
	c.scanMu.Lock()
	c.scanning = false
	c.scanMu.Unlock()
	elapsed := int(time.Since(started).Seconds())
	c.bus.Publish(events.TopicScanFinished, events.ScanFinishedPayload{DurationS: elapsed, Error: errMsg})
	c.emitDevicesChanged()
}

// pollDiscovered enumerates BlueZ's device list during an active scan and
// surfaces devices not yet in runtime state as read-only entries, without
// touching AutoConnect (a device only becomes managed through Pair).
func (c *Coordinator) pollDiscovered(ctx context.Context) {
	discovered, err := bluez.ListDevices(ctx, c.conn, c.adapter.Path())
	if err != nil {
		return
	}
	c.mu.Lock()
	for _, d := range discovered {
		addr := d.Snapshot.Address
		if addr == "" {
			continue
		}
		if _, exists := c.bzdev[addr]; !exists {
			c.registerBluezDeviceLocked(addr, d.Path)
		}
		rt, exists := c.rt[addr]
		if !exists {
			rt = &models.RuntimeDevice{PersistedDevice: models.DefaultPersistedDevice(addr, d.Snapshot.Name)}
			rt.AutoConnect = false
			c.rt[addr] = rt
		}
		rt.PresentInBluez = true
		rt.PairedInBluez = d.Snapshot.Paired
		rt.UUIDs = d.Snapshot.UUIDs
		if d.Snapshot.RSSI != nil {
			v := int(*d.Snapshot.RSSI)
			rt.RSSI = &v
		}
	}
	c.mu.Unlock()
	c.emitDevicesChanged()
}

// ScanStatus reports whether a scan is running and, if so, how long
// remains in the window (spec §4.11 "scan-status").
func (c *Coordinator) ScanStatus() (scanning bool, remaining time.Duration) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()
	if !c.scanning {
		return false, 0
	}
	remaining = time.Until(c.scanUntil)
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}
