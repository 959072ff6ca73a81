package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/mpd"
	"github.com/micro-nova/btaudiod/internal/pulse"
)

const (
	transportWaitTimeout   = 10 * time.Second
	sinkWaitTimeout        = 30 * time.Second
	avrcpRetryAttempts     = 3
	avrcpRetryInterval     = 2 * time.Second
	avrcpFailureCooldown   = 60 * time.Second
)

// Pair pairs and trusts a device discovered during a scan window, then
// persists it with default settings (spec §4.10/§4.11 "pair" command).
// Pairing a device that is already paired is idempotent. address must
// already have a registered BlueZ device object, which scan polling
// installs as soon as the device is first seen over the air.
func (c *Coordinator) Pair(ctx context.Context, address, name string) error {
	lock := c.deviceLock(address)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	dev, ok := c.bzdev[address]
	c.mu.Unlock()
	if !ok {
		return models.NewCoreError(models.ErrNotFound, "device not seen during a scan", address)
	}

	if err := dev.Pair(ctx); err != nil {
		var ce *models.CoreError
		if !errors.As(err, &ce) || ce.Kind != models.ErrAlreadyPaired {
			return err
		}
	}
	if err := dev.SetTrusted(ctx, true); err != nil {
		slog.Warn("coordinator: SetTrusted failed after pairing", "address", address, "err", err)
	}

	if _, exists := c.store.Device(address); !exists {
		pd := models.DefaultPersistedDevice(address, name)
		if err := c.store.UpsertDevice(pd); err != nil {
			return err
		}
		c.mu.Lock()
		if rt, ok := c.rt[address]; ok {
			rt.PersistedDevice = pd
			rt.AutoConnect = true
		} else {
			c.rt[address] = &models.RuntimeDevice{PersistedDevice: pd, PresentInBluez: true}
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	if rt, ok := c.rt[address]; ok {
		rt.PairedInBluez = true
	}
	c.mu.Unlock()

	c.emitDevicesChanged()
	return nil
}

// Connect drives a device from disconnected to fully connected: BlueZ
// Device1.Connect, media transport wait, AVRCP subscription, PulseAudio
// profile activation, sink wait, idle-mode + MPD startup (spec §4.10
// "Connect"). It is used both for user-initiated connects (via ControlApi)
// and for the reconnect controller's automatic attempts, so it is the sole
// place that ever calls BlueZ's Connect method.
func (c *Coordinator) Connect(ctx context.Context, address string) error {
	// step 1: cancel any scheduled reconnect and lift suppression, since a
	// connect attempt (of any origin) supersedes a pending automatic one.
	c.reconnectCtl.Cancel(address)
	c.mu.Lock()
	delete(c.suppressReconnect, address)
	c.mu.Unlock()

	// step 2: acquire the per-device lock, mark transitioning + connecting.
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
	if !hasDev {
		return models.NewCoreError(models.ErrDeviceUnreachable, "device has no BlueZ object (never seen on this adapter)", address)
	}

	c.mu.Lock()
	rt.Transitioning = true
	c.connecting[address] = true
	c.mu.Unlock()
	c.emitDevicesChanged()
	defer func() {
		c.mu.Lock()
		rt.Transitioning = false
		delete(c.connecting, address)
		c.mu.Unlock()
		c.emitDevicesChanged()
	}()

	// step 3: BlueZ connect, retrying once on a Busy error.
	if err := c.connectWithBusyRetry(ctx, dev); err != nil {
		return err
	}

	// step 4: wait up to 10s for MediaTransport1 to appear.
	if !c.waitForTransport(ctx, dev, transportWaitTimeout) {
		slog.Warn("coordinator: no media transport appeared after connect", "address", address)
	}

	// step 5: subscribe to AVRCP MediaPlayer signals, retrying up to 3
	// times at 2s intervals, backing off entirely for 60s after all
	// retries are exhausted (spec §4.10 step 5's degrade path).
	avrcpAvailable := c.trySubscribeAvrcp(ctx, address, dev)

	// step 6: activate the PulseAudio profile with a fallback ladder.
	if err := c.activateProfile(ctx, dev, address, string(rt.AudioProfile)); err != nil {
		c.teardownFailedConnect(ctx, dev)
		return err
	}

	// step 7: wait up to 30s for the sink to appear.
	sinkName := pulse.SinkNameFor(address, string(rt.AudioProfile))
	name, ok := pulse.WaitForSink(ctx, c.pulseClient, address, sinkWaitTimeout, func() bool {
		connected, err := dev.IsConnected(ctx)
		return err == nil && connected
	})
	if !ok {
		c.teardownFailedConnect(ctx, dev)
		return models.NewCoreError(models.ErrSinkTimeout, "", address)
	}
	sinkName = name

	// Mid-flight abort: BlueZ may have dropped the connection while we
	// were waiting on Pulse. Check once more before committing to the
	// idle-mode/MPD side effects.
	if connected, err := dev.IsConnected(ctx); err != nil || !connected {
		c.teardownFailedConnect(ctx, dev)
		return models.NewCoreError(models.ErrDeviceUnreachable, "device disconnected during connect", address)
	}

	c.mu.Lock()
	rt.Connected = true
	rt.AvrcpAvailable = avrcpAvailable
	now := time.Now().UTC()
	rt.LastConnectedAt = &now
	c.mu.Unlock()

	c.player.SetActiveDevice(address)

	// step 8: apply idle-mode.
	c.setIdlePhase(address, phaseIdleDefault)
	if err := c.pollSinkOnce(ctx, address, sinkName); err != nil {
		slog.Warn("coordinator: initial sink poll after connect failed", "address", address, "err", err)
	}

	// step 9: start MPD if enabled.
	if rt.MpdEnabled {
		if err := c.startMpd(ctx, address, sinkName); err != nil {
			slog.Warn("coordinator: mpd start failed", "address", address, "err", err)
		}
	}

	slog.Info("coordinator: device connected", "address", address, "sink", sinkName, "avrcp", avrcpAvailable)
	c.emitDevicesChanged()
	return nil
}

// ForceReconnect runs disconnect immediately followed by connect for the
// same address (spec §4.11 "force-reconnect"). The two steps run back to
// back rather than under one held lock — Connect's own step 1 already
// cancels any reconnect schedule and Disconnect's teardown is synchronous,
// so no other operation can usefully interleave between them in practice.
func (c *Coordinator) ForceReconnect(ctx context.Context, address string) error {
	if err := c.Disconnect(ctx, address); err != nil {
		return err
	}
	return c.Connect(ctx, address)
}

func (c *Coordinator) connectWithBusyRetry(ctx context.Context, dev bluez.Device) error {
	err := dev.Connect(ctx)
	if err == nil {
		return nil
	}
	var ce *models.CoreError
	if errors.As(err, &ce) && ce.Kind == models.ErrBusy {
		time.Sleep(2 * time.Second)
		return dev.Connect(ctx)
	}
	return err
}

// waitForTransport polls FindTransportPath every 500ms until it succeeds,
// timeout elapses, or ctx is canceled.
func (c *Coordinator) waitForTransport(ctx context.Context, dev bluez.Device, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok, err := dev.FindTransportPath(ctx); err == nil && ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
	return false
}

// trySubscribeAvrcp polls for the device's MediaPlayer1 object. Failing
// all retries marks a 60s cooldown so repeated connect attempts against a
// speaker with no AVRCP support don't retry pointlessly on every connect.
func (c *Coordinator) trySubscribeAvrcp(ctx context.Context, address string, dev bluez.Device) bool {
	c.mu.Lock()
	lastFail, hasFail := c.lastAvrcpFailAt[address]
	c.mu.Unlock()
	if hasFail && time.Since(lastFail) < avrcpFailureCooldown {
		return false
	}

	for attempt := 1; attempt <= avrcpRetryAttempts; attempt++ {
		if _, ok, err := dev.FindMediaPlayerPath(ctx); err == nil && ok {
			return true
		}
		if attempt < avrcpRetryAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(avrcpRetryInterval):
			}
		}
	}
	c.mu.Lock()
	c.lastAvrcpFailAt[address] = time.Now()
	c.mu.Unlock()
	slog.Warn("coordinator: no AVRCP media player found after retries, degrading", "address", address)
	return false
}

// activateProfile drives the PulseAudio card into the device's configured
// profile via the three-step fallback ladder (spec §4.10 step 6): (a) a
// direct profile set, (b) an explicit BlueZ connect_profile(UUID) to force
// BlueZ to (re)advertise the profile to PulseAudio before retrying the
// direct set, (c) a PulseAudio Bluetooth-module reload before one final
// direct set. Any step that succeeds wins; exhausting all three is
// AudioProfileFailed.
func (c *Coordinator) activateProfile(ctx context.Context, dev bluez.Device, address, profile string) error {
	uuid := bluez.UUIDA2DPSink
	if profile == "hfp" {
		uuid = bluez.UUIDHFP
	}

	if err := c.pulseClient.SetCardProfile(ctx, address, profile); err == nil {
		return nil
	}

	if err := dev.ConnectProfile(ctx, uuid); err != nil {
		slog.Warn("coordinator: connect_profile fallback failed", "address", address, "profile", profile, "err", err)
	} else if err := c.pulseClient.SetCardProfile(ctx, address, profile); err == nil {
		slog.Info("coordinator: audio profile activated after connect_profile fallback", "address", address, "profile", profile)
		return nil
	}

	if err := c.pulseClient.ReloadBluetoothModule(ctx); err != nil {
		slog.Warn("coordinator: pulseaudio module reload fallback failed", "address", address, "err", err)
	} else if err := c.pulseClient.SetCardProfile(ctx, address, profile); err == nil {
		slog.Info("coordinator: audio profile activated after module reload fallback", "address", address, "profile", profile)
		return nil
	}

	return models.NewCoreError(models.ErrAudioProfileFailed, "", address)
}

// teardownFailedConnect undoes any partial side effects of a connect
// attempt that failed partway through, in reverse order of acquisition.
func (c *Coordinator) teardownFailedConnect(ctx context.Context, dev bluez.Device) {
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dev.Disconnect(dctx); err != nil {
		slog.Warn("coordinator: teardown disconnect failed", "address", dev.Address(), "err", err)
	}
}

func (c *Coordinator) startMpd(ctx context.Context, address, sinkName string) error {
	c.mu.Lock()
	rt := c.rt[address]
	c.mu.Unlock()
	if rt == nil {
		return fmt.Errorf("coordinator: unknown device %s", address)
	}

	port, err := c.store.AllocateMpdPort(address)
	if err != nil {
		return err
	}

	sup, err := mpd.New(mpd.Options{
		Address:   address,
		Port:      port,
		SinkName:  sinkName,
		ConfigDir: c.cfg.MpdConfigDir,
		Binary:    c.cfg.MpdBinary,
		OnFailed: func(addr string) {
			c.mu.Lock()
			if r, ok := c.rt[addr]; ok {
				r.MpdDegraded = true
				r.MpdRunning = false
			}
			c.mu.Unlock()
			c.emitDevicesChanged()
		},
	})
	if err != nil {
		c.store.ReleaseMpdPort(address)
		return err
	}
	if err := sup.Start(ctx); err != nil {
		c.store.ReleaseMpdPort(address)
		return err
	}

	// spec §4.8: mpd_hw_volume_pct is applied on this device's first-ever
	// MPD start only, not on every reconnect's fresh Supervisor.
	if !rt.MpdHwVolumeApplied {
		if err := sup.ApplyHardwareVolume(ctx, rt.MpdHwVolumePct); err != nil {
			slog.Warn("coordinator: apply mpd hw volume failed", "address", address, "err", err)
		} else {
			c.mu.Lock()
			rt.MpdHwVolumeApplied = true
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.mpdSup[address] = sup
	rt.MpdRunning = true
	rt.MpdDegraded = false
	c.mu.Unlock()
	return nil
}
