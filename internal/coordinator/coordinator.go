// Package coordinator implements the central orchestrator of spec §4.10:
// it owns every device's runtime state, drives the BlueZ connect/disconnect
// lifecycle, the PulseAudio idle-mode state machine, and the MPD/keep-alive
// subprocesses that ride on top of a connected device. Every other
// component (ControlApi, the reconnect controller, the sink poller) calls
// back into the coordinator rather than touching BlueZ or PulseAudio
// directly, so the per-device lock here is the single serialization point
// spec §5 describes.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/keepalive"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/mpd"
	"github.com/micro-nova/btaudiod/internal/mpris"
	"github.com/micro-nova/btaudiod/internal/pulse"
	"github.com/micro-nova/btaudiod/internal/reconnect"
	"github.com/micro-nova/btaudiod/internal/store"
)

// Config carries the filesystem/process settings the coordinator needs at
// startup, separate from the persisted GlobalSettings the store owns.
type Config struct {
	DataDir      string
	MpdConfigDir string
	MpdBinary    string // defaults to "mpd"
}

// idlePhase names one state in the idle-mode machine of spec §4.10.
type idlePhase string

const (
	phasePlaying               idlePhase = "playing"
	phaseIdleDefault           idlePhase = "idle_default"
	phasePowerSavePending      idlePhase = "idle_power_save_pending"
	phaseIdlePowerSaved        idlePhase = "idle_power_saved"
	phaseIdleKeepAlive         idlePhase = "idle_keep_alive"
	phaseIdleAutoDiscPending   idlePhase = "idle_auto_disconnect_pending"
)

// Coordinator owns every managed device's runtime state and drives its
// lifecycle. All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg   Config
	store store.Store
	bus   *events.Bus

	conn        *dbus.Conn
	adapter     bluez.Adapter
	adapterInfo bluez.AdapterInfo
	unregisterAgent func()
	player      *mpris.Player
	pulseClient *pulse.Client
	reconnectCtl *reconnect.Controller

	mu                sync.Mutex
	rt                map[string]*models.RuntimeDevice
	bzdev             map[string]bluez.Device
	locks             map[string]*sync.Mutex
	connecting        map[string]bool
	suppressReconnect map[string]bool
	keepalives        map[string]*keepalive.KeepAlive
	mpdSup            map[string]*mpd.Supervisor
	idlePhases        map[string]idlePhase
	idleTimers        map[string]*time.Timer
	lastAvrcpFailAt   map[string]time.Time
	lastEmitted       []models.RuntimeDevice
	watchCancel       map[string]func()

	scanMu     sync.Mutex
	scanning   bool
	scanCancel context.CancelFunc
	scanUntil  time.Time

	shutdownOnce sync.Once
	pollerCancel context.CancelFunc
}

// New constructs a Coordinator. Call Start to run the boot sequence.
func New(cfg Config, st store.Store, bus *events.Bus) *Coordinator {
	return &Coordinator{
		cfg:               cfg,
		store:             st,
		bus:               bus,
		rt:                make(map[string]*models.RuntimeDevice),
		bzdev:             make(map[string]bluez.Device),
		locks:             make(map[string]*sync.Mutex),
		connecting:        make(map[string]bool),
		suppressReconnect: make(map[string]bool),
		keepalives:        make(map[string]*keepalive.KeepAlive),
		mpdSup:            make(map[string]*mpd.Supervisor),
		idlePhases:        make(map[string]idlePhase),
		idleTimers:        make(map[string]*time.Timer),
		lastAvrcpFailAt:   make(map[string]time.Time),
		watchCancel:       make(map[string]func()),
	}
}

// Start runs the 11-step boot sequence of spec §4.10 step-by-step, in
// order, aborting on any fatal step (adapter resolution, agent
// registration).
func (c *Coordinator) Start(ctx context.Context) error {
	// 1. load store
	doc, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("coordinator: load store: %w", err)
	}

	// 2. connect to the system bus
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return models.NewCoreError(models.ErrDbusUnavailable, "", err.Error())
	}
	c.conn = conn

	// 3. resolve adapter via the fallback chain
	info, err := bluez.ResolveAdapter(ctx, conn, doc.Settings.SelectedAdapter)
	if err != nil {
		return models.NewCoreError(models.ErrAdapterNotFound, "", err.Error())
	}
	if !info.Powered {
		return models.NewCoreError(models.ErrAdapterNotPowered, "", info.Address)
	}
	c.adapter = bluez.NewAdapter(conn, info.Path)
	c.adapterInfo = info
	slog.Info("coordinator: adapter resolved", "address", info.Address, "path", info.Path)

	// 4. register Agent + MprisPlayer
	unregister, err := bluez.RegisterAgent(conn)
	if err != nil {
		return fmt.Errorf("coordinator: register agent: %w", err)
	}
	c.unregisterAgent = unregister

	player, err := mpris.NewPlayer(conn, c.onMprisCommand)
	if err != nil {
		unregister()
		return fmt.Errorf("coordinator: register mpris player: %w", err)
	}
	c.player = player

	// 5. HFP is blocked by default: no BlueZ profile registration is ever
	// performed for HFP/HSP (spec §9 decision) — nothing to do here beyond
	// not calling any profile-registration API.

	// 6. connect PulseClient
	pulseClient, err := pulse.Resolve(ctx)
	if err != nil {
		return err
	}
	c.pulseClient = pulseClient

	// 7. construct RuntimeDevice entries + stale BlueZ cleanup
	if err := c.seedRuntimeDevices(ctx, doc.Devices); err != nil {
		slog.Warn("coordinator: seeding runtime devices had errors", "err", err)
	}

	// 8. adopt already-connected unmanaged devices happens inside
	// seedRuntimeDevices (any BlueZ device Connected=true is adopted
	// whether or not it was already in the store).

	// 9. start the sink poller
	pollCtx, pollCancel := context.WithCancel(ctx)
	c.pollerCancel = pollCancel
	go c.runSinkPoller(pollCtx)

	// 10. start ReconnectController + bootstrap
	c.reconnectCtl = reconnect.New(c, c.reconnectConnect, c.emitStatus,
		func(string) int { return c.store.Settings().ReconnectIntervalSeconds },
		func(string) int { return c.store.Settings().ReconnectMaxBackoffSeconds },
	)
	var autoAddrs []string
	c.mu.Lock()
	for addr, rt := range c.rt {
		if rt.AutoConnect && !rt.Connected {
			autoAddrs = append(autoAddrs, addr)
		}
	}
	c.mu.Unlock()
	c.reconnectCtl.Bootstrap(ctx, autoAddrs)

	// 11. apply idle-mode / start MPD for already-connected devices
	c.mu.Lock()
	var alreadyConnected []string
	for addr, rt := range c.rt {
		if rt.Connected {
			alreadyConnected = append(alreadyConnected, addr)
		}
	}
	c.mu.Unlock()
	for _, addr := range alreadyConnected {
		if err := c.finishConnectSideEffects(ctx, addr); err != nil {
			slog.Warn("coordinator: applying idle-mode/mpd to already-connected device failed", "address", addr, "err", err)
		}
	}

	c.emitDevicesChanged()
	slog.Info("coordinator: startup complete", "devices", len(c.rt))
	return nil
}

// seedRuntimeDevices builds the initial RuntimeDevice set from the store
// plus a live BlueZ enumeration, and removes BlueZ device objects that are
// paired in BlueZ, not connected, and absent from the store (stale cleanup, spec §4.10
// step 7: a device removed via another tool leaves a BlueZ object behind
// with no corresponding persisted record).
func (c *Coordinator) seedRuntimeDevices(ctx context.Context, persisted []models.PersistedDevice) error {
	discovered, err := bluez.ListDevices(ctx, c.conn, c.adapter.Path())
	if err != nil {
		return err
	}
	byAddress := make(map[string]bluez.DiscoveredDevice, len(discovered))
	type discRec struct {
		path dbus.ObjectPath
		snap bluez.DeviceSnapshot
	}
	discByAddr := make(map[string]discRec, len(discovered))
	for _, d := range discovered {
		discByAddr[d.Snapshot.Address] = discRec{path: d.Path, snap: d.Snapshot}
	}
	_ = byAddress

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pd := range persisted {
		rt := &models.RuntimeDevice{PersistedDevice: pd}
		if rec, ok := discByAddr[pd.Address]; ok {
			rt.PresentInBluez = true
			rt.PairedInBluez = rec.snap.Paired
			rt.Connected = rec.snap.Connected
			rt.UUIDs = rec.snap.UUIDs
			if rec.snap.RSSI != nil {
				v := int(*rec.snap.RSSI)
				rt.RSSI = &v
			}
			c.registerBluezDeviceLocked(pd.Address, rec.path)
			delete(discByAddr, pd.Address)
		}
		c.rt[pd.Address] = rt
	}

	// Anything left in discByAddr is present in BlueZ but not persisted.
	// A connected-but-unknown device is adopted read-only into runtime state
	// (visible to list-devices) without being auto-managed; a paired device
	// that is not connected is a stale BlueZ object and is removed through
	// the adapter; a device that is neither paired nor connected is simply
	// scan noise and ignored.
	for addr, rec := range discByAddr {
		if !rec.snap.Connected {
			if rec.snap.Paired {
				if err := c.adapter.RemoveDevice(ctx, rec.path); err != nil {
					slog.Warn("coordinator: stale BlueZ device cleanup failed", "address", addr, "err", err)
				} else {
					slog.Info("coordinator: removed stale BlueZ device", "address", addr)
				}
			}
			continue
		}
		rt := &models.RuntimeDevice{
			PersistedDevice: models.DefaultPersistedDevice(addr, rec.snap.Name),
			PresentInBluez:  true,
			PairedInBluez:   rec.snap.Paired,
			Connected:       rec.snap.Connected,
			UUIDs:           rec.snap.UUIDs,
		}
		rt.AutoConnect = false
		c.rt[addr] = rt
		c.registerBluezDeviceLocked(addr, rec.path)
		slog.Info("coordinator: adopted unmanaged BlueZ device", "address", addr, "connected", rec.snap.Connected)
	}

	return nil
}

// registerBluezDeviceLocked wraps the device at path and starts its
// property-change watch goroutine. Callers must hold c.mu.
func (c *Coordinator) registerBluezDeviceLocked(address string, path dbus.ObjectPath) {
	dev := bluez.NewDevice(c.conn, path, address)
	c.bzdev[address] = dev
	changes, cancel := dev.Subscribe()
	c.watchCancel[address] = cancel
	go c.watchDeviceChanges(address, changes)
}

func (c *Coordinator) onMprisCommand(cmd mpris.Command) {
	if cmd.AddressHint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.bus.Publish(events.TopicMprisEvent, events.MprisEventPayload{
		Address: &cmd.AddressHint,
		Command: cmd.Name,
	})
	c.mu.Lock()
	sup, ok := c.mpdSup[cmd.AddressHint]
	c.mu.Unlock()
	if !ok {
		return
	}
	switch cmd.Name {
	case "play", "pause", "stop", "next", "previous":
		if err := sup.Route(ctx, cmd.Name); err != nil {
			slog.Warn("coordinator: mpd route failed", "address", cmd.AddressHint, "command", cmd.Name, "err", err)
		}
	case "volume":
		if pct, ok := cmd.Detail.(int); ok {
			c.mu.Lock()
			rt := c.rt[cmd.AddressHint]
			c.mu.Unlock()
			if rt != nil {
				sinkName := pulse.SinkNameFor(cmd.AddressHint, string(rt.AudioProfile))
				if err := c.pulseClient.SetSinkVolume(ctx, sinkName, pct); err != nil {
					slog.Warn("coordinator: set sink volume failed", "address", cmd.AddressHint, "err", err)
				}
			}
		}
	}
}

// emitStatus publishes a human-readable banner on the status topic (used
// by the reconnect controller's adapter-disruption message).
func (c *Coordinator) emitStatus(message string) {
	msg := message
	c.bus.Publish(events.TopicStatus, events.StatusPayload{Message: &msg})
}

func (c *Coordinator) deviceLock(address string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[address]
	if !ok {
		l = &sync.Mutex{}
		c.locks[address] = l
	}
	return l
}

// ListDevices returns a snapshot of every runtime device, sorted by
// address for stable output.
func (c *Coordinator) ListDevices() []models.RuntimeDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() []models.RuntimeDevice {
	out := make([]models.RuntimeDevice, 0, len(c.rt))
	for _, rt := range c.rt {
		out = append(out, rt.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Device returns one runtime device by address.
func (c *Coordinator) Device(address string) (models.RuntimeDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.rt[address]
	if !ok {
		return models.RuntimeDevice{}, false
	}
	return rt.Snapshot(), true
}

// ListAdapters proxies to the bluez package for the ControlApi's
// list-adapters command.
func (c *Coordinator) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return bluez.ListAdapters(ctx, c.conn)
}

// PulsePing probes the PulseAudio connection resolved at startup, for the
// health monitor's liveness check.
func (c *Coordinator) PulsePing(ctx context.Context) error {
	return c.pulseClient.Ping(ctx)
}

// SyncFromStore refreshes every runtime device's persisted fields from the
// store. It is the store's onChange callback (spec §4.1's StoreChanged),
// covering both this process's own writes (update-device-settings) and,
// defensively, any external edit of paired_devices.json picked up by the
// store's file watcher.
func (c *Coordinator) SyncFromStore() {
	persisted := c.store.Devices()
	c.mu.Lock()
	for _, pd := range persisted {
		if rt, ok := c.rt[pd.Address]; ok {
			rt.PersistedDevice = pd
		}
	}
	c.mu.Unlock()
	c.emitDevicesChanged()
}

// emitDevicesChanged publishes a coalesced devices_changed event only when
// the snapshot actually differs from the last one emitted (spec §4.10:
// sink poller "coalesced devices_changed emission only on snapshot diff").
func (c *Coordinator) emitDevicesChanged() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	changed := !equalDeviceSnapshots(snap, c.lastEmitted)
	if changed {
		c.lastEmitted = snap
	}
	c.mu.Unlock()
	if !changed {
		return
	}
	c.bus.Publish(events.TopicDevicesChanged, events.DevicesChangedPayload{Devices: snap})
}

func equalDeviceSnapshots(a, b []models.RuntimeDevice) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalRuntimeDevice(a[i], b[i]) {
			return false
		}
	}
	return true
}

// equalRuntimeDevice compares the fields observers actually care about,
// avoiding a reflect.DeepEqual over pointer fields whose backing values
// are always fresh allocations from Snapshot().
func equalRuntimeDevice(a, b models.RuntimeDevice) bool {
	if a.Address != b.Address || a.Name != b.Name || a.AutoConnect != b.AutoConnect ||
		a.Connected != b.Connected || a.PresentInBluez != b.PresentInBluez ||
		a.PairedInBluez != b.PairedInBluez || a.SinkState != b.SinkState ||
		a.KeepAliveActive != b.KeepAliveActive || a.Transitioning != b.Transitioning ||
		a.MpdRunning != b.MpdRunning || a.MpdDegraded != b.MpdDegraded ||
		a.AvrcpAvailable != b.AvrcpAvailable || a.AudioProfile != b.AudioProfile ||
		a.IdleMode != b.IdleMode {
		return false
	}
	return true
}

// -- reconnect.Decider implementation --

func (c *Coordinator) AutoReconnectEnabled() bool {
	return c.store.Settings().AutoReconnect
}

func (c *Coordinator) DeviceAutoConnect(address string) (ok bool, inStore bool) {
	pd, found := c.store.Device(address)
	if !found {
		return false, false
	}
	return pd.AutoConnect, true
}

func (c *Coordinator) Suppressed(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressReconnect[address]
}

// reconnectConnect adapts Connect to the reconnect.Connector signature.
func (c *Coordinator) reconnectConnect(ctx context.Context, address string) error {
	return c.Connect(ctx, address)
}

// Shutdown tears the coordinator down: stops the sink poller, every MPD
// supervisor and keep-alive loop, unregisters the agent and MPRIS player,
// and closes the D-Bus connection.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		if c.pollerCancel != nil {
			c.pollerCancel()
		}
		c.mu.Lock()
		addrs := make([]string, 0, len(c.rt))
		for addr := range c.rt {
			addrs = append(addrs, addr)
		}
		c.mu.Unlock()
		for _, addr := range addrs {
			c.teardownDeviceSideEffects(addr)
		}
		if c.unregisterAgent != nil {
			c.unregisterAgent()
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

