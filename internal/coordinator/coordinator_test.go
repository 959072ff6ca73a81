package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/pulse"
	"github.com/micro-nova/btaudiod/internal/reconnect"
	"github.com/micro-nova/btaudiod/internal/store"
)

// fakeStore is an in-memory store.Store double so coordinator tests never
// touch a filesystem.
type fakeStore struct {
	mu       sync.Mutex
	devices  map[string]models.PersistedDevice
	settings models.GlobalSettings
}

func newFakeStore(devices ...models.PersistedDevice) *fakeStore {
	fs := &fakeStore{
		devices:  make(map[string]models.PersistedDevice),
		settings: models.DefaultGlobalSettings(),
	}
	for _, d := range devices {
		fs.devices[d.Address] = d
	}
	return fs
}

func (f *fakeStore) Load() (models.Document, error) { return models.Document{}, nil }

func (f *fakeStore) Devices() []models.PersistedDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PersistedDevice, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeStore) Device(address string) (models.PersistedDevice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[address]
	return d, ok
}

func (f *fakeStore) UpsertDevice(d models.PersistedDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.Address] = d
	return nil
}

func (f *fakeStore) UpdateDevice(address string, patch models.DevicePatch) (models.PersistedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.devices[address]
	return d, nil
}

func (f *fakeStore) RemoveDevice(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, address)
	return nil
}

func (f *fakeStore) Settings() models.GlobalSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeStore) PutSettings(s models.GlobalSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *fakeStore) AllocateMpdPort(address string) (int, error) { return models.MpdPortMin, nil }
func (f *fakeStore) ReleaseMpdPort(address string) error         { return nil }
func (f *fakeStore) Path() string                                { return "" }
func (f *fakeStore) Close() error                                { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeAdapter is a no-op bluez.Adapter double.
type fakeAdapter struct {
	removed []dbus.ObjectPath
}

func (a *fakeAdapter) Path() dbus.ObjectPath { return "/org/bluez/hci0" }
func (a *fakeAdapter) Info(ctx context.Context) (bluez.AdapterInfo, error) {
	return bluez.AdapterInfo{}, nil
}
func (a *fakeAdapter) StartDiscovery(ctx context.Context, filter bluez.DiscoveryFilter) error {
	return nil
}
func (a *fakeAdapter) StopDiscovery(ctx context.Context) error { return nil }
func (a *fakeAdapter) RemoveDevice(ctx context.Context, devicePath dbus.ObjectPath) error {
	a.removed = append(a.removed, devicePath)
	return nil
}

var _ bluez.Adapter = (*fakeAdapter)(nil)

// newTestCoordinator builds a Coordinator with fake collaborators, skipping
// Start's D-Bus/PulseAudio/BlueZ bootstrap entirely. reconnectCtl is a real
// reconnect.Controller wired to a no-op connector so timer scheduling can be
// exercised without a live BlueZ adapter.
func newTestCoordinator(t *testing.T, st store.Store) *Coordinator {
	t.Helper()
	c := New(Config{}, st, events.NewBus())
	c.adapter = &fakeAdapter{}
	c.reconnectCtl = reconnect.New(c, c.reconnectConnect, c.emitStatus,
		func(string) int { return 30 },
		func(string) int { return 300 },
	)
	return c
}

func newRuntimeDevice(address string, connected bool, idleMode models.IdleMode) *models.RuntimeDevice {
	pd := models.DefaultPersistedDevice(address, "test-speaker")
	pd.IdleMode = idleMode
	return &models.RuntimeDevice{
		PersistedDevice: pd,
		PresentInBluez:  true,
		PairedInBluez:   true,
		Connected:       connected,
	}
}

// TestTransitionIdle_SinkAbsentRoutesToUnexpectedDisconnect covers spec
// §4.10's Sink poller requirement that running->absent and idle->absent both
// take the unexpected-disconnect path rather than arming an idle timer.
func TestTransitionIdle_SinkAbsentRoutesToUnexpectedDisconnect(t *testing.T) {
	address := "AA:BB:CC:DD:EE:01"
	rt := newRuntimeDevice(address, true, models.IdleAutoDisconnect)
	st := newFakeStore(rt.PersistedDevice)
	c := newTestCoordinator(t, st)
	c.rt[address] = rt
	c.setIdlePhase(address, phaseIdleDefault)
	t.Cleanup(func() { c.reconnectCtl.Cancel(address) })

	c.transitionIdle(context.Background(), address, "bluez_sink.test.a2dp_sink", pulse.SinkAbsent)

	c.mu.Lock()
	stillConnected := c.rt[address].Connected
	phase := c.idlePhases[address]
	_, timerArmed := c.idleTimers[address]
	c.mu.Unlock()

	if stillConnected {
		t.Error("transitionIdle(SinkAbsent) left Connected=true, want false (unexpected-disconnect path)")
	}
	if phase != "" {
		t.Errorf("idlePhases[address] = %q, want cleared", phase)
	}
	if timerArmed {
		t.Error("transitionIdle(SinkAbsent) armed an idle timer instead of routing to unexpected disconnect")
	}
}

// TestTransitionIdle_SinkAbsentFromIdleAlsoDisconnects covers the idle->absent
// half of the same requirement (not just running->absent), starting from an
// already-idle phase with keep-alive active to also confirm the keep-alive
// loop is torn down rather than left running against a vanished sink.
func TestTransitionIdle_SinkAbsentFromIdleAlsoDisconnects(t *testing.T) {
	address := "AA:BB:CC:DD:EE:02"
	rt := newRuntimeDevice(address, true, models.IdleKeepAlive)
	st := newFakeStore(rt.PersistedDevice)
	c := newTestCoordinator(t, st)
	c.rt[address] = rt
	c.setIdlePhase(address, phaseIdleKeepAlive)
	t.Cleanup(func() { c.reconnectCtl.Cancel(address) })

	c.transitionIdle(context.Background(), address, "bluez_sink.test.a2dp_sink", pulse.SinkAbsent)

	c.mu.Lock()
	stillConnected := c.rt[address].Connected
	phase := c.idlePhases[address]
	c.mu.Unlock()

	if stillConnected {
		t.Error("transitionIdle(SinkAbsent) from idle-keep-alive left Connected=true, want false")
	}
	if phase != "" {
		t.Errorf("idlePhases[address] = %q, want cleared", phase)
	}
}

// TestSwitchAdapter_ForgetAllOnlyScopesConnectedDevices covers spec §4.10's
// "Adapter switch" phase (1): forgetAll must only disconnect/forget
// currently-connected devices, leaving idle/never-connected pairings intact.
func TestSwitchAdapter_ForgetAllOnlyScopesConnectedDevices(t *testing.T) {
	connectedAddr := "AA:BB:CC:DD:EE:03"
	idleAddr := "AA:BB:CC:DD:EE:04"

	connectedRT := newRuntimeDevice(connectedAddr, true, models.IdleDefault)
	idleRT := newRuntimeDevice(idleAddr, false, models.IdleDefault)

	st := newFakeStore(connectedRT.PersistedDevice, idleRT.PersistedDevice)
	c := newTestCoordinator(t, st)
	c.rt[connectedAddr] = connectedRT
	c.rt[idleAddr] = idleRT

	if err := c.SwitchAdapter(context.Background(), "hci1", true); err != nil {
		t.Fatalf("SwitchAdapter() error = %v", err)
	}

	c.mu.Lock()
	_, connectedStillTracked := c.rt[connectedAddr]
	_, idleStillTracked := c.rt[idleAddr]
	c.mu.Unlock()

	if connectedStillTracked {
		t.Error("SwitchAdapter(forgetAll=true) left the connected device forgotten-but-still-tracked")
	}
	if !idleStillTracked {
		t.Error("SwitchAdapter(forgetAll=true) forgot an idle/never-connected device it should have left untouched")
	}

	if _, ok := st.Device(connectedAddr); ok {
		t.Error("SwitchAdapter(forgetAll=true) did not remove the connected device from the store")
	}
	if _, ok := st.Device(idleAddr); !ok {
		t.Error("SwitchAdapter(forgetAll=true) removed the idle device from the store, want untouched")
	}

	if got := st.Settings().SelectedAdapter; got != "hci1" {
		t.Errorf("SelectedAdapter = %q, want %q", got, "hci1")
	}
}

// TestSwitchAdapter_NonForgetDisconnectsWithoutForgetting covers the plain
// disconnect-only path: connected devices are disconnected but remain
// persisted, since forgetAll was not requested.
func TestSwitchAdapter_NonForgetDisconnectsWithoutForgetting(t *testing.T) {
	connectedAddr := "AA:BB:CC:DD:EE:05"
	connectedRT := newRuntimeDevice(connectedAddr, true, models.IdleDefault)
	st := newFakeStore(connectedRT.PersistedDevice)
	c := newTestCoordinator(t, st)
	c.rt[connectedAddr] = connectedRT

	if err := c.SwitchAdapter(context.Background(), "hci1", false); err != nil {
		t.Fatalf("SwitchAdapter() error = %v", err)
	}

	c.mu.Lock()
	rt, stillTracked := c.rt[connectedAddr]
	c.mu.Unlock()

	if !stillTracked {
		t.Fatal("SwitchAdapter(forgetAll=false) forgot a device it should have only disconnected")
	}
	if rt.Connected {
		t.Error("SwitchAdapter(forgetAll=false) left the device Connected=true, want disconnected")
	}
	if _, ok := st.Device(connectedAddr); !ok {
		t.Error("SwitchAdapter(forgetAll=false) removed the device from the store, want it persisted")
	}
}
