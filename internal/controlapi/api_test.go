package controlapi

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/store"
)

// fakeCoordinator is an in-memory double of the Coordinator interface so
// Api's command surface can be exercised without BlueZ/PulseAudio.
type fakeCoordinator struct {
	mu sync.Mutex

	devices map[string]models.RuntimeDevice

	switchAdapterCalls []struct {
		selector  string
		forgetAll bool
	}
	scanDuration   int
	scanErr        error
	pairAddr       string
	connectAddr    string
	disconnectAddr string
	forgetAddr     string
	forceReconAddr string
	syncCalls      int
	shutdownCalls  int
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{devices: make(map[string]models.RuntimeDevice)}
}

func (f *fakeCoordinator) ListDevices() []models.RuntimeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RuntimeDevice, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}

func (f *fakeCoordinator) Device(address string) (models.RuntimeDevice, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[address]
	return d, ok
}

func (f *fakeCoordinator) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return []bluez.AdapterInfo{{Address: "AA:00:00:00:00:01", Name: "hci0", Powered: true}}, nil
}

func (f *fakeCoordinator) SwitchAdapter(ctx context.Context, selector string, forgetAll bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchAdapterCalls = append(f.switchAdapterCalls, struct {
		selector  string
		forgetAll bool
	}{selector, forgetAll})
	return nil
}

func (f *fakeCoordinator) StartScan(ctx context.Context, durationSeconds int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanDuration = durationSeconds
	return f.scanErr
}

func (f *fakeCoordinator) ScanStatus() (bool, time.Duration) { return false, 0 }

func (f *fakeCoordinator) Pair(ctx context.Context, address, name string) error {
	f.pairAddr = address
	return nil
}

func (f *fakeCoordinator) Connect(ctx context.Context, address string) error {
	f.connectAddr = address
	return nil
}

func (f *fakeCoordinator) Disconnect(ctx context.Context, address string) error {
	f.disconnectAddr = address
	return nil
}

func (f *fakeCoordinator) Forget(ctx context.Context, address string) error {
	f.forgetAddr = address
	return nil
}

func (f *fakeCoordinator) ForceReconnect(ctx context.Context, address string) error {
	f.forceReconAddr = address
	return nil
}

func (f *fakeCoordinator) SyncFromStore() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
}

func (f *fakeCoordinator) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownCalls++
}

var _ Coordinator = (*fakeCoordinator)(nil)

// fakeStore is a minimal in-memory store.Store double.
type fakeStore struct {
	mu       sync.Mutex
	devices  map[string]models.PersistedDevice
	settings models.GlobalSettings
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]models.PersistedDevice), settings: models.DefaultGlobalSettings()}
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
	if patch.Name != nil {
		d.Name = *patch.Name
	}
	if patch.AutoConnect != nil {
		d.AutoConnect = *patch.AutoConnect
	}
	f.devices[address] = d
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

func newTestApi() (*Api, *fakeCoordinator, *fakeStore) {
	coord := newFakeCoordinator()
	st := newFakeStore()
	bus := events.NewBus()
	return New(coord, st, bus), coord, st
}

func TestSetAdapter_RequestsRestart(t *testing.T) {
	api, coord, _ := newTestApi()

	if err := api.SetAdapter(context.Background(), "hci1", true); err != nil {
		t.Fatalf("SetAdapter() error = %v", err)
	}

	if len(coord.switchAdapterCalls) != 1 {
		t.Fatalf("SwitchAdapter called %d times, want 1", len(coord.switchAdapterCalls))
	}
	if got := coord.switchAdapterCalls[0]; got.selector != "hci1" || !got.forgetAll {
		t.Errorf("SwitchAdapter called with %+v, want selector=hci1 forgetAll=true", got)
	}

	select {
	case code := <-api.ExitRequests():
		if code != ExitRestartRequired {
			t.Errorf("exit code = %d, want %d", code, ExitRestartRequired)
		}
	default:
		t.Error("SetAdapter did not request an exit")
	}
}

func TestStartScan_DefaultsDurationFromSettings(t *testing.T) {
	api, coord, st := newTestApi()
	settings := st.Settings()
	settings.ScanDurationSeconds = 45
	if err := st.PutSettings(settings); err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}

	got, err := api.StartScan(context.Background(), 0)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if got != 45 {
		t.Errorf("StartScan(0) duration = %d, want 45 (from settings)", got)
	}
	if coord.scanDuration != 45 {
		t.Errorf("coordinator saw scan duration %d, want 45", coord.scanDuration)
	}
}

func TestStartScan_ExplicitDurationOverridesSettings(t *testing.T) {
	api, coord, _ := newTestApi()

	got, err := api.StartScan(context.Background(), 10)
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if got != 10 {
		t.Errorf("StartScan(10) duration = %d, want 10", got)
	}
	if coord.scanDuration != 10 {
		t.Errorf("coordinator saw scan duration %d, want 10", coord.scanDuration)
	}
}

func TestUpdateDeviceSettings_SyncsCoordinatorFromStore(t *testing.T) {
	api, coord, st := newTestApi()
	address := "AA:BB:CC:DD:EE:01"
	st.devices[address] = models.DefaultPersistedDevice(address, "speaker")

	raw, err := json.Marshal(map[string]any{"name": "renamed"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	updated, err := api.UpdateDeviceSettings(context.Background(), address, raw)
	if err != nil {
		t.Fatalf("UpdateDeviceSettings() error = %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("updated.Name = %q, want %q", updated.Name, "renamed")
	}
	if coord.syncCalls != 1 {
		t.Errorf("SyncFromStore called %d times, want 1", coord.syncCalls)
	}
}

func TestUpdateDeviceSettings_RejectsUnknownKey(t *testing.T) {
	api, _, st := newTestApi()
	address := "AA:BB:CC:DD:EE:02"
	st.devices[address] = models.DefaultPersistedDevice(address, "speaker")

	raw, err := json.Marshal(map[string]any{"totally_unknown_field": true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if _, err := api.UpdateDeviceSettings(context.Background(), address, raw); err == nil {
		t.Error("UpdateDeviceSettings with an unknown key returned nil error, want rejection")
	}
}

func TestPutSettings_PersistsPatch(t *testing.T) {
	api, _, st := newTestApi()

	raw, err := json.Marshal(map[string]any{"auto_reconnect": false})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	next, err := api.PutSettings(raw)
	if err != nil {
		t.Fatalf("PutSettings() error = %v", err)
	}
	if next.AutoReconnect {
		t.Error("PutSettings() result AutoReconnect = true, want false")
	}
	if st.Settings().AutoReconnect {
		t.Error("PutSettings() did not persist to the store")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	api, _, _ := newTestApi()

	id, ch, replay := api.Subscribe()
	if id == "" {
		t.Fatal("Subscribe() returned empty id")
	}
	if ch == nil {
		t.Fatal("Subscribe() returned nil channel")
	}
	if replay == nil {
		t.Fatal("Subscribe() returned nil replay map")
	}

	api.Unsubscribe(id)
}

func TestForgetDisconnectConnectDelegateToCoordinator(t *testing.T) {
	api, coord, _ := newTestApi()
	address := "AA:BB:CC:DD:EE:03"

	if err := api.Connect(context.Background(), address); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if coord.connectAddr != address {
		t.Errorf("coordinator.connectAddr = %q, want %q", coord.connectAddr, address)
	}

	if err := api.Disconnect(context.Background(), address); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if coord.disconnectAddr != address {
		t.Errorf("coordinator.disconnectAddr = %q, want %q", coord.disconnectAddr, address)
	}

	if err := api.Forget(context.Background(), address); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if coord.forgetAddr != address {
		t.Errorf("coordinator.forgetAddr = %q, want %q", coord.forgetAddr, address)
	}

	if err := api.ForceReconnect(context.Background(), address); err != nil {
		t.Fatalf("ForceReconnect() error = %v", err)
	}
	if coord.forceReconAddr != address {
		t.Errorf("coordinator.forceReconAddr = %q, want %q", coord.forceReconAddr, address)
	}
}
