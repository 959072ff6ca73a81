package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/controlapi"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/store"
)

// fakeCoordinator is a minimal double of controlapi.Coordinator.
type fakeCoordinator struct {
	mu      sync.Mutex
	devices map[string]models.RuntimeDevice

	connectAddr    string
	disconnectAddr string
	forgetAddr     string
	forceReconAddr string
	pairAddr       string
	switchSelector string
	switchForget   bool
	scanDuration   int
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
	f.switchSelector = selector
	f.switchForget = forgetAll
	return nil
}

func (f *fakeCoordinator) StartScan(ctx context.Context, durationSeconds int) error {
	f.scanDuration = durationSeconds
	return nil
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

func (f *fakeCoordinator) SyncFromStore() {}
func (f *fakeCoordinator) Shutdown()      {}

var _ controlapi.Coordinator = (*fakeCoordinator)(nil)

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

func newTestRouter() (http.Handler, *fakeCoordinator, *fakeStore) {
	coord := newFakeCoordinator()
	st := newFakeStore()
	bus := events.NewBus()
	api := controlapi.New(coord, st, bus)
	return NewRouter(api), coord, st
}

func TestListDevices_ReturnsJSONArray(t *testing.T) {
	router, coord, _ := newTestRouter()
	coord.devices["AA:BB:CC:DD:EE:01"] = models.RuntimeDevice{
		PersistedDevice: models.DefaultPersistedDevice("AA:BB:CC:DD:EE:01", "speaker"),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var got []models.RuntimeDevice
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v; body=%s", err, rec.Body.String())
	}
	if len(got) != 1 || got[0].Address != "AA:BB:CC:DD:EE:01" {
		t.Errorf("ListDevices response = %+v, want one device with that address", got)
	}
}

func TestGetDevice_NotFoundReturns404(t *testing.T) {
	router, _, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/devices/AA:BB:CC:DD:EE:99", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestConnectDisconnectForget_DelegateThroughRouter(t *testing.T) {
	router, coord, _ := newTestRouter()
	address := "AA:BB:CC:DD:EE:02"

	for _, tc := range []struct {
		method, path string
		want         *string
	}{
		{http.MethodPost, "/api/devices/" + address + "/connect", &coord.connectAddr},
		{http.MethodPost, "/api/devices/" + address + "/disconnect", &coord.disconnectAddr},
		{http.MethodDelete, "/api/devices/" + address, &coord.forgetAddr},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s status = %d, want 200; body=%s", tc.method, tc.path, rec.Code, rec.Body.String())
		}
		if *tc.want != address {
			t.Errorf("%s %s: coordinator recorded address %q, want %q", tc.method, tc.path, *tc.want, address)
		}
	}
}

func TestSetAdapter_ReturnsRestartRequired(t *testing.T) {
	router, coord, _ := newTestRouter()

	body, err := json.Marshal(map[string]any{"mac": "hci1", "clean": true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/adapters/select", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if coord.switchSelector != "hci1" || !coord.switchForget {
		t.Errorf("coordinator saw selector=%q forgetAll=%v, want hci1/true", coord.switchSelector, coord.switchForget)
	}
	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !resp["restart_required"] {
		t.Error(`response missing "restart_required": true`)
	}
}

func TestUpdateDeviceSettings_BadRequestOnUnknownKey(t *testing.T) {
	router, _, st := newTestRouter()
	address := "AA:BB:CC:DD:EE:03"
	st.devices[address] = models.DefaultPersistedDevice(address, "speaker")

	body, err := json.Marshal(map[string]any{"nonsense": true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPatch, "/api/devices/"+address, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d; body=%s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestSSEEvents_ReplaysBufferedEventsThenExitsOnContextDone(t *testing.T) {
	coord := newFakeCoordinator()
	st := newFakeStore()
	bus := events.NewBus()
	api := controlapi.New(coord, st, bus)
	router := NewRouter(api)

	addr := "AA:BB:CC:DD:EE:04"
	bus.Publish(events.TopicMprisEvent, events.MprisEventPayload{Address: &addr, Command: "play"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-canceled: the SSE loop replays, then exits on ctx.Done immediately.

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "mpris_event") {
		t.Errorf("SSE body missing replayed mpris_event, got: %s", rec.Body.String())
	}
}
