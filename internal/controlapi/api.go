// Package controlapi implements the in-process command/event surface of
// spec §4.11: every ControlApi command is a plain method on Api, returning
// either a result value or a *models.CoreError. Transport (HTTP/SSE, a
// CLI, whatever) is layered on top in internal/controlapi/httpapi; Api
// itself has no notion of requests or responses on the wire.
package controlapi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/micro-nova/btaudiod/internal/bluez"
	"github.com/micro-nova/btaudiod/internal/events"
	"github.com/micro-nova/btaudiod/internal/models"
	"github.com/micro-nova/btaudiod/internal/store"
)

// Coordinator is the subset of *coordinator.Coordinator the API depends
// on, kept as a local interface the way the teacher's internal/api keeps
// its own Controller interface, so tests can supply a stub.
type Coordinator interface {
	ListDevices() []models.RuntimeDevice
	Device(address string) (models.RuntimeDevice, bool)
	ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error)
	SwitchAdapter(ctx context.Context, selector string, forgetAll bool) error
	StartScan(ctx context.Context, durationSeconds int) error
	ScanStatus() (scanning bool, remaining time.Duration)
	Pair(ctx context.Context, address, name string) error
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context, address string) error
	Forget(ctx context.Context, address string) error
	ForceReconnect(ctx context.Context, address string) error
	SyncFromStore()
	Shutdown()
}

// Api is the ControlApi of spec §4.11. Restart requests are surfaced on
// the ExitRequests channel rather than calling os.Exit directly, so
// cmd/btaudiod owns the process-lifetime decision (spec §6's exit codes).
type Api struct {
	coord Coordinator
	store store.Store
	bus   *events.Bus

	exitRequests chan int
}

// ExitCode values match spec §6's process exit codes for the paths this
// package can trigger. Fatal startup codes (70/71/72) are set by
// cmd/btaudiod directly from Coordinator.Start's error, not from here.
const (
	ExitNormal          = 0
	ExitRestartRequired = 64
)

func New(coord Coordinator, st store.Store, bus *events.Bus) *Api {
	return &Api{
		coord:        coord,
		store:        st,
		bus:          bus,
		exitRequests: make(chan int, 1),
	}
}

// ExitRequests delivers the process exit code cmd/btaudiod should shut
// down with, exactly once per requested exit (an adapter switch or the
// "restart" command). The channel is never closed.
func (a *Api) ExitRequests() <-chan int {
	return a.exitRequests
}

func (a *Api) requestExit(code int) {
	select {
	case a.exitRequests <- code:
	default:
	}
}

// ListDevices returns the current RuntimeDevice snapshot.
func (a *Api) ListDevices() []models.RuntimeDevice {
	return a.coord.ListDevices()
}

// ListAdapters returns every adapter descriptor currently on the bus.
func (a *Api) ListAdapters(ctx context.Context) ([]bluez.AdapterInfo, error) {
	return a.coord.ListAdapters(ctx)
}

// SetAdapter implements "set-adapter": ack, restart_required=true.
func (a *Api) SetAdapter(ctx context.Context, mac string, clean bool) error {
	if err := a.coord.SwitchAdapter(ctx, mac, clean); err != nil {
		return err
	}
	a.requestExit(ExitRestartRequired)
	return nil
}

// StartScan implements "start-scan": ack, duration_s.
func (a *Api) StartScan(ctx context.Context, durationSeconds int) (int, error) {
	if durationSeconds <= 0 {
		durationSeconds = a.store.Settings().ScanDurationSeconds
	}
	if err := a.coord.StartScan(ctx, durationSeconds); err != nil {
		return 0, err
	}
	return durationSeconds, nil
}

// ScanStatusResult is the response shape of spec §4.11 "scan-status".
type ScanStatusResult struct {
	Scanning         bool `json:"scanning"`
	SecondsRemaining *int `json:"seconds_remaining,omitempty"`
}

func (a *Api) ScanStatus() ScanStatusResult {
	scanning, remaining := a.coord.ScanStatus()
	res := ScanStatusResult{Scanning: scanning}
	if scanning {
		s := int(remaining.Seconds())
		res.SecondsRemaining = &s
	}
	return res
}

func (a *Api) Pair(ctx context.Context, address, name string) error {
	return a.coord.Pair(ctx, address, name)
}

func (a *Api) Connect(ctx context.Context, address string) error {
	return a.coord.Connect(ctx, address)
}

func (a *Api) Disconnect(ctx context.Context, address string) error {
	return a.coord.Disconnect(ctx, address)
}

func (a *Api) Forget(ctx context.Context, address string) error {
	return a.coord.Forget(ctx, address)
}

func (a *Api) ForceReconnect(ctx context.Context, address string) error {
	return a.coord.ForceReconnect(ctx, address)
}

// UpdateDeviceSettings implements "update-device-settings": ack with the
// resulting PersistedDevice. The store validates and applies the patch
// atomically; SyncFromStore immediately refreshes the coordinator's
// runtime copy rather than waiting on the store's file-watcher callback,
// since this write already happened in this process.
func (a *Api) UpdateDeviceSettings(ctx context.Context, address string, raw []byte) (models.PersistedDevice, error) {
	patch, err := models.ParseDevicePatch(raw)
	if err != nil {
		return models.PersistedDevice{}, err
	}
	updated, err := a.store.UpdateDevice(address, patch)
	if err != nil {
		return models.PersistedDevice{}, err
	}
	a.coord.SyncFromStore()
	return updated, nil
}

func (a *Api) GetSettings() models.GlobalSettings {
	return a.store.Settings()
}

func (a *Api) PutSettings(raw []byte) (models.GlobalSettings, error) {
	patch, err := models.ParseSettingsPatch(raw)
	if err != nil {
		return models.GlobalSettings{}, err
	}
	next, err := patch.Apply(a.store.Settings())
	if err != nil {
		return models.GlobalSettings{}, err
	}
	if err := a.store.PutSettings(next); err != nil {
		return models.GlobalSettings{}, err
	}
	return next, nil
}

// Restart implements "restart": ack immediately, then a graceful shutdown
// runs on its own goroutine so the ack has a chance to reach the caller
// before the process exits.
func (a *Api) Restart(ctx context.Context) error {
	go func() {
		time.Sleep(200 * time.Millisecond)
		a.coord.Shutdown()
		a.requestExit(ExitNormal)
	}()
	return nil
}

// Subscribe attaches a new event listener, replaying the AVRCP/MPRIS/log
// ring buffers (spec §4.11: "optional replay ... on attach"). The caller
// must call Unsubscribe with the returned id when done.
func (a *Api) Subscribe() (id string, ch <-chan events.Event, replay map[events.Topic][]events.Event) {
	id = uuid.New().String()
	ch, replay = a.bus.SubscribeWithReplay(id,
		events.TopicAvrcpEvent, events.TopicMprisEvent, events.TopicLogEntry)
	return id, ch, replay
}

func (a *Api) Unsubscribe(id string) {
	a.bus.Unsubscribe(id)
}
