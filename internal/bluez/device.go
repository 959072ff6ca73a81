package bluez

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// DeviceSnapshot is a point-in-time read of a device's Device1 properties.
type DeviceSnapshot struct {
	Address   string
	Name      string
	Paired    bool
	Connected bool
	Trusted   bool
	RSSI      *int16
	UUIDs     []string
}

// PropertyChange is one PropertiesChanged signal delivered to a device's
// subscribers, routed through a typed channel rather than an ad-hoc
// per-object callback (spec §9 design note).
type PropertyChange struct {
	Address  string
	Property string
	Value    interface{}
}

// Device is the typed wrapper over one org.bluez.Device1 object.
type Device interface {
	Path() dbus.ObjectPath
	Address() string
	Properties(ctx context.Context) (DeviceSnapshot, error)
	Pair(ctx context.Context) error
	SetTrusted(ctx context.Context, trusted bool) error
	Connect(ctx context.Context) error
	ConnectProfile(ctx context.Context, uuid string) error
	Disconnect(ctx context.Context) error
	IsConnected(ctx context.Context) (bool, error)

	// Subscribe delivers every PropertiesChanged signal for this device
	// until the returned cancel func is called (spec §9: "terminate
	// subscriptions deterministically when the runtime device is destroyed").
	Subscribe() (<-chan PropertyChange, func())

	// FindTransportPath and FindMediaPlayerPath poll BlueZ's object tree
	// for the device's dynamically-created child objects.
	FindTransportPath(ctx context.Context) (dbus.ObjectPath, bool, error)
	FindMediaPlayerPath(ctx context.Context) (dbus.ObjectPath, bool, error)

	// Destroy stops signal routing. Called when the RuntimeDevice backing
	// this wrapper is forgotten.
	Destroy()
}

type dbusDevice struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	path    dbus.ObjectPath
	address string

	mu   sync.Mutex
	subs map[chan PropertyChange]struct{}

	sigCh   chan *dbus.Signal
	closeOnce sync.Once
	stop    chan struct{}
}

// NewDevice wraps the device object at path and starts routing its
// PropertiesChanged signals to any Subscribe callers.
func NewDevice(conn *dbus.Conn, path dbus.ObjectPath, address string) Device {
	d := &dbusDevice{
		conn:    conn,
		obj:     conn.Object(ServiceBluez, path),
		path:    path,
		address: address,
		subs:    make(map[chan PropertyChange]struct{}),
		stop:    make(chan struct{}),
	}
	d.sigCh = make(chan *dbus.Signal, 16)
	conn.Signal(d.sigCh)
	match := "type='signal',interface='" + IfaceProperties + "',member='PropertiesChanged',path='" + string(path) + "'"
	conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, match)
	go d.routeSignals(match)
	return d
}

func (d *dbusDevice) routeSignals(match string) {
	defer d.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, match)
	defer d.conn.RemoveSignal(d.sigCh)
	for {
		select {
		case <-d.stop:
			return
		case sig, ok := <-d.sigCh:
			if !ok {
				return
			}
			if sig.Path != d.path || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			for prop, v := range changed {
				d.fanOut(PropertyChange{Address: d.address, Property: prop, Value: v.Value()})
			}
		}
	}
}

func (d *dbusDevice) fanOut(ch PropertyChange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sub := range d.subs {
		select {
		case sub <- ch:
		default:
			// A slow subscriber cannot stall device signal delivery for
			// everyone else; the coordinator only ever has one subscriber
			// per device so this is a last-resort safety valve.
		}
	}
}

func (d *dbusDevice) Subscribe() (<-chan PropertyChange, func()) {
	ch := make(chan PropertyChange, 32)
	d.mu.Lock()
	d.subs[ch] = struct{}{}
	d.mu.Unlock()
	cancel := func() {
		d.mu.Lock()
		delete(d.subs, ch)
		d.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// Destroy stops signal routing entirely; called when the RuntimeDevice is
// forgotten.
func (d *dbusDevice) Destroy() {
	d.closeOnce.Do(func() { close(d.stop) })
}

func (d *dbusDevice) Path() dbus.ObjectPath { return d.path }
func (d *dbusDevice) Address() string       { return d.address }

func (d *dbusDevice) Properties(ctx context.Context) (DeviceSnapshot, error) {
	props, err := getAllProperties(ctx, d.obj, IfaceDevice)
	if err != nil {
		return DeviceSnapshot{}, mapError(err)
	}
	snap := DeviceSnapshot{Address: d.address}
	if v, ok := props["Name"]; ok {
		snap.Name, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		snap.Paired, _ = v.Value().(bool)
	}
	if v, ok := props["Connected"]; ok {
		snap.Connected, _ = v.Value().(bool)
	}
	if v, ok := props["Trusted"]; ok {
		snap.Trusted, _ = v.Value().(bool)
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			snap.RSSI = &rssi
		}
	}
	if v, ok := props["UUIDs"]; ok {
		snap.UUIDs, _ = v.Value().([]string)
	}
	return snap, nil
}

func (d *dbusDevice) call(ctx context.Context, timeout time.Duration, method string, args ...interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	call := d.obj.CallWithContext(cctx, method, 0, args...)
	if call.Err != nil {
		return mapError(call.Err)
	}
	return nil
}

func (d *dbusDevice) Pair(ctx context.Context) error {
	return d.call(ctx, 20*time.Second, IfaceDevice+".Pair")
}

func (d *dbusDevice) SetTrusted(ctx context.Context, trusted bool) error {
	call := d.obj.CallWithContext(ctx, IfaceProperties+".Set", 0, IfaceDevice, "Trusted", dbus.MakeVariant(trusted))
	if call.Err != nil {
		return mapError(call.Err)
	}
	return nil
}

// Connect has a 20s semantic timeout (spec §5).
func (d *dbusDevice) Connect(ctx context.Context) error {
	return d.call(ctx, 20*time.Second, IfaceDevice+".Connect")
}

// ConnectProfile has a 10s semantic timeout (spec §5).
func (d *dbusDevice) ConnectProfile(ctx context.Context, uuid string) error {
	return d.call(ctx, 10*time.Second, IfaceDevice+".ConnectProfile", uuid)
}

// Disconnect has a 10s semantic timeout (spec §5).
func (d *dbusDevice) Disconnect(ctx context.Context) error {
	return d.call(ctx, 10*time.Second, IfaceDevice+".Disconnect")
}

func (d *dbusDevice) IsConnected(ctx context.Context) (bool, error) {
	snap, err := d.Properties(ctx)
	if err != nil {
		return false, err
	}
	return snap.Connected, nil
}

func (d *dbusDevice) FindTransportPath(ctx context.Context) (dbus.ObjectPath, bool, error) {
	objects, err := getManagedObjects(ctx, d.conn)
	if err != nil {
		return "", false, mapError(err)
	}
	path, ok := findChildInterface(objects, d.path, IfaceMediaTransport)
	return path, ok, nil
}

func (d *dbusDevice) FindMediaPlayerPath(ctx context.Context) (dbus.ObjectPath, bool, error) {
	objects, err := getManagedObjects(ctx, d.conn)
	if err != nil {
		return "", false, mapError(err)
	}
	path, ok := findChildInterface(objects, d.path, IfaceMediaPlayer)
	return path, ok, nil
}

// AddressFromPath derives the canonical upper-case colon-form MAC from a
// BlueZ object path such as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func AddressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	idx := strings.LastIndex(s, "dev_")
	if idx < 0 {
		return ""
	}
	raw := s[idx+len("dev_"):]
	return strings.ToUpper(strings.ReplaceAll(raw, "_", ":"))
}

// PathFromAddress is the inverse of AddressFromPath, rooted under adapter.
func PathFromAddress(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}
