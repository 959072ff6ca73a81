package bluez

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// AdapterInfo is a snapshot of one org.bluez.Adapter1 object, used to
// answer the ControlApi's list-adapters command and to drive the
// selected-adapter fallback chain of spec §4.3/§4.10 step 3.
type AdapterInfo struct {
	Path    dbus.ObjectPath
	Address string
	Name    string
	Powered bool
	Present bool
}

// DiscoveryFilter restricts scanning to BR/EDR audio sinks (spec §4.3): a
// device must be Classic (never LE) and expose at least one of SinkUUIDs.
type DiscoveryFilter struct {
	UUIDs     []string
	Transport string // "bredr"
}

func DefaultDiscoveryFilter() DiscoveryFilter {
	return DiscoveryFilter{UUIDs: SinkUUIDs, Transport: "bredr"}
}

// Adapter is the typed wrapper over one org.bluez.Adapter1 object.
type Adapter interface {
	Path() dbus.ObjectPath
	Info(ctx context.Context) (AdapterInfo, error)
	StartDiscovery(ctx context.Context, filter DiscoveryFilter) error
	StopDiscovery(ctx context.Context) error
	RemoveDevice(ctx context.Context, devicePath dbus.ObjectPath) error
}

type dbusAdapter struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath
}

// NewAdapter wraps the adapter object at path.
func NewAdapter(conn *dbus.Conn, path dbus.ObjectPath) Adapter {
	return &dbusAdapter{conn: conn, obj: conn.Object(ServiceBluez, path), path: path}
}

func (a *dbusAdapter) Path() dbus.ObjectPath { return a.path }

func (a *dbusAdapter) Info(ctx context.Context) (AdapterInfo, error) {
	props, err := getAllProperties(ctx, a.obj, IfaceAdapter)
	if err != nil {
		return AdapterInfo{}, mapError(err)
	}
	info := AdapterInfo{Path: a.path, Present: true}
	if v, ok := props["Address"]; ok {
		info.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		info.Name, _ = v.Value().(string)
	}
	if v, ok := props["Powered"]; ok {
		info.Powered, _ = v.Value().(bool)
	}
	return info, nil
}

// StartDiscovery always applies filter first (spec §4.3): BlueZ ref-counts
// discovery per client, so this never interferes with another daemon's LE
// scan running concurrently.
func (a *dbusAdapter) StartDiscovery(ctx context.Context, filter DiscoveryFilter) error {
	filterMap := map[string]dbus.Variant{
		"UUIDs":     dbus.MakeVariant(filter.UUIDs),
		"Transport": dbus.MakeVariant(filter.Transport),
	}
	if call := a.obj.CallWithContext(ctx, IfaceAdapter+".SetDiscoveryFilter", 0, filterMap); call.Err != nil {
		return mapError(call.Err)
	}
	if call := a.obj.CallWithContext(ctx, IfaceAdapter+".StartDiscovery", 0); call.Err != nil {
		return mapError(call.Err)
	}
	return nil
}

func (a *dbusAdapter) StopDiscovery(ctx context.Context) error {
	if call := a.obj.CallWithContext(ctx, IfaceAdapter+".StopDiscovery", 0); call.Err != nil {
		return mapError(call.Err)
	}
	return nil
}

// RemoveDevice deletes the object cache entry for a device (used for both
// forget and startup "stale cleanup" per spec §4.10 step 7). Always goes
// through BlueZ rather than any raw object deletion.
func (a *dbusAdapter) RemoveDevice(ctx context.Context, devicePath dbus.ObjectPath) error {
	if call := a.obj.CallWithContext(ctx, IfaceAdapter+".RemoveDevice", 0, devicePath); call.Err != nil {
		return mapError(call.Err)
	}
	return nil
}

// ListAdapters enumerates every org.bluez.Adapter1 object on the bus.
func ListAdapters(ctx context.Context, conn *dbus.Conn) ([]AdapterInfo, error) {
	objects, err := getManagedObjects(ctx, conn)
	if err != nil {
		return nil, mapError(err)
	}
	var out []AdapterInfo
	for path, ifaces := range objects {
		props, ok := ifaces[IfaceAdapter]
		if !ok {
			continue
		}
		info := AdapterInfo{Path: path, Present: true}
		if v, ok := props["Address"]; ok {
			info.Address, _ = v.Value().(string)
		}
		if v, ok := props["Name"]; ok {
			info.Name, _ = v.Value().(string)
		}
		if v, ok := props["Powered"]; ok {
			info.Powered, _ = v.Value().(bool)
		}
		out = append(out, info)
	}
	return out, nil
}

// ResolveAdapter implements the fallback chain of spec §3 invariant 5 /
// §4.10 step 3: the configured MAC (or "auto") resolves to a powered
// adapter, falling back to the first powered adapter, then the first
// present adapter; failing that, boot must abort.
func ResolveAdapter(ctx context.Context, conn *dbus.Conn, selected string) (AdapterInfo, error) {
	adapters, err := ListAdapters(ctx, conn)
	if err != nil {
		return AdapterInfo{}, err
	}
	if len(adapters) == 0 {
		return AdapterInfo{}, fmt.Errorf("bluez: no adapters present")
	}
	if selected != "" && !strings.EqualFold(selected, "auto") {
		for _, a := range adapters {
			if strings.EqualFold(a.Address, selected) {
				return a, nil
			}
		}
	}
	for _, a := range adapters {
		if a.Powered {
			return a, nil
		}
	}
	return adapters[0], nil
}
