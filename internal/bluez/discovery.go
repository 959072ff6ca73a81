package bluez

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
)

// DiscoveredDevice pairs a device's object path with its property snapshot,
// as returned by ListDevices for the coordinator's startup enumeration and
// scan-result polling (spec §4.10 step 7, §4.3).
type DiscoveredDevice struct {
	Path     dbus.ObjectPath
	Snapshot DeviceSnapshot
}

// ListDevices enumerates every org.bluez.Device1 object under adapterPath,
// paired or not. Used both at startup (to seed RuntimeDevice entries and
// detect stale BlueZ-only devices) and during a scan window (to surface
// newly discovered speakers).
func ListDevices(ctx context.Context, conn *dbus.Conn, adapterPath dbus.ObjectPath) ([]DiscoveredDevice, error) {
	objects, err := getManagedObjects(ctx, conn)
	if err != nil {
		return nil, mapError(err)
	}
	prefix := string(adapterPath) + "/dev_"
	var out []DiscoveredDevice
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[IfaceDevice]
		if !ok {
			continue
		}
		snap := DeviceSnapshot{Address: AddressFromPath(path)}
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
		out = append(out, DiscoveredDevice{Path: path, Snapshot: snap})
	}
	return out, nil
}
