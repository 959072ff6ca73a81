package bluez

import (
	"context"

	"github.com/godbus/dbus/v5"
)

func getAllProperties(ctx context.Context, obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := obj.CallWithContext(ctx, IfaceProperties+".GetAll", 0, iface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

func getManagedObjects(ctx context.Context, conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := conn.Object(ServiceBluez, "/")
	call := obj.CallWithContext(ctx, IfaceObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// findChildInterface returns the first object below parent that exposes
// iface, or "" if none is found yet. Used to locate a device's
// MediaTransport1/MediaPlayer1 child objects, whose paths BlueZ assigns
// dynamically once the profile connects.
func findChildInterface(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, parent dbus.ObjectPath, iface string) (dbus.ObjectPath, bool) {
	prefix := string(parent) + "/"
	for path, ifaces := range objects {
		if len(string(path)) <= len(prefix) || string(path)[:len(prefix)] != prefix {
			continue
		}
		if _, ok := ifaces[iface]; ok {
			return path, true
		}
	}
	return "", false
}
