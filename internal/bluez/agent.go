package bluez

import (
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Agent implements org.bluez.Agent1 with NoInputNoOutput capability: every
// authorization request is approved automatically ("Just Works" pairing,
// spec §4.4). Registration failure is fatal at startup (spec §4.10 step 4).
type Agent struct {
	conn *dbus.Conn
}

// RegisterAgent exports and registers the Just-Works agent on conn. The
// returned func unregisters it (spec: "on shutdown the agent is
// unregistered").
func RegisterAgent(conn *dbus.Conn) (func(), error) {
	agent := &Agent{conn: conn}
	if err := conn.Export(agent, AgentPath, IfaceAgent); err != nil {
		return nil, mapError(err)
	}
	node := &introspect.Node{
		Interfaces: []introspect.Interface{introspect.IntrospectData, {
			Name: IfaceAgent,
			Methods: []introspect.Method{
				{Name: "Release"},
				{Name: "RequestPinCode", Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}, {Name: "pincode", Type: "s", Direction: "out"}}},
				{Name: "RequestPasskey", Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}, {Name: "passkey", Type: "u", Direction: "out"}}},
				{Name: "RequestConfirmation", Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}, {Name: "passkey", Type: "u", Direction: "in"}}},
				{Name: "RequestAuthorization", Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}}},
				{Name: "AuthorizeService", Args: []introspect.Arg{{Name: "device", Type: "o", Direction: "in"}, {Name: "uuid", Type: "s", Direction: "in"}}},
				{Name: "Cancel"},
			},
		}},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), AgentPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, mapError(err)
	}

	manager := conn.Object(ServiceBluez, "/org/bluez")
	if call := manager.Call(IfaceAgentManager+".RegisterAgent", 0, AgentPath, AgentCapability); call.Err != nil {
		return nil, mapError(call.Err)
	}
	if call := manager.Call(IfaceAgentManager+".RequestDefaultAgent", 0, AgentPath); call.Err != nil {
		return nil, mapError(call.Err)
	}
	slog.Info("bluez: pairing agent registered", "path", AgentPath, "capability", AgentCapability)

	unregister := func() {
		manager.Call(IfaceAgentManager+".UnregisterAgent", 0, AgentPath)
		conn.Export(nil, AgentPath, IfaceAgent)
		slog.Info("bluez: pairing agent unregistered")
	}
	return unregister, nil
}

func (a *Agent) Release() *dbus.Error { return nil }

func (a *Agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	slog.Warn("bluez: RequestPinCode called but agent is NoInputNoOutput", "device", device)
	return "", dbus.NewError("org.bluez.Error.Rejected", nil)
}

func (a *Agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	slog.Warn("bluez: RequestPasskey called but agent is NoInputNoOutput", "device", device)
	return 0, dbus.NewError("org.bluez.Error.Rejected", nil)
}

// RequestConfirmation approves any "just works" numeric-comparison request.
func (a *Agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	slog.Debug("bluez: auto-confirming pairing", "device", device)
	return nil
}

// RequestAuthorization approves any incoming connection request.
func (a *Agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	slog.Debug("bluez: auto-authorizing device", "device", device)
	return nil
}

// AuthorizeService approves any profile/service connection (A2DP, AVRCP).
func (a *Agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	slog.Debug("bluez: auto-authorizing service", "device", device, "uuid", uuid)
	return nil
}

func (a *Agent) Cancel() *dbus.Error { return nil }
