// Package bluez wraps the BlueZ D-Bus interfaces (org.bluez.Adapter1,
// org.bluez.Device1, org.bluez.MediaTransport1, org.bluez.Agent1) behind
// small typed interfaces so the coordinator never touches godbus directly
// (spec §4.3, §4.4). Grounded on the teacher's direct use of
// github.com/godbus/dbus/v5 against org.bluez in
// internal/streams/bluetooth.go, generalized from read-only metadata
// polling to full adapter/device lifecycle control.
package bluez

import "github.com/godbus/dbus/v5"

// Bluetooth Classic audio profile UUIDs (org.bluez.org SDP registry).
const (
	UUIDA2DPSink        = "0000110b-0000-1000-8000-00805f9b34fb"
	UUIDA2DPSource      = "0000110a-0000-1000-8000-00805f9b34fb"
	UUIDAVRCPTarget     = "0000110c-0000-1000-8000-00805f9b34fb"
	UUIDAVRCPController = "0000110e-0000-1000-8000-00805f9b34fb"
	UUIDHFP             = "0000111e-0000-1000-8000-00805f9b34fb"
	UUIDHSP             = "00001108-0000-1000-8000-00805f9b34fb"
)

// SinkUUIDs is the discovery filter used by spec §4.3: only speakers
// (audio sinks), never phones acting as an A2DP source.
var SinkUUIDs = []string{UUIDA2DPSink, UUIDAVRCPTarget, UUIDAVRCPController, UUIDHFP, UUIDHSP}

const (
	ServiceBluez = "org.bluez"

	IfaceAdapter        = "org.bluez.Adapter1"
	IfaceDevice         = "org.bluez.Device1"
	IfaceAgent          = "org.bluez.Agent1"
	IfaceAgentManager   = "org.bluez.AgentManager1"
	IfaceMedia          = "org.bluez.Media1"
	IfaceMediaControl   = "org.bluez.MediaControl1"
	IfaceMediaTransport = "org.bluez.MediaTransport1"
	IfaceMediaPlayer    = "org.bluez.MediaPlayer1"
	IfaceProperties     = "org.freedesktop.DBus.Properties"
	IfaceObjectManager  = "org.freedesktop.DBus.ObjectManager"

	AgentPath       dbus.ObjectPath = "/org/btaudiod/agent"
	AgentCapability                 = "NoInputNoOutput"
)
