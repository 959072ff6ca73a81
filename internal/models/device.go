// Package models defines the data structures shared across btaudiod:
// persisted devices, global settings, and the runtime view built on top
// of them. JSON field names are the wire contract for the ControlApi and
// for the on-disk store.
package models

import "time"

// AudioProfile selects the PulseAudio card profile family a device is
// driven with.
type AudioProfile string

const (
	ProfileA2DP AudioProfile = "a2dp"
	ProfileHFP  AudioProfile = "hfp"
)

// IdleMode selects what happens to a connected device once its sink goes
// idle (no audio flowing).
type IdleMode string

const (
	IdleDefault        IdleMode = "default"
	IdlePowerSave      IdleMode = "power_save"
	IdleKeepAlive      IdleMode = "keep_alive"
	IdleAutoDisconnect IdleMode = "auto_disconnect"
)

// KeepAliveMethod selects the waveform used for idle-mode keep-alive bursts.
type KeepAliveMethod string

const (
	KeepAliveInfrasound KeepAliveMethod = "infrasound"
	KeepAliveSilence    KeepAliveMethod = "silence"
)

// SinkState mirrors PulseAudio's sink state as observed by the poller.
type SinkState string

const (
	SinkAbsent    SinkState = "absent"
	SinkSuspended SinkState = "suspended"
	SinkIdle      SinkState = "idle"
	SinkRunning   SinkState = "running"
)

const (
	MpdPortMin = 6600
	MpdPortMax = 6609
)

// PersistedDevice is one paired speaker's stable, on-disk record. Its
// identity is Address; every field is validated at the ControlApi boundary
// before it reaches the store (see DevicePatch).
type PersistedDevice struct {
	Address              string          `json:"address"`
	Name                 string          `json:"name"`
	AutoConnect          bool            `json:"auto_connect"`
	PairedAt             time.Time       `json:"paired_at"`
	AudioProfile         AudioProfile    `json:"audio_profile"`
	IdleMode             IdleMode        `json:"idle_mode"`
	KeepAliveMethod      KeepAliveMethod `json:"keep_alive_method"`
	PowerSaveDelaySec    int             `json:"power_save_delay_s"`
	AutoDisconnectMin    int             `json:"auto_disconnect_minutes"`
	MpdEnabled           bool            `json:"mpd_enabled"`
	MpdPort              *int            `json:"mpd_port,omitempty"`
	MpdHwVolumePct       int             `json:"mpd_hw_volume_pct"`
	AvrcpEnabled         bool            `json:"avrcp_enabled"`
}

// DefaultPersistedDevice returns a freshly-paired device record with the
// same defaults original_source/persistence/store.py assigns.
func DefaultPersistedDevice(address, name string) PersistedDevice {
	return PersistedDevice{
		Address:           address,
		Name:              name,
		AutoConnect:       true,
		PairedAt:          time.Now().UTC(),
		AudioProfile:      ProfileA2DP,
		IdleMode:          IdleDefault,
		KeepAliveMethod:   KeepAliveInfrasound,
		PowerSaveDelaySec: 0,
		AutoDisconnectMin: 30,
		MpdEnabled:        false,
		MpdHwVolumePct:    100,
		AvrcpEnabled:      true,
	}
}

// Clone returns a deep copy safe to hand to callers outside the store's lock.
func (d PersistedDevice) Clone() PersistedDevice {
	nd := d
	if d.MpdPort != nil {
		p := *d.MpdPort
		nd.MpdPort = &p
	}
	return nd
}

const (
	AdapterAuto = "auto"

	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// GlobalSettings is the singleton document controlling reconnect behavior,
// scanning, and the selected adapter.
type GlobalSettings struct {
	SelectedAdapter            string `json:"selected_adapter"`
	AutoReconnect              bool   `json:"auto_reconnect"`
	ReconnectIntervalSeconds   int    `json:"reconnect_interval_seconds"`
	ReconnectMaxBackoffSeconds int    `json:"reconnect_max_backoff_seconds"`
	ScanDurationSeconds        int    `json:"scan_duration_seconds"`
	LogLevel                   string `json:"log_level"`
}

// DefaultGlobalSettings is used when no settings.json exists yet.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		SelectedAdapter:            AdapterAuto,
		AutoReconnect:              true,
		ReconnectIntervalSeconds:   30,
		ReconnectMaxBackoffSeconds: 300,
		ScanDurationSeconds:        30,
		LogLevel:                   LogLevelInfo,
	}
}

// Document is the shape persisted at DATA_DIR/paired_devices.json and
// DATA_DIR/settings.json respectively is split across two files on disk
// (spec §6), but both are modeled here since callers frequently need both
// at once (e.g. the coordinator's boot sequence).
type Document struct {
	Devices  []PersistedDevice `json:"devices"`
	Settings GlobalSettings    `json:"settings"`
}

// RuntimeDevice is the in-memory, non-persisted view of a managed address.
// It is rebuilt from PersistedDevice plus live BlueZ/PulseAudio observation.
type RuntimeDevice struct {
	PersistedDevice

	PresentInBluez  bool       `json:"present_in_bluez"`
	PairedInBluez   bool       `json:"paired_in_bluez"`
	Connected       bool       `json:"connected"`
	RSSI            *int       `json:"rssi,omitempty"`
	UUIDs           []string   `json:"uuids,omitempty"`
	SinkState       SinkState  `json:"sink_state"`
	KeepAliveActive bool       `json:"keep_alive_active"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at,omitempty"`
	Transitioning   bool       `json:"transitioning"`

	// MpdRunning/MpdPort/MpdDegraded are surfaced for the UI's MPD status
	// indicator (spec §7 "degrade" path: missing MPD after 3 crashes).
	MpdRunning  bool `json:"mpd_running"`
	MpdDegraded bool `json:"mpd_degraded"`

	// AvrcpAvailable tracks whether MediaPlayer1 was found for this device
	// (spec §4.10 step 5's "accept no AVRCP" degrade path).
	AvrcpAvailable bool `json:"avrcp_available"`

	// MpdHwVolumeApplied tracks whether mpd_hw_volume_pct has ever been
	// applied for this device (spec §4.8: applied on first MPD start only).
	// It survives across reconnects/MPD restarts and is cleared only when
	// the device is forgotten, not JSON-tagged since it is internal
	// bookkeeping rather than a value the API surfaces.
	MpdHwVolumeApplied bool `json:"-"`
}

// Snapshot returns a value copy suitable for publishing on the event bus
// or returning from a ControlApi command — never a pointer into runtime
// state so subscribers can't observe partial mutations.
func (r RuntimeDevice) Snapshot() RuntimeDevice {
	nr := r
	nr.PersistedDevice = r.PersistedDevice.Clone()
	if r.RSSI != nil {
		v := *r.RSSI
		nr.RSSI = &v
	}
	if r.UUIDs != nil {
		nr.UUIDs = append([]string(nil), r.UUIDs...)
	}
	if r.LastConnectedAt != nil {
		v := *r.LastConnectedAt
		nr.LastConnectedAt = &v
	}
	if r.LastDisconnectedAt != nil {
		v := *r.LastDisconnectedAt
		nr.LastDisconnectedAt = &v
	}
	return nr
}
