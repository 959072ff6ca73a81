package models

import (
	"encoding/json"
	"fmt"
)

// DevicePatch is the explicit, closed set of fields update-device-settings
// may change. Every field is a pointer so "absent" and "set to zero value"
// are distinguishable. Spec §9's design note requires rejecting unknown
// keys at the boundary rather than silently ignoring them; ParseDevicePatch
// below enforces that against the raw wire object.
type DevicePatch struct {
	Name                 *string          `json:"name,omitempty"`
	AutoConnect          *bool            `json:"auto_connect,omitempty"`
	AudioProfile         *AudioProfile    `json:"audio_profile,omitempty"`
	IdleMode             *IdleMode        `json:"idle_mode,omitempty"`
	KeepAliveMethod      *KeepAliveMethod `json:"keep_alive_method,omitempty"`
	PowerSaveDelaySec    *int             `json:"power_save_delay_s,omitempty"`
	AutoDisconnectMin    *int             `json:"auto_disconnect_minutes,omitempty"`
	MpdEnabled           *bool            `json:"mpd_enabled,omitempty"`
	MpdPort              *int             `json:"mpd_port,omitempty"`
	MpdHwVolumePct       *int             `json:"mpd_hw_volume_pct,omitempty"`
	AvrcpEnabled         *bool            `json:"avrcp_enabled,omitempty"`
}

var devicePatchKeys = map[string]bool{
	"name": true, "auto_connect": true, "audio_profile": true, "idle_mode": true,
	"keep_alive_method": true, "power_save_delay_s": true, "auto_disconnect_minutes": true,
	"mpd_enabled": true, "mpd_port": true, "mpd_hw_volume_pct": true, "avrcp_enabled": true,
}

// ParseDevicePatch decodes raw into a DevicePatch, rejecting any key not in
// the allowlist above with a BadRequest CoreError.
func ParseDevicePatch(raw []byte) (DevicePatch, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return DevicePatch{}, NewCoreError(ErrBadRequest, "", err.Error())
	}
	for k := range m {
		if !devicePatchKeys[k] {
			return DevicePatch{}, NewCoreError(ErrBadRequest, fmt.Sprintf("unknown field %q", k), "")
		}
	}
	var p DevicePatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return DevicePatch{}, NewCoreError(ErrBadRequest, "", err.Error())
	}
	return p, nil
}

// Apply validates and applies the patch onto a copy of d, returning the
// result. Validation mirrors the range invariants of spec §3.
func (p DevicePatch) Apply(d PersistedDevice) (PersistedDevice, error) {
	nd := d.Clone()
	if p.Name != nil {
		if *p.Name == "" {
			return d, NewCoreError(ErrBadRequest, "name must not be empty", "")
		}
		nd.Name = *p.Name
	}
	if p.AutoConnect != nil {
		nd.AutoConnect = *p.AutoConnect
	}
	if p.AudioProfile != nil {
		if *p.AudioProfile != ProfileA2DP && *p.AudioProfile != ProfileHFP {
			return d, NewCoreError(ErrBadRequest, "invalid audio_profile", string(*p.AudioProfile))
		}
		nd.AudioProfile = *p.AudioProfile
	}
	if p.IdleMode != nil {
		switch *p.IdleMode {
		case IdleDefault, IdlePowerSave, IdleKeepAlive, IdleAutoDisconnect:
			nd.IdleMode = *p.IdleMode
		default:
			return d, NewCoreError(ErrBadRequest, "invalid idle_mode", string(*p.IdleMode))
		}
	}
	if p.KeepAliveMethod != nil {
		if *p.KeepAliveMethod != KeepAliveInfrasound && *p.KeepAliveMethod != KeepAliveSilence {
			return d, NewCoreError(ErrBadRequest, "invalid keep_alive_method", string(*p.KeepAliveMethod))
		}
		nd.KeepAliveMethod = *p.KeepAliveMethod
	}
	if p.PowerSaveDelaySec != nil {
		if *p.PowerSaveDelaySec < 0 || *p.PowerSaveDelaySec > 300 {
			return d, NewCoreError(ErrBadRequest, "power_save_delay_s must be in [0,300]", "")
		}
		nd.PowerSaveDelaySec = *p.PowerSaveDelaySec
	}
	if p.AutoDisconnectMin != nil {
		if *p.AutoDisconnectMin < 1 || *p.AutoDisconnectMin > 1440 {
			return d, NewCoreError(ErrBadRequest, "auto_disconnect_minutes must be in [1,1440]", "")
		}
		nd.AutoDisconnectMin = *p.AutoDisconnectMin
	}
	if p.MpdEnabled != nil {
		nd.MpdEnabled = *p.MpdEnabled
	}
	if p.MpdPort != nil {
		if *p.MpdPort < MpdPortMin || *p.MpdPort > MpdPortMax {
			return d, NewCoreError(ErrBadRequest, "mpd_port must be in [6600,6609]", "")
		}
		port := *p.MpdPort
		nd.MpdPort = &port
	}
	if p.MpdHwVolumePct != nil {
		if *p.MpdHwVolumePct < 0 || *p.MpdHwVolumePct > 100 {
			return d, NewCoreError(ErrBadRequest, "mpd_hw_volume_pct must be in [0,100]", "")
		}
		nd.MpdHwVolumePct = *p.MpdHwVolumePct
	}
	if p.AvrcpEnabled != nil {
		nd.AvrcpEnabled = *p.AvrcpEnabled
	}
	return nd, nil
}

// SettingsPatch is the open-ended-but-closed PATCH shape for put-settings.
type SettingsPatch struct {
	SelectedAdapter            *string `json:"selected_adapter,omitempty"`
	AutoReconnect              *bool   `json:"auto_reconnect,omitempty"`
	ReconnectIntervalSeconds   *int    `json:"reconnect_interval_seconds,omitempty"`
	ReconnectMaxBackoffSeconds *int    `json:"reconnect_max_backoff_seconds,omitempty"`
	ScanDurationSeconds        *int    `json:"scan_duration_seconds,omitempty"`
	LogLevel                   *string `json:"log_level,omitempty"`
}

var settingsPatchKeys = map[string]bool{
	"selected_adapter": true, "auto_reconnect": true, "reconnect_interval_seconds": true,
	"reconnect_max_backoff_seconds": true, "scan_duration_seconds": true, "log_level": true,
}

// ParseSettingsPatch decodes raw, rejecting unknown keys.
func ParseSettingsPatch(raw []byte) (SettingsPatch, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return SettingsPatch{}, NewCoreError(ErrBadRequest, "", err.Error())
	}
	for k := range m {
		if !settingsPatchKeys[k] {
			return SettingsPatch{}, NewCoreError(ErrBadRequest, fmt.Sprintf("unknown field %q", k), "")
		}
	}
	var p SettingsPatch
	if err := json.Unmarshal(raw, &p); err != nil {
		return SettingsPatch{}, NewCoreError(ErrBadRequest, "", err.Error())
	}
	return p, nil
}

// Apply validates and applies the patch onto a copy of s.
func (p SettingsPatch) Apply(s GlobalSettings) (GlobalSettings, error) {
	ns := s
	if p.SelectedAdapter != nil {
		ns.SelectedAdapter = *p.SelectedAdapter
	}
	if p.AutoReconnect != nil {
		ns.AutoReconnect = *p.AutoReconnect
	}
	if p.ReconnectIntervalSeconds != nil {
		if *p.ReconnectIntervalSeconds < 1 {
			return s, NewCoreError(ErrBadRequest, "reconnect_interval_seconds must be >= 1", "")
		}
		ns.ReconnectIntervalSeconds = *p.ReconnectIntervalSeconds
	}
	if p.ReconnectMaxBackoffSeconds != nil {
		ns.ReconnectMaxBackoffSeconds = *p.ReconnectMaxBackoffSeconds
	}
	if ns.ReconnectMaxBackoffSeconds < ns.ReconnectIntervalSeconds {
		return s, NewCoreError(ErrBadRequest, "reconnect_max_backoff_seconds must be >= reconnect_interval_seconds", "")
	}
	if p.ScanDurationSeconds != nil {
		if *p.ScanDurationSeconds < 1 || *p.ScanDurationSeconds > 600 {
			return s, NewCoreError(ErrBadRequest, "scan_duration_seconds must be in [1,600]", "")
		}
		ns.ScanDurationSeconds = *p.ScanDurationSeconds
	}
	if p.LogLevel != nil {
		switch *p.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
			ns.LogLevel = *p.LogLevel
		default:
			return s, NewCoreError(ErrBadRequest, "invalid log_level", *p.LogLevel)
		}
	}
	return ns, nil
}
