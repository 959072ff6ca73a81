// Package mpd supervises one MPD-style daemon process per connected device
// with mpd_enabled (spec §4.8): config generation, process supervision with
// a restart budget, and a control-protocol client for the
// play/pause/next/previous commands an AVRCP callback delivers.
package mpd

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigParams are the fields the generated config file needs; audioSink is
// the PulseAudio sink name MPD should write to (spec §4.8: "referencing the
// device's PulseAudio sink as its output").
type ConfigParams struct {
	Address    string
	Port       int
	AudioSink  string
	MusicDir   string
	PlaylistDir string
	DBFile     string
	LogFile    string
	PidFile    string
	StateFile  string
}

// WriteConfig renders an mpd.conf-style file at dir/mpd-<address>.conf and
// returns its path. Any directories the config references are created.
func WriteConfig(dir string, p ConfigParams) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mpd: create config dir: %w", err)
	}
	safeAddr := sanitizeAddress(p.Address)
	if p.MusicDir == "" {
		p.MusicDir = filepath.Join(dir, safeAddr, "music")
	}
	if p.PlaylistDir == "" {
		p.PlaylistDir = filepath.Join(dir, safeAddr, "playlists")
	}
	if p.DBFile == "" {
		p.DBFile = filepath.Join(dir, safeAddr, "tag_cache")
	}
	if p.LogFile == "" {
		p.LogFile = filepath.Join(dir, safeAddr, "log")
	}
	if p.PidFile == "" {
		p.PidFile = filepath.Join(dir, safeAddr, "pid")
	}
	if p.StateFile == "" {
		p.StateFile = filepath.Join(dir, safeAddr, "state")
	}
	for _, d := range []string{p.MusicDir, p.PlaylistDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("mpd: create %s: %w", d, err)
		}
	}

	contents := fmt.Sprintf(`music_directory     "%s"
playlist_directory  "%s"
db_file             "%s"
log_file            "%s"
pid_file            "%s"
state_file          "%s"
bind_to_address     "127.0.0.1"
port                "%d"

audio_output {
	type            "pulse"
	name            "%s"
	sink            "%s"
}
`, p.MusicDir, p.PlaylistDir, p.DBFile, p.LogFile, p.PidFile, p.StateFile, p.Port, safeAddr, p.AudioSink)

	path := filepath.Join(dir, "mpd-"+safeAddr+".conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return "", fmt.Errorf("mpd: write config: %w", err)
	}
	return path, nil
}

func sanitizeAddress(address string) string {
	out := make([]byte, 0, len(address))
	for i := 0; i < len(address); i++ {
		c := address[i]
		if c == ':' {
			out = append(out, '_')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

// RemoveTransientFiles deletes the config file and per-device working
// directory created by WriteConfig (spec §4.8: "Stop ... removes transient
// files").
func RemoveTransientFiles(dir, address string) error {
	safeAddr := sanitizeAddress(address)
	if err := os.Remove(filepath.Join(dir, "mpd-"+safeAddr+".conf")); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(filepath.Join(dir, safeAddr))
}
