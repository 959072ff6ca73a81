// Package mpris implements the org.mpris.MediaPlayer2 object BlueZ speakers
// address their AVRCP button presses and volume changes to (spec §4.5).
// Grounded on the MPRIS session pattern of
// austinkregel-vscode-music-player's internal/media/mpris_linux.go,
// generalized from a single desktop player to a per-daemon player whose
// commands are attributed to whichever device most recently connected.
package mpris

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	IfaceMediaPlayer2       = "org.mpris.MediaPlayer2"
	IfacePlayer             = "org.mpris.MediaPlayer2.Player"
	ObjectPath dbus.ObjectPath = "/org/mpris/MediaPlayer2/btaudiod"
	busNamePrefix           = "org.mpris.MediaPlayer2.btaudiod"
)

// Command is one control message delivered to the coordinator when BlueZ
// forwards an AVRCP button or volume change (spec §4.5(c)).
type Command struct {
	// AddressHint is the last device this player was told is active, or ""
	// if none has connected yet.
	AddressHint string
	Name        string // play|pause|stop|next|previous|seek|raise|volume
	Detail      interface{}
}

// PlaybackStatus mirrors MPRIS's three-value enum.
type PlaybackStatus string

const (
	StatusPlaying PlaybackStatus = "Playing"
	StatusPaused  PlaybackStatus = "Paused"
	StatusStopped PlaybackStatus = "Stopped"
)

// Player implements the MediaPlayer2 + MediaPlayer2.Player + Properties
// D-Bus interfaces (spec §4.5): Volume is the only property Set accepts;
// every other property is read-only from the bus's point of view. Play,
// Pause, Stop and a Volume set update internal state and emit
// PropertiesChanged; every incoming command then calls onCommand.
type Player struct {
	conn      *dbus.Conn
	onCommand func(Command)

	mu          sync.Mutex
	addressHint string
	status      PlaybackStatus
	volume      float64 // 0.0-1.0, MPRIS convention
	metadata    map[string]dbus.Variant
	artCache    *ArtCache
}

// NewPlayer registers the media player object and requests its well-known
// bus name. Registration must happen before the first device connect
// (spec §4.5): the caller should call NewPlayer during startup step 4.
func NewPlayer(conn *dbus.Conn, onCommand func(Command)) (*Player, error) {
	p := &Player{
		conn:      conn,
		onCommand: onCommand,
		status:    StatusStopped,
		volume:    1.0,
		metadata:  map[string]dbus.Variant{},
		artCache:  NewArtCache(),
	}

	reply, err := conn.RequestName(busNamePrefix, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("mpris: request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("mpris: bus name %s already owned", busNamePrefix)
	}

	if err := conn.Export(p, ObjectPath, IfaceMediaPlayer2); err != nil {
		return nil, fmt.Errorf("mpris: export MediaPlayer2: %w", err)
	}
	if err := conn.Export(p, ObjectPath, IfacePlayer); err != nil {
		return nil, fmt.Errorf("mpris: export Player: %w", err)
	}
	if err := conn.Export(p, ObjectPath, "org.freedesktop.DBus.Properties"); err != nil {
		return nil, fmt.Errorf("mpris: export Properties: %w", err)
	}

	slog.Info("mpris: player registered", "name", busNamePrefix, "path", ObjectPath)
	return p, nil
}

// SetActiveDevice tags subsequent commands with address until changed
// again; called by the coordinator right before a device finishes
// connecting.
func (p *Player) SetActiveDevice(address string) {
	p.mu.Lock()
	p.addressHint = address
	p.mu.Unlock()
}

// SetMetadata updates the track metadata (title/artist/album/art) exposed
// via the Metadata property and emits PropertiesChanged.
func (p *Player) SetMetadata(title, artist, album string, artURL string) {
	p.mu.Lock()
	p.metadata = map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/org/btaudiod/track/current")),
		"xesam:title":   dbus.MakeVariant(title),
		"xesam:artist":  dbus.MakeVariant([]string{artist}),
		"xesam:album":   dbus.MakeVariant(album),
	}
	if artURL != "" {
		p.metadata["mpris:artUrl"] = dbus.MakeVariant(artURL)
	}
	p.mu.Unlock()
	p.emitPropertiesChanged(IfacePlayer, map[string]dbus.Variant{"Metadata": dbus.MakeVariant(p.metadataLocked())})
}

func (p *Player) metadataLocked() map[string]dbus.Variant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]dbus.Variant, len(p.metadata))
	for k, v := range p.metadata {
		out[k] = v
	}
	return out
}

// SetStatus updates PlaybackStatus and emits PropertiesChanged so the
// speaker's own display tracks state (spec §4.5(b)).
func (p *Player) SetStatus(status PlaybackStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.emitPropertiesChanged(IfacePlayer, map[string]dbus.Variant{"PlaybackStatus": dbus.MakeVariant(string(status))})
}

func (p *Player) emitPropertiesChanged(iface string, changed map[string]dbus.Variant) {
	err := p.conn.Emit(ObjectPath, "org.freedesktop.DBus.Properties.PropertiesChanged",
		iface, changed, []string{})
	if err != nil {
		slog.Warn("mpris: failed to emit PropertiesChanged", "err", err)
	}
}

func (p *Player) dispatch(name string, detail interface{}) {
	p.mu.Lock()
	addr := p.addressHint
	p.mu.Unlock()
	if p.onCommand != nil {
		p.onCommand(Command{AddressHint: addr, Name: name, Detail: detail})
	}
}

// -- org.mpris.MediaPlayer2 methods --

func (p *Player) Raise() *dbus.Error {
	p.dispatch("raise", nil)
	return nil
}

func (p *Player) Quit() *dbus.Error { return nil }

// -- org.mpris.MediaPlayer2.Player methods --

func (p *Player) Play() *dbus.Error {
	p.SetStatus(StatusPlaying)
	p.dispatch("play", nil)
	return nil
}

func (p *Player) Pause() *dbus.Error {
	p.SetStatus(StatusPaused)
	p.dispatch("pause", nil)
	return nil
}

func (p *Player) PlayPause() *dbus.Error {
	p.mu.Lock()
	playing := p.status == StatusPlaying
	p.mu.Unlock()
	if playing {
		return p.Pause()
	}
	return p.Play()
}

func (p *Player) Stop() *dbus.Error {
	p.SetStatus(StatusStopped)
	p.dispatch("stop", nil)
	return nil
}

func (p *Player) Next() *dbus.Error {
	p.dispatch("next", nil)
	return nil
}

func (p *Player) Previous() *dbus.Error {
	p.dispatch("previous", nil)
	return nil
}

func (p *Player) Seek(offsetUs int64) *dbus.Error {
	p.dispatch("seek", offsetUs)
	return nil
}

func (p *Player) SetPosition(trackID dbus.ObjectPath, positionUs int64) *dbus.Error {
	p.dispatch("seek", positionUs)
	return nil
}

// -- org.freedesktop.DBus.Properties --

func (p *Player) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	all, derr := p.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s.%s", iface, prop))
	}
	return v, nil
}

func (p *Player) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case IfaceMediaPlayer2:
		return map[string]dbus.Variant{
			"CanQuit":             dbus.MakeVariant(false),
			"CanRaise":            dbus.MakeVariant(false),
			"HasTrackList":        dbus.MakeVariant(false),
			"Identity":            dbus.MakeVariant("btaudiod"),
			"DesktopEntry":        dbus.MakeVariant("btaudiod"),
			"SupportedUriSchemes": dbus.MakeVariant([]string{}),
			"SupportedMimeTypes":  dbus.MakeVariant([]string{}),
		}, nil
	case IfacePlayer:
		p.mu.Lock()
		status := p.status
		volume := p.volume
		p.mu.Unlock()
		return map[string]dbus.Variant{
			"PlaybackStatus": dbus.MakeVariant(string(status)),
			"LoopStatus":     dbus.MakeVariant("None"),
			"Rate":           dbus.MakeVariant(1.0),
			"Shuffle":        dbus.MakeVariant(false),
			"Metadata":       dbus.MakeVariant(p.metadataLocked()),
			"Volume":         dbus.MakeVariant(volume),
			"Position":       dbus.MakeVariant(int64(0)),
			"MinimumRate":    dbus.MakeVariant(1.0),
			"MaximumRate":    dbus.MakeVariant(1.0),
			"CanGoNext":      dbus.MakeVariant(true),
			"CanGoPrevious":  dbus.MakeVariant(true),
			"CanPlay":        dbus.MakeVariant(true),
			"CanPause":       dbus.MakeVariant(true),
			"CanSeek":        dbus.MakeVariant(true),
			"CanControl":     dbus.MakeVariant(true),
		}, nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface %s", iface))
}

// Set handles the only mutable property BlueZ actually drives: Volume, in
// [0.0, 1.0] MPRIS convention (spec §4.5: "volume commands carry the new
// value in [0,100]" — converted at the boundary here).
func (p *Player) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != IfacePlayer || prop != "Volume" {
		return nil
	}
	vol, ok := value.Value().(float64)
	if !ok {
		return dbus.MakeFailedError(fmt.Errorf("invalid type for Volume"))
	}
	if vol < 0 {
		vol = 0
	}
	if vol > 1 {
		vol = 1
	}
	p.mu.Lock()
	p.volume = vol
	p.mu.Unlock()
	p.emitPropertiesChanged(IfacePlayer, map[string]dbus.Variant{"Volume": dbus.MakeVariant(vol)})
	p.dispatch("volume", int(vol*100))
	return nil
}
