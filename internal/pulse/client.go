// Package pulse controls PulseAudio Bluetooth cards and sinks by shelling
// out to pactl (spec §4.6), grounded on the same os/exec subprocess pattern
// as internal/mpd's supervisor and on the socket-probing behavior of
// original_source's audio/pulse.py, adapted from an async Python client to
// synchronous exec.CommandContext calls guarded by a rate limiter.
package pulse

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SinkState mirrors PulseAudio's three observable sink states plus the
// absence of any sink at all.
type SinkState string

const (
	SinkAbsent    SinkState = "absent"
	SinkSuspended SinkState = "suspended"
	SinkIdle      SinkState = "idle"
	SinkRunning   SinkState = "running"
)

// Sink is a point-in-time snapshot of one PulseAudio sink.
type Sink struct {
	Name       string
	State      SinkState
	VolumePct  int
	Mute       bool
}

// SinkEvent is delivered on the channel returned by Subscribe.
type SinkEvent struct {
	Kind string // new|remove|change
	Sink Sink
}

var knownServers = []string{
	"/run/audio/pulse.sock",
	"/run/audio/native",
}

// a2dpProfileNames and hfpProfileNames are tried in order until
// set-card-profile succeeds (spec §4.6: "trying each of a known name set
// ... until one succeeds").
var (
	a2dpProfileNames = []string{"a2dp_sink", "a2dp-sink"}
	hfpProfileNames  = []string{"handsfree_head_unit", "headset_head_unit", "handsfree-head-unit", "headset-head-unit"}
)

// Client wraps pactl invocations against a resolved PulseAudio server.
// Every exported method is safe for concurrent use.
type Client struct {
	server  string
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[chan SinkEvent]struct{}
}

// Resolve determines which PulseAudio server address to use, per spec
// §4.6/§5: PULSE_SERVER env var first, then the known socket paths in
// order. Resolve only probes reachability via `pactl info`; it does not
// hold a connection open (pactl is invoked fresh per operation).
func Resolve(ctx context.Context) (*Client, error) {
	if server := os.Getenv("PULSE_SERVER"); server != "" {
		c := newClient(server)
		if err := c.ping(ctx); err != nil {
			return nil, fmt.Errorf("pulse: PULSE_SERVER=%s unreachable: %w", server, err)
		}
		return c, nil
	}

	var lastErr error
	for _, addr := range knownServers {
		c := newClient("unix:" + addr)
		if err := c.ping(ctx); err != nil {
			lastErr = err
			continue
		}
		slog.Info("pulse: connected", "server", addr)
		return c, nil
	}
	return nil, fmt.Errorf("pulse: no reachable server (tried PULSE_SERVER and known paths): %w", lastErr)
}

func newClient(server string) *Client {
	return &Client{
		server:  server,
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
		subs:    make(map[chan SinkEvent]struct{}),
	}
}

// Server returns the resolved PULSE_SERVER address, for components (like
// keepalive) that need to spawn their own pactl/pacat subprocesses against
// the same server.
func (c *Client) Server() string { return c.server }

func (c *Client) ping(ctx context.Context) error {
	_, err := c.pactl(ctx, "info")
	return err
}

// Ping probes the resolved server the same way Resolve does, for callers
// (the health monitor) that need a liveness check without a full
// re-resolve.
func (c *Client) Ping(ctx context.Context) error {
	return c.ping(ctx)
}

func (c *Client) pactl(ctx context.Context, args ...string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "pactl", args...)
	cmd.Env = append(os.Environ(), "PULSE_SERVER="+c.server)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pactl %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// SinkNameFor returns the expected bluez_sink name for address and
// profile, e.g. bluez_sink.AA_BB_CC_DD_EE_01.a2dp_sink.
func SinkNameFor(address, profile string) string {
	underscored := strings.ReplaceAll(address, ":", "_")
	suffix := "a2dp_sink"
	if profile == "hfp" {
		suffix = "handsfree_head_unit"
	}
	return fmt.Sprintf("bluez_sink.%s.%s", underscored, suffix)
}

func cardNameFor(address string) string {
	return "bluez_card." + strings.ReplaceAll(address, ":", "_")
}

// ListSinks enumerates all Bluetooth sinks currently known to PulseAudio.
func (c *Client) ListSinks(ctx context.Context) ([]Sink, error) {
	out, err := c.pactl(ctx, "list", "sinks")
	if err != nil {
		return nil, err
	}
	return parseSinks(out), nil
}

func parseSinks(out string) []Sink {
	var sinks []Sink
	var cur *Sink
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Sink #"):
			if cur != nil {
				sinks = append(sinks, *cur)
			}
			cur = &Sink{}
		case strings.HasPrefix(line, "Name:"):
			if cur == nil {
				cur = &Sink{}
			}
			cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "State:") && cur != nil:
			cur.State = parseState(strings.TrimSpace(strings.TrimPrefix(line, "State:")))
		case strings.HasPrefix(line, "Mute:") && cur != nil:
			cur.Mute = strings.TrimSpace(strings.TrimPrefix(line, "Mute:")) == "yes"
		case strings.Contains(line, "Volume:") && cur != nil && cur.VolumePct == 0:
			cur.VolumePct = parseVolumePct(line)
		}
	}
	if cur != nil {
		sinks = append(sinks, *cur)
	}
	return sinks
}

func parseState(raw string) SinkState {
	switch strings.ToLower(raw) {
	case "running":
		return SinkRunning
	case "idle":
		return SinkIdle
	case "suspended":
		return SinkSuspended
	default:
		return SinkAbsent
	}
}

func parseVolumePct(line string) int {
	idx := strings.Index(line, "%")
	if idx < 3 {
		return 0
	}
	start := idx - 1
	for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
		start--
	}
	pct, err := strconv.Atoi(line[start:idx])
	if err != nil {
		return 0
	}
	return pct
}

// SinkStateFor returns the observed state of the sink matching address, or
// SinkAbsent if no matching sink exists.
func (c *Client) SinkStateFor(ctx context.Context, address string) (SinkState, error) {
	sinks, err := c.ListSinks(ctx)
	if err != nil {
		return SinkAbsent, err
	}
	underscored := strings.ReplaceAll(address, ":", "_")
	for _, s := range sinks {
		if strings.Contains(strings.ToLower(s.Name), strings.ToLower(underscored)) {
			return s.State, nil
		}
	}
	return SinkAbsent, nil
}

// WaitForSink polls until a sink matching address appears, times out, or
// aborts early because connected returns false (spec §4.6, §5: 30s
// timeout).
func WaitForSink(ctx context.Context, c *Client, address string, timeout time.Duration, connected func() bool) (string, bool) {
	deadline := time.Now().Add(timeout)
	underscored := strings.ReplaceAll(address, ":", "_")
	for time.Now().Before(deadline) {
		sinks, err := c.ListSinks(ctx)
		if err == nil {
			for _, s := range sinks {
				if strings.Contains(strings.ToLower(s.Name), strings.ToLower(underscored)) {
					return s.Name, true
				}
			}
		}
		if connected != nil && !connected() {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(time.Second):
		}
	}
	return "", false
}

// SetCardProfile activates the A2DP or HFP profile for the card matching
// address, trying each known profile name until one succeeds (spec §4.6).
func (c *Client) SetCardProfile(ctx context.Context, address, profile string) error {
	names := a2dpProfileNames
	if profile == "hfp" {
		names = hfpProfileNames
	}
	card := cardNameFor(address)
	var lastErr error
	for _, name := range names {
		if _, err := c.pactl(ctx, "set-card-profile", card, name); err == nil {
			slog.Info("pulse: card profile set", "card", card, "profile", name)
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("pulse: no profile name matched for card %s (tried %v): %w", card, names, lastErr)
}

// bluetoothDiscoverModules are the module names PulseAudio/PipeWire-pulse
// ships under for Bluetooth card discovery, tried in order.
var bluetoothDiscoverModules = []string{"module-bluez5-discover", "module-bluetooth-discover"}

// ReloadBluetoothModule unloads and reloads the Bluetooth discovery module,
// which re-probes every BlueZ card and its available profiles from
// scratch (spec §4.10 step 6's fallback ladder step (c) "module reload").
// It is a last resort after a direct profile set and an explicit
// connect_profile have both failed.
func (c *Client) ReloadBluetoothModule(ctx context.Context) error {
	var lastErr error
	for _, name := range bluetoothDiscoverModules {
		if _, err := c.pactl(ctx, "unload-module", name); err != nil {
			lastErr = err
			continue
		}
		if _, err := c.pactl(ctx, "load-module", name); err != nil {
			return fmt.Errorf("pulse: reloaded module %s failed to load back: %w", name, err)
		}
		slog.Info("pulse: reloaded bluetooth discover module", "module", name)
		return nil
	}
	return fmt.Errorf("pulse: no bluetooth discover module could be unloaded (tried %v): %w", bluetoothDiscoverModules, lastErr)
}

// SuspendSink suspends the named sink, releasing the A2DP transport.
func (c *Client) SuspendSink(ctx context.Context, sinkName string) error {
	_, err := c.pactl(ctx, "suspend-sink", sinkName, "1")
	return err
}

// ResumeSink un-suspends a previously suspended sink.
func (c *Client) ResumeSink(ctx context.Context, sinkName string) error {
	_, err := c.pactl(ctx, "suspend-sink", sinkName, "0")
	return err
}

// SetSinkVolume sets the sink's hardware volume in [0,100]; on Bluetooth
// sinks this propagates to AVRCP Absolute Volume.
func (c *Client) SetSinkVolume(ctx context.Context, sinkName string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := c.pactl(ctx, "set-sink-volume", sinkName, fmt.Sprintf("%d%%", pct))
	return err
}
