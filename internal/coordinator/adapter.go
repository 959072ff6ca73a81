package coordinator

import (
	"context"
	"log/slog"

	"github.com/micro-nova/btaudiod/internal/events"
)

// SwitchAdapter implements the two-phase adapter-switch operation of spec
// §4.11 "set-adapter": every connected device is disconnected (and, if
// forgetAll is set, forgotten outright), the new selection is persisted,
// and an AdapterSwitchRequired event is published so the front end can
// tell the user a restart is needed. The coordinator does not restart
// itself; cmd/btaudiod reacts to the event/return value and exits with a
// distinguished code so its supervisor restarts it against the new
// adapter (spec §6).
func (c *Coordinator) SwitchAdapter(ctx context.Context, selector string, forgetAll bool) error {
	c.mu.Lock()
	connectedAddrs := make([]string, 0, len(c.rt))
	for addr, rt := range c.rt {
		if rt.Connected {
			connectedAddrs = append(connectedAddrs, addr)
		}
	}
	c.mu.Unlock()

	// spec §4.10 "Adapter switch": phase (1) disconnects all connected
	// devices and, if clean, forgets each of those same connected devices —
	// not every persisted device, so an idle/never-connected pairing
	// survives a routine adapter switch untouched.
	for _, addr := range connectedAddrs {
		if forgetAll {
			if err := c.Forget(ctx, addr); err != nil {
				slog.Warn("coordinator: forget during adapter switch failed", "address", addr, "err", err)
			}
			continue
		}
		if err := c.Disconnect(ctx, addr); err != nil {
			slog.Warn("coordinator: disconnect during adapter switch failed", "address", addr, "err", err)
		}
	}

	settings := c.store.Settings()
	settings.SelectedAdapter = selector
	if err := c.store.PutSettings(settings); err != nil {
		return err
	}

	c.emitStatus("adapter changed, restart required")
	c.bus.Publish(events.TopicAdapterSwitchRequired, events.AdapterSwitchRequiredPayload{
		NewAdapter: selector,
	})
	return nil
}
