package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/micro-nova/btaudiod/internal/models"
)

// mapError classifies a raw BlueZ D-Bus error into the CoreError taxonomy
// of spec §4.3 / §7.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if dbusErr, ok := err.(dbus.Error); ok {
		if len(dbusErr.Body) > 0 {
			if s, ok := dbusErr.Body[0].(string); ok {
				msg = s
			}
		}
	}

	switch {
	case strings.Contains(msg, "Page Timeout"):
		return models.NewCoreError(models.ErrDeviceUnreachable, "", msg)
	case strings.Contains(msg, "Authentication Rejected"), strings.Contains(msg, "Authentication Failed"):
		return models.NewCoreError(models.ErrAuthRejected, "", msg)
	case strings.Contains(msg, "In Progress"):
		return models.NewCoreError(models.ErrBusy, "", msg)
	case strings.Contains(msg, "Already Exists"), strings.Contains(msg, "AlreadyPaired"), strings.Contains(msg, "Already Paired"):
		return models.NewCoreError(models.ErrAlreadyPaired, "", msg)
	default:
		return models.NewCoreError(models.ErrBlueZUnknown, "", msg)
	}
}
