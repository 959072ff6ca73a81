// Package zeroconf advertises this daemon's control API as an mDNS/DNS-SD
// service so LAN tooling can find it without a fixed address or port.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType    = "_btaudiod._tcp"
	daemonVersion  = "0.1.0"
)

// Service manages mDNS service registration.
type Service struct {
	name   string // instance name / hostname, e.g. "btaudiod"
	port   int
	server *zeroconf.Server
}

// New creates a new zeroconf Service that will advertise the control API
// on the given port. name should be the hostname.
func New(name string, port int) *Service {
	return &Service{
		name: name,
		port: port,
	}
}

// Start registers the mDNS service and blocks until ctx is cancelled, at
// which point it shuts down the server cleanly.
func (s *Service) Start(ctx context.Context) error {
	txt := []string{"version=" + daemonVersion, "role=btaudiod"}

	server, err := zeroconf.Register(
		s.name,      // instance name
		serviceType, // service type
		"local.",    // domain
		s.port,      // port
		txt,         // TXT records
		nil,         // ifaces — nil means all interfaces
	)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	s.server = server
	slog.Info("zeroconf: registered mDNS service",
		"name", s.name,
		"port", s.port,
		"txt", txt,
	)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}

// UpdateTXT updates the TXT records for the registered service.
// Note: grandcat/zeroconf v1.0.0 does not expose a SetText method; to update
// TXT records the server must be restarted. This is a best-effort operation.
func (s *Service) UpdateTXT(records []string) error {
	if s.server == nil {
		return fmt.Errorf("zeroconf: server not started")
	}
	// The grandcat/zeroconf library does not provide a live TXT update API.
	// Log the intended update; callers should restart the service to apply changes.
	slog.Info("zeroconf: TXT update requested (requires service restart to apply)", "records", records)
	return nil
}
