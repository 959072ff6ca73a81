// Package store implements the atomic on-disk JSON persistence of paired
// devices and global settings (spec §4.1).
package store

import "github.com/micro-nova/btaudiod/internal/models"

// Store is the interface the coordinator uses to persist and reload state.
// A read lock covers a single Get*; a write lock covers a full
// read-modify-write cycle so two concurrent mutations can never interleave
// (spec invariant 6).
type Store interface {
	// Load reads both documents from disk. An absent file initializes to
	// an empty document; a malformed file returns ErrStoreCorrupt rather
	// than silently discarding it.
	Load() (models.Document, error)

	Devices() []models.PersistedDevice
	Device(address string) (models.PersistedDevice, bool)

	UpsertDevice(d models.PersistedDevice) error
	UpdateDevice(address string, patch models.DevicePatch) (models.PersistedDevice, error)
	RemoveDevice(address string) error

	Settings() models.GlobalSettings
	PutSettings(s models.GlobalSettings) error

	// AllocateMpdPort assigns the lowest free port in [MpdPortMin,MpdPortMax]
	// to address, or returns its already-assigned port. Returns
	// ErrNoFreeMpdPort if none are free.
	AllocateMpdPort(address string) (int, error)
	ReleaseMpdPort(address string) error

	// Path returns the directory containing the two JSON files.
	Path() string

	// Close stops the background file watcher, if any.
	Close() error
}
