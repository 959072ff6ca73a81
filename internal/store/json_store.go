package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/micro-nova/btaudiod/internal/models"
)

const (
	devicesFileName  = "paired_devices.json"
	settingsFileName = "settings.json"
)

type devicesDoc struct {
	Devices []models.PersistedDevice `json:"devices"`
}

// JSONStore is an atomic two-file JSON store: paired_devices.json and
// settings.json under a data directory (spec §4.1, §6). Every mutating
// method serializes the whole affected document to a sibling .tmp file
// and renames it into place before returning, so a crash mid-write is
// never observable (spec invariant 6, property law 2).
type JSONStore struct {
	mu       sync.RWMutex
	dir      string
	devices  []models.PersistedDevice
	settings models.GlobalSettings

	// onChange is invoked after every successful write, mirroring the
	// StoreChanged event of spec §4.1. It is optional so tests can use
	// a JSONStore without a live EventBus.
	onChange func()

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewJSONStore creates a store rooted at dataDir. Call Load before use.
func NewJSONStore(dataDir string, onChange func()) *JSONStore {
	return &JSONStore{dir: dataDir, onChange: onChange}
}

func (s *JSONStore) devicesPath() string  { return filepath.Join(s.dir, devicesFileName) }
func (s *JSONStore) settingsPath() string { return filepath.Join(s.dir, settingsFileName) }

// Load reads both files from disk. Absent files initialize to empty/default
// documents (first boot); malformed JSON is a fatal StoreCorrupt error
// rather than being silently discarded (spec §4.1).
func (s *JSONStore) Load() (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return models.Document{}, fmt.Errorf("store: create data dir: %w", err)
	}

	devices, err := loadJSON[devicesDoc](s.devicesPath())
	if err != nil {
		return models.Document{}, models.NewCoreError(models.ErrStoreCorrupt, "", err.Error())
	}
	if devices == nil {
		devices = &devicesDoc{Devices: []models.PersistedDevice{}}
	}

	settings, err := loadJSON[models.GlobalSettings](s.settingsPath())
	if err != nil {
		return models.Document{}, models.NewCoreError(models.ErrStoreCorrupt, "", err.Error())
	}
	if settings == nil {
		def := models.DefaultGlobalSettings()
		settings = &def
	}

	s.devices = devices.Devices
	s.settings = *settings

	s.startWatch()

	return models.Document{Devices: cloneDevices(s.devices), Settings: s.settings}, nil
}

// loadJSON reads and unmarshals path into a new T. A missing file returns
// (nil, nil); any other error (including malformed JSON) is returned as-is
// so the caller can classify it as StoreCorrupt.
func loadJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &v, nil
}

func writeAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONStore) saveDevicesLocked() error {
	if err := writeAtomic(s.devicesPath(), devicesDoc{Devices: s.devices}); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

func (s *JSONStore) saveSettingsLocked() error {
	if err := writeAtomic(s.settingsPath(), s.settings); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange()
	}
	return nil
}

func (s *JSONStore) Devices() []models.PersistedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDevices(s.devices)
}

func (s *JSONStore) Device(address string) (models.PersistedDevice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.Address == address {
			return d.Clone(), true
		}
	}
	return models.PersistedDevice{}, false
}

// UpsertDevice inserts or replaces the record for d.Address (invariant 1:
// at most one entry per MAC).
func (s *JSONStore) UpsertDevice(d models.PersistedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.devices {
		if existing.Address == d.Address {
			s.devices[i] = d
			return s.saveDevicesLocked()
		}
	}
	s.devices = append(s.devices, d)
	return s.saveDevicesLocked()
}

func (s *JSONStore) UpdateDevice(address string, patch models.DevicePatch) (models.PersistedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if d.Address != address {
			continue
		}
		if patch.MpdPort != nil {
			if used, by := s.usedPortLocked(*patch.MpdPort); used && by != address {
				return models.PersistedDevice{}, models.NewCoreError(models.ErrBadRequest, "mpd_port already in use by another device", by)
			}
		}
		next, err := patch.Apply(d)
		if err != nil {
			return models.PersistedDevice{}, err
		}
		s.devices[i] = next
		if err := s.saveDevicesLocked(); err != nil {
			return models.PersistedDevice{}, err
		}
		return next.Clone(), nil
	}
	return models.PersistedDevice{}, models.NewCoreError(models.ErrNotFound, "device not found", address)
}

func (s *JSONStore) RemoveDevice(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.devices[:0:0]
	for _, d := range s.devices {
		if d.Address != address {
			out = append(out, d)
		}
	}
	s.devices = out
	return s.saveDevicesLocked()
}

func (s *JSONStore) Settings() models.GlobalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *JSONStore) PutSettings(v models.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = v
	return s.saveSettingsLocked()
}

func (s *JSONStore) usedPortLocked(port int) (bool, string) {
	for _, d := range s.devices {
		if d.MpdPort != nil && *d.MpdPort == port {
			return true, d.Address
		}
	}
	return false, ""
}

// AllocateMpdPort returns the device's already-assigned port if present,
// otherwise the lowest free port in [MpdPortMin, MpdPortMax] (spec §4.8,
// property law 8: unique across the store at any instant).
func (s *JSONStore) AllocateMpdPort(address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, d := range s.devices {
		if d.Address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, models.NewCoreError(models.ErrNotFound, "device not found", address)
	}
	if s.devices[idx].MpdPort != nil {
		return *s.devices[idx].MpdPort, nil
	}
	used := map[int]bool{}
	for _, d := range s.devices {
		if d.MpdPort != nil {
			used[*d.MpdPort] = true
		}
	}
	for port := models.MpdPortMin; port <= models.MpdPortMax; port++ {
		if !used[port] {
			s.devices[idx].MpdPort = &port
			if err := s.saveDevicesLocked(); err != nil {
				return 0, err
			}
			return port, nil
		}
	}
	return 0, models.NewCoreError(models.ErrNoFreeMpdPort, "", "")
}

func (s *JSONStore) ReleaseMpdPort(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if d.Address == address {
			s.devices[i].MpdPort = nil
			return s.saveDevicesLocked()
		}
	}
	return nil
}

func (s *JSONStore) Path() string { return s.dir }

// startWatch installs an fsnotify watcher on the data directory so an
// operator hand-editing settings.json (or restoring a backup) is picked
// up rather than silently overwritten by the next in-process write. Best
// effort: a failure to start the watcher is logged, not fatal.
func (s *JSONStore) startWatch() {
	if s.watcher != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("store: could not create fsnotify watcher", "err", err)
		return
	}
	if err := w.Add(s.dir); err != nil {
		slog.Warn("store: could not watch data dir", "dir", s.dir, "err", err)
		w.Close()
		return
	}
	s.watcher = w
	s.done = make(chan struct{})
	go s.watchLoop()
}

func (s *JSONStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(ev.Name)
			if base != devicesFileName && base != settingsFileName {
				continue
			}
			slog.Info("store: external edit detected, reloading", "file", base)
			if _, err := s.Load(); err != nil {
				slog.Error("store: reload after external edit failed", "err", err)
				continue
			}
			if s.onChange != nil {
				s.onChange()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("store: fsnotify error", "err", err)
		case <-s.done:
			return
		}
	}
}

func (s *JSONStore) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

func cloneDevices(in []models.PersistedDevice) []models.PersistedDevice {
	out := make([]models.PersistedDevice, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
