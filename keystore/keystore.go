// Package keystore implements C1: persistence of per-device long-term
// encryption keys and the head-unit's own stable UnitId.
//
// Grounded on the teacher's device/config.go (a typed config struct plus a
// defaults constructor) and uapi.go (a stable identifier generated once
// and handed out on demand). Unlike the teacher, which only ever streams
// its configuration over a UAPI socket, a paired phone's key must survive
// a reboot, so writes go through internal/atomicfile's write-temp-fsync-
// rename discipline instead.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/atomicfile"
	"github.com/carlinkos/securelink/internal/errs"
	"github.com/carlinkos/securelink/internal/log"
)

// PairedDevice is the persisted record for one paired phone (spec §3).
type PairedDevice struct {
	DeviceID      uuid.UUID `json:"device_id"`
	Address       string    `json:"address"`
	Transport     string    `json:"transport,omitempty"` // "ble" or "rfcomm"; empty means try both
	FriendlyName  string    `json:"friendly_name"`
	EncryptionKey []byte    `json:"encryption_key"`
	ActiveUser    bool      `json:"active_user"`

	// LastHandshake is the TAI64N timestamp of the most recently accepted
	// reconnect handshake for this device, persisted so the replay check
	// survives a daemon restart. Nil/empty for a device that has never
	// completed a reconnect.
	LastHandshake []byte `json:"last_handshake,omitempty"`
}

type unitRecord struct {
	UnitID uuid.UUID `json:"unit_id"`
}

// Store is a KeyStore backed by one JSON file per device plus one singleton
// unit-id file, all under dir. Access is serialized by a mutex; each
// individual save/remove is atomic, and no cross-record transaction is
// needed because at most one record changes per operation (spec §4.1).
type Store struct {
	mu  sync.Mutex
	dir string
	log log.Logger
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Discard
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.StorageError, "create keystore dir", err)
	}
	return &Store{dir: dir, log: logger}, nil
}

func (s *Store) devicePath(id uuid.UUID) string {
	return filepath.Join(s.dir, "device-"+id.String()+".json")
}

func (s *Store) unitPath() string {
	return filepath.Join(s.dir, "unit.json")
}

// GetUnitID returns the head-unit's stable id, generating and persisting
// one on first call.
func (s *Store) GetUnitID() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.unitPath())
	if err == nil {
		var rec unitRecord
		if jsonErr := json.Unmarshal(raw, &rec); jsonErr == nil && rec.UnitID != uuid.Nil {
			return rec.UnitID, nil
		}
		s.log.Errorf("unit id record corrupt, regenerating")
	} else if !os.IsNotExist(err) {
		return uuid.Nil, errs.Wrap(errs.StorageError, "read unit id", err)
	}

	id := uuid.New()
	data, err := json.Marshal(unitRecord{UnitID: id})
	if err != nil {
		return uuid.Nil, errs.Wrap(errs.StorageError, "marshal unit id", err)
	}
	if err := atomicfile.Write(s.unitPath(), data, 0o600); err != nil {
		return uuid.Nil, errs.Wrap(errs.StorageError, "persist unit id", err)
	}
	return id, nil
}

// Load returns the record for id, or (zero, false, nil) if absent or
// corrupt — a partially written record is discarded rather than returned.
func (s *Store) Load(id uuid.UUID) (PairedDevice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *Store) load(id uuid.UUID) (PairedDevice, bool, error) {
	raw, err := os.ReadFile(s.devicePath(id))
	if os.IsNotExist(err) {
		return PairedDevice{}, false, nil
	}
	if err != nil {
		return PairedDevice{}, false, errs.Wrap(errs.StorageError, "read device record", err)
	}
	var rec PairedDevice
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Errorf("discarding corrupt record for %s: %v", id, err)
		return PairedDevice{}, false, nil
	}
	if rec.DeviceID != id || len(rec.EncryptionKey) == 0 {
		s.log.Errorf("discarding integrity-failed record for %s", id)
		return PairedDevice{}, false, nil
	}
	return rec, true, nil
}

// Save atomically persists dev, replacing any prior record for the same
// DeviceID.
func (s *Store) Save(dev PairedDevice) error {
	if dev.DeviceID == uuid.Nil {
		return errs.New(errs.InvalidDeviceID, "cannot save record with nil device id")
	}
	if len(dev.EncryptionKey) == 0 {
		return errs.New(errs.StorageError, "refusing to persist empty encryption key")
	}
	data, err := json.Marshal(dev)
	if err != nil {
		return errs.Wrap(errs.StorageError, "marshal device record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicfile.Write(s.devicePath(dev.DeviceID), data, 0o600); err != nil {
		return errs.Wrap(errs.StorageError, fmt.Sprintf("persist device %s", dev.DeviceID), err)
	}
	return nil
}

// Remove deletes the record for id, if any.
func (s *Store) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.devicePath(id)); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.StorageError, "remove device record", err)
	}
	return nil
}

// ActiveUserDevices returns every persisted record with ActiveUser set.
// At most one is expected by policy, but the store itself doesn't enforce
// that invariant — the caller (manager) does.
func (s *Store) ActiveUserDevices() ([]PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "list keystore dir", err)
	}

	var active []PairedDevice
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isDeviceRecordName(name) {
			continue
		}
		id, err := uuid.Parse(name[len("device-") : len(name)-len(".json")])
		if err != nil {
			continue
		}
		rec, ok, err := s.load(id)
		if err != nil || !ok {
			continue
		}
		if rec.ActiveUser {
			active = append(active, rec)
		}
	}
	return active, nil
}

func isDeviceRecordName(name string) bool {
	const prefix, suffix = "device-", ".json"
	return len(name) > len(prefix)+len(suffix) &&
		name[:len(prefix)] == prefix &&
		name[len(name)-len(suffix):] == suffix
}
