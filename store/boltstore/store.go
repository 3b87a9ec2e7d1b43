// Package boltstore persists engine state in a single BoltDB file.
package boltstore

import (
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quillchat/e2ee"
)

var (
	bucketMeta     = []byte("meta")
	bucketDevices  = []byte("devices")
	bucketRooms    = []byte("rooms")
	bucketSessions = []byte("sessions")

	keyDeviceID    = []byte("device_id")
	keyAnnounced   = []byte("device_announced")
	keySessionBlob = []byte("snapshot")
)

// SnapshotFunc produces the serialized session state to persist.
type SnapshotFunc func() ([]byte, error)

// Store implements the engine's persistence contract on BoltDB.
type Store struct {
	db        *bolt.DB
	snapshot  SnapshotFunc
	corrupted atomic.Bool
}

// storedDevice wraps a device record with its local trust state, which is
// deliberately excluded from the record's own JSON form.
type storedDevice struct {
	Record *e2ee.DeviceRecord `json:"record"`
	Trust  int                `json:"trust"`
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketDevices, bucketRooms, bucketSessions} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// SetSessionSource registers the callback FlushSessions snapshots from.
func (s *Store) SetSessionSource(fn SnapshotFunc) {
	s.snapshot = fn
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DeviceID returns the stored device id, or "" when none was stored yet.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(bucketMeta).Get(keyDeviceID))
		return nil
	})
	return id, err
}

// StoreDeviceID persists the device id.
func (s *Store) StoreDeviceID(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyDeviceID, []byte(deviceID))
	})
}

// DevicesForUser returns the stored device map for one user, or nil.
func (s *Store) DevicesForUser(userID string) (map[string]*e2ee.DeviceRecord, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw = tx.Bucket(bucketDevices).Get([]byte(userID))
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var stored map[string]storedDevice
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.corrupted.Store(true)
		return nil, e2ee.ErrStoreCorrupted
	}

	devices := make(map[string]*e2ee.DeviceRecord, len(stored))
	for id, sd := range stored {
		record := sd.Record
		record.Trust = e2ee.TrustState(sd.Trust)
		devices[id] = record
	}
	return devices, nil
}

// StoreDevicesForUser replaces the stored device map for one user.
func (s *Store) StoreDevicesForUser(userID string, devices map[string]*e2ee.DeviceRecord) error {
	stored := make(map[string]storedDevice, len(devices))
	for id, record := range devices {
		stored[id] = storedDevice{Record: record, Trust: int(record.Trust)}
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(userID), raw)
	})
}

// DeviceWithDeviceID returns one stored device, or nil.
func (s *Store) DeviceWithDeviceID(userID, deviceID string) (*e2ee.DeviceRecord, error) {
	devices, err := s.DevicesForUser(userID)
	if err != nil {
		return nil, err
	}
	return devices[deviceID], nil
}

// StoreDeviceForUser stores one device, preserving the user's other devices.
func (s *Store) StoreDeviceForUser(userID string, device *e2ee.DeviceRecord) error {
	devices, err := s.DevicesForUser(userID)
	if err != nil {
		return err
	}
	if devices == nil {
		devices = make(map[string]*e2ee.DeviceRecord, 1)
	}
	devices[device.DeviceID] = device
	return s.StoreDevicesForUser(userID, devices)
}

// AlgorithmForRoom returns the bound algorithm for a room, or "".
func (s *Store) AlgorithmForRoom(roomID string) (string, error) {
	var algorithm string
	err := s.db.View(func(tx *bolt.Tx) error {
		algorithm = string(tx.Bucket(bucketRooms).Get([]byte(roomID)))
		return nil
	})
	return algorithm, err
}

// StoreAlgorithmForRoom persists the algorithm binding for a room.
func (s *Store) StoreAlgorithmForRoom(roomID, algorithm string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Put([]byte(roomID), []byte(algorithm))
	})
}

// DeviceAnnounced reports whether the announcement sweep already ran.
func (s *Store) DeviceAnnounced() (bool, error) {
	var announced bool
	err := s.db.View(func(tx *bolt.Tx) error {
		announced = tx.Bucket(bucketMeta).Get(keyAnnounced) != nil
		return nil
	})
	return announced, err
}

// StoreDeviceAnnounced records that the announcement sweep completed.
func (s *Store) StoreDeviceAnnounced() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyAnnounced, []byte{1})
	})
}

// FlushSessions snapshots the registered session source to disk.
func (s *Store) FlushSessions() error {
	if s.snapshot == nil {
		return nil
	}
	data, err := s.snapshot()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put(keySessionBlob, data)
	})
}

// LoadSessions returns the last flushed session snapshot, or nil.
func (s *Store) LoadSessions() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSessions).Get(keySessionBlob); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	return data, err
}

// IsCorrupted reports whether any read hit undecodable data.
func (s *Store) IsCorrupted() bool {
	return s.corrupted.Load()
}
