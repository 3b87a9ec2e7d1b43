// Package sqlstore persists engine state in SQLite, for clients that already
// ship a relational store.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillchat/e2ee"
)

// SnapshotFunc produces the serialized session state to persist.
type SnapshotFunc func() ([]byte, error)

// Store implements the engine's persistence contract on SQLite.
type Store struct {
	db        *sql.DB
	snapshot  SnapshotFunc
	mu        sync.RWMutex
	corrupted atomic.Bool
}

// Open opens or creates the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates the database schema if it doesn't exist
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			record TEXT NOT NULL,
			trust INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS room_algorithms (
			room_id TEXT PRIMARY KEY,
			algorithm TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_snapshots (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SetSessionSource registers the callback FlushSessions snapshots from.
func (s *Store) SetSessionSource(fn SnapshotFunc) {
	s.snapshot = fn
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// DeviceID returns the stored device id, or "" when none was stored yet.
func (s *Store) DeviceID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMeta("device_id")
}

// StoreDeviceID persists the device id.
func (s *Store) StoreDeviceID(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMeta("device_id", deviceID)
}

// DevicesForUser returns the stored device map for one user, or nil.
func (s *Store) DevicesForUser(userID string) (map[string]*e2ee.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT device_id, record, trust FROM devices WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices map[string]*e2ee.DeviceRecord
	for rows.Next() {
		var deviceID, raw string
		var trust int
		if err := rows.Scan(&deviceID, &raw, &trust); err != nil {
			return nil, err
		}

		var record e2ee.DeviceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.corrupted.Store(true)
			return nil, e2ee.ErrStoreCorrupted
		}
		record.Trust = e2ee.TrustState(trust)

		if devices == nil {
			devices = make(map[string]*e2ee.DeviceRecord)
		}
		devices[deviceID] = &record
	}
	return devices, rows.Err()
}

// StoreDevicesForUser replaces the stored device map for one user.
func (s *Store) StoreDevicesForUser(userID string, devices map[string]*e2ee.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM devices WHERE user_id = ?", userID); err != nil {
		return err
	}
	for deviceID, record := range devices {
		raw, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"INSERT INTO devices (user_id, device_id, record, trust) VALUES (?, ?, ?, ?)",
			userID, deviceID, string(raw), int(record.Trust),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeviceWithDeviceID returns one stored device, or nil.
func (s *Store) DeviceWithDeviceID(userID, deviceID string) (*e2ee.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	var trust int
	err := s.db.QueryRow(
		"SELECT record, trust FROM devices WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	).Scan(&raw, &trust)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record e2ee.DeviceRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.corrupted.Store(true)
		return nil, e2ee.ErrStoreCorrupted
	}
	record.Trust = e2ee.TrustState(trust)
	return &record, nil
}

// StoreDeviceForUser stores one device, preserving the user's other devices.
func (s *Store) StoreDeviceForUser(userID string, device *e2ee.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(device)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO devices (user_id, device_id, record, trust) VALUES (?, ?, ?, ?)",
		userID, device.DeviceID, string(raw), int(device.Trust),
	)
	return err
}

// AlgorithmForRoom returns the bound algorithm for a room, or "".
func (s *Store) AlgorithmForRoom(roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var algorithm string
	err := s.db.QueryRow("SELECT algorithm FROM room_algorithms WHERE room_id = ?", roomID).Scan(&algorithm)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return algorithm, err
}

// StoreAlgorithmForRoom persists the algorithm binding for a room.
func (s *Store) StoreAlgorithmForRoom(roomID, algorithm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO room_algorithms (room_id, algorithm) VALUES (?, ?)",
		roomID, algorithm,
	)
	return err
}

// DeviceAnnounced reports whether the announcement sweep already ran.
func (s *Store) DeviceAnnounced() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.getMeta("device_announced")
	return value != "", err
}

// StoreDeviceAnnounced records that the announcement sweep completed.
func (s *Store) StoreDeviceAnnounced() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setMeta("device_announced", "1")
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

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session_snapshots (id, data, updated_at) VALUES (1, ?, ?)",
		data, time.Now().UTC(),
	)
	return err
}

// LoadSessions returns the last flushed session snapshot, or nil.
func (s *Store) LoadSessions() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow("SELECT data FROM session_snapshots WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// IsCorrupted reports whether any read hit undecodable data.
func (s *Store) IsCorrupted() bool {
	return s.corrupted.Load()
}
