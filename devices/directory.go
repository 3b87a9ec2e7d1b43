// Package devices caches and reconciles device-identity records per user,
// validating freshly downloaded keys against signatures and prior trust.
package devices

import (
	"context"
	"strings"
	"sync"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/internal/observability"
)

// TrustWatcher is notified after a device's trust state actually changes.
// Watchers run outside the directory lock.
type TrustWatcher func(userID, deviceID string)

// Directory owns the device cache. All reads and merges go through it; the
// unit of persistence write-back is all devices for one user.
type Directory struct {
	store     e2ee.CryptoStore
	engine    e2ee.CryptoEngine
	transport e2ee.Transport
	log       *observability.Logger
	metrics   *observability.Metrics

	mu    sync.Mutex
	cache map[string]map[string]*e2ee.DeviceRecord

	watcherMu sync.Mutex
	watchers  []TrustWatcher
}

// NewDirectory creates a device directory backed by the given collaborators.
func NewDirectory(store e2ee.CryptoStore, engine e2ee.CryptoEngine, transport e2ee.Transport, log *observability.Logger, metrics *observability.Metrics) *Directory {
	return &Directory{
		store:     store,
		engine:    engine,
		transport: transport,
		log:       log,
		metrics:   metrics,
		cache:     make(map[string]map[string]*e2ee.DeviceRecord),
	}
}

// RegisterTrustWatcher adds a callback invoked on trust-state changes.
func (d *Directory) RegisterTrustWatcher(w TrustWatcher) {
	d.watcherMu.Lock()
	d.watchers = append(d.watchers, w)
	d.watcherMu.Unlock()
}

// cachedDevicesLocked returns the cached device map for a user, loading it
// from the store on first access. Caller holds d.mu.
func (d *Directory) cachedDevicesLocked(userID string) map[string]*e2ee.DeviceRecord {
	if devices, ok := d.cache[userID]; ok {
		return devices
	}
	devices, err := d.store.DevicesForUser(userID)
	if err != nil {
		d.log.WithUser(userID).Error(err, "failed to load stored devices")
		devices = nil
	}
	if devices == nil {
		devices = make(map[string]*e2ee.DeviceRecord)
	}
	d.cache[userID] = devices
	return devices
}

// DownloadKeys returns the device records for the given users, downloading
// them when not cached or when forceDownload is set. Transport errors are
// surfaced unchanged; invalid records are excluded, with any previously
// validated record kept in their place.
func (d *Directory) DownloadKeys(ctx context.Context, userIDs []string, forceDownload bool) (map[string]map[string]*e2ee.DeviceRecord, error) {
	ctx, span := observability.Tracer().Start(ctx, "devices.DownloadKeys")
	defer span.End()

	result := make(map[string]map[string]*e2ee.DeviceRecord)
	var downloadUsers []string

	d.mu.Lock()
	for _, userID := range userIDs {
		devices := d.cachedDevicesLocked(userID)
		if len(devices) > 0 {
			result[userID] = copyDeviceMap(devices)
		}
		if len(devices) == 0 || forceDownload {
			downloadUsers = append(downloadUsers, userID)
		}
	}
	d.mu.Unlock()

	if len(downloadUsers) == 0 {
		return result, nil
	}

	downloaded, err := d.transport.DownloadDeviceKeys(ctx, downloadUsers)
	if err != nil {
		d.metrics.DeviceDownloadsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	d.metrics.DeviceDownloadsTotal.WithLabelValues("success").Inc()

	d.mu.Lock()
	for userID, rawDevices := range downloaded {
		merged := make(map[string]*e2ee.DeviceRecord, len(rawDevices))
		prevDevices := d.cachedDevicesLocked(userID)

		for deviceID, raw := range rawDevices {
			prev := prevDevices[deviceID]

			if reason := d.validateRecord(raw, userID, deviceID, prev); reason != "" {
				d.metrics.RecordDeviceValidation(false)
				d.log.DeviceRejected(userID, deviceID, reason)
				if prev != nil {
					// Keep the previously validated record rather than
					// dropping an already trusted device.
					merged[deviceID] = prev
				}
				continue
			}

			d.metrics.RecordDeviceValidation(true)
			accepted := raw.Clone()
			if prev != nil {
				// Trust is local client state, never reflected in the
				// signed payload. Carry it forward.
				accepted.Trust = prev.Trust
			}
			merged[deviceID] = accepted
		}

		if err := d.store.StoreDevicesForUser(userID, merged); err != nil {
			d.log.WithUser(userID).Error(err, "failed to persist device map")
		}
		d.cache[userID] = merged
		result[userID] = copyDeviceMap(merged)
	}
	d.mu.Unlock()

	return result, nil
}

// validateRecord applies the acceptance checks to a downloaded record and
// returns a rejection reason, or "" when the record is valid.
func (d *Directory) validateRecord(raw *e2ee.DeviceRecord, userID, deviceID string, prev *e2ee.DeviceRecord) string {
	if raw == nil || len(raw.Keys) == 0 {
		return "no keys"
	}
	if raw.UserID != userID {
		return "mismatched user_id " + raw.UserID
	}
	if raw.DeviceID != deviceID {
		return "mismatched device_id " + raw.DeviceID
	}

	signingKey := raw.SigningKey()
	if signingKey == "" {
		return "no ed25519 signing key"
	}

	signKeyID := e2ee.KeyTypeEd25519 + ":" + deviceID
	signature := raw.Signatures[userID][signKeyID]
	if signature == "" {
		return "record is not self-signed"
	}

	if err := d.engine.VerifySignature(signingKey, raw.SignableContent(), signature); err != nil {
		return "invalid self-signature"
	}

	if prev != nil && prev.SigningKey() != signingKey {
		// A changed signing key means the device list may have been
		// tampered with in transit. Stick with the original keys.
		return "ed25519 signing key has changed"
	}

	return ""
}

// StoredDevices returns the cached (or stored) devices for a user.
func (d *Directory) StoredDevices(userID string) []*e2ee.DeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	devices := d.cachedDevicesLocked(userID)
	out := make([]*e2ee.DeviceRecord, 0, len(devices))
	for _, device := range devices {
		out = append(out, device.Clone())
	}
	return out
}

// DeviceInfo returns the record for one (user, device), or nil.
func (d *Directory) DeviceInfo(userID, deviceID string) *e2ee.DeviceRecord {
	if userID == "" || deviceID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	device := d.cachedDevicesLocked(userID)[deviceID]
	if device == nil {
		return nil
	}
	return device.Clone()
}

// DeviceByIdentityKey finds a user's device by its curve25519 identity key.
// Only algorithms that exchange such keys are eligible.
func (d *Directory) DeviceByIdentityKey(identityKey, userID, algorithm string) *e2ee.DeviceRecord {
	if algorithm != e2ee.AlgorithmOlm && algorithm != e2ee.AlgorithmMegolm {
		return nil
	}
	if userID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, device := range d.cachedDevicesLocked(userID) {
		for keyID, key := range device.Keys {
			if strings.HasPrefix(keyID, e2ee.KeyTypeCurve25519+":") && key == identityKey {
				return device.Clone()
			}
		}
	}
	return nil
}

// SetTrustState updates the trust state of a device, persisting the change
// and notifying trust watchers when the state actually changed.
func (d *Directory) SetTrustState(userID, deviceID string, state e2ee.TrustState) {
	d.mu.Lock()
	device := d.cachedDevicesLocked(userID)[deviceID]
	if device == nil {
		d.mu.Unlock()
		d.log.WithDevice(userID, deviceID).Warn("cannot set trust state of unknown device")
		return
	}
	if device.Trust == state {
		d.mu.Unlock()
		return
	}
	device.Trust = state
	if err := d.store.StoreDeviceForUser(userID, device); err != nil {
		d.log.WithDevice(userID, deviceID).Error(err, "failed to persist trust state")
	}
	d.mu.Unlock()

	d.metrics.TrustChangesTotal.WithLabelValues(state.String()).Inc()

	// Watchers may call back into encryptors that take their own locks, so
	// the cache lock must be released first.
	d.watcherMu.Lock()
	watchers := append([]TrustWatcher(nil), d.watchers...)
	d.watcherMu.Unlock()
	for _, w := range watchers {
		w(userID, deviceID)
	}
}

// copyDeviceMap deep-copies a device map. Records handed out of the directory
// are always copies: the cached record is the only one SetTrustState mutates,
// so callers can read theirs without holding the directory lock.
func copyDeviceMap(in map[string]*e2ee.DeviceRecord) map[string]*e2ee.DeviceRecord {
	out := make(map[string]*e2ee.DeviceRecord, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}
