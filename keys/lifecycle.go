// Package keys uploads this device's identity keys and keeps the server-side
// pool of one-time keys topped up to a target level.
package keys

import (
	"context"
	"sync"
	"time"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/internal/observability"
)

// Manager runs the key lifecycle: the signed identity-key bundle is uploaded
// once per run, and one-time keys are replenished toward half the engine's
// storable capacity.
type Manager struct {
	transport e2ee.Transport
	engine    e2ee.CryptoEngine
	log       *observability.Logger
	metrics   *observability.Metrics

	ownUserID string
	ownDevice *e2ee.DeviceRecord

	mu                 sync.Mutex
	deviceKeysUploaded bool
	lastPublished      map[string]string
}

// NewManager creates a key lifecycle manager for the given own device.
func NewManager(transport e2ee.Transport, engine e2ee.CryptoEngine, ownDevice *e2ee.DeviceRecord, log *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		transport: transport,
		engine:    engine,
		log:       log,
		metrics:   metrics,
		ownUserID: ownDevice.UserID,
		ownDevice: ownDevice,
	}
}

// UploadKeys uploads the identity-key bundle if this run has not done so yet,
// then tops up the server's one-time keys. maxNewKeys bounds how many keys a
// single invocation may generate, since generation is expensive.
//
// Only half the engine's capacity is kept on the server: the remaining slots
// hold private keys for claims whose first message has not arrived yet, and
// may never arrive.
func (m *Manager) UploadKeys(ctx context.Context, maxNewKeys int) error {
	ctx, span := observability.Tracer().Start(ctx, "keys.UploadKeys")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	started := time.Now()

	ack, err := m.uploadDeviceKeys(ctx)
	if err != nil {
		m.metrics.RecordKeyUpload(false, 0, 0, 0)
		return err
	}

	serverCount := ack.OneTimeKeyCounts[e2ee.KeyTypeSignedCurve25519]
	capacity := m.engine.MaxOneTimeKeys()
	target := capacity / 2

	deficit := target - serverCount
	if deficit < 0 {
		deficit = 0
	}
	generateCount := deficit
	if generateCount > maxNewKeys {
		generateCount = maxNewKeys
	}

	if generateCount == 0 {
		m.metrics.RecordKeyUpload(true, 0, serverCount, time.Since(started).Seconds())
		return nil
	}

	if err := m.engine.GenerateOneTimeKeys(generateCount); err != nil {
		m.metrics.RecordKeyUpload(false, 0, serverCount, 0)
		return err
	}

	if err := m.uploadOneTimeKeys(ctx); err != nil {
		m.metrics.RecordKeyUpload(false, 0, serverCount, 0)
		return err
	}

	m.metrics.RecordKeyUpload(true, generateCount, serverCount+generateCount, time.Since(started).Seconds())
	m.log.KeysUploaded(generateCount, serverCount, capacity)
	return nil
}

// uploadDeviceKeys uploads the self-signed identity bundle on the first cycle
// of this run. Later cycles upload an empty bundle, which still returns the
// server's current one-time-key counts.
func (m *Manager) uploadDeviceKeys(ctx context.Context) (e2ee.UploadAck, error) {
	if m.deviceKeysUploaded {
		return m.transport.UploadDeviceKeys(ctx, nil)
	}

	signature, err := m.engine.SignJSON(m.ownDevice.SignableContent())
	if err != nil {
		return e2ee.UploadAck{}, err
	}
	m.ownDevice.Signatures = map[string]map[string]string{
		m.ownUserID: {
			e2ee.KeyTypeEd25519 + ":" + m.ownDevice.DeviceID: signature,
		},
	}

	ack, err := m.transport.UploadDeviceKeys(ctx, m.ownDevice.WireContent())
	if err != nil {
		return e2ee.UploadAck{}, err
	}
	m.deviceKeysUploaded = true
	return ack, nil
}

// uploadOneTimeKeys signs and uploads every unpublished one-time key, then
// marks them published in the engine so they are not generated again.
func (m *Manager) uploadOneTimeKeys(ctx context.Context) error {
	unpublished := m.engine.OneTimeKeys()

	signed := make(map[string]any, len(unpublished))
	for keyID, value := range unpublished {
		entry := map[string]any{"key": value}
		signature, err := m.engine.SignJSON(entry)
		if err != nil {
			return err
		}
		entry["signatures"] = map[string]map[string]string{
			m.ownUserID: {
				e2ee.KeyTypeEd25519 + ":" + m.ownDevice.DeviceID: signature,
			},
		}
		signed[e2ee.KeyTypeSignedCurve25519+":"+keyID] = entry
	}

	if _, err := m.transport.UploadOneTimeKeys(ctx, signed); err != nil {
		return err
	}

	m.lastPublished = unpublished
	m.engine.MarkKeysPublished()
	return nil
}

// LastPublishedKeys returns the one-time keys published by the most recent
// successful upload, key id -> base64 value.
func (m *Manager) LastPublishedKeys() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPublished
}
