// Package sessions establishes pairwise encrypted sessions with remote
// devices on demand, claiming one-time keys when no session exists yet.
package sessions

import (
	"context"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/devices"
	"github.com/quillchat/e2ee/internal/observability"
)

// Outcome reports the session state for one device after EnsureSessions. A
// device whose claimed key failed verification keeps an empty SessionID.
type Outcome struct {
	Device    *e2ee.DeviceRecord
	SessionID string
}

// Establisher ensures sessions exist before first use. Session key material
// itself lives in the crypto engine; this type only orchestrates claims.
type Establisher struct {
	directory *devices.Directory
	engine    e2ee.CryptoEngine
	transport e2ee.Transport
	store     e2ee.CryptoStore
	log       *observability.Logger
	metrics   *observability.Metrics
}

// NewEstablisher creates a session establisher.
func NewEstablisher(directory *devices.Directory, engine e2ee.CryptoEngine, transport e2ee.Transport, store e2ee.CryptoStore, log *observability.Logger, metrics *observability.Metrics) *Establisher {
	return &Establisher{
		directory: directory,
		engine:    engine,
		transport: transport,
		store:     store,
		log:       log,
		metrics:   metrics,
	}
}

// EnsureSessions makes sure an outbound session exists for every stored,
// non-blocked device of the given users, excluding this device itself. The
// result maps user id -> device id -> outcome.
//
// Two concurrent calls for the same device can each observe "no session" and
// independently claim keys, leaving duplicate outbound sessions for that
// device. That eventually resolves itself and is accepted here; callers
// wanting a stronger guarantee would need a per-device claim lock held across
// the network round trip, at a latency cost.
func (e *Establisher) EnsureSessions(ctx context.Context, userIDs []string) (map[string]map[string]*Outcome, error) {
	ctx, span := observability.Tracer().Start(ctx, "sessions.EnsureSessions")
	defer span.End()

	results := make(map[string]map[string]*Outcome)
	var devicesWithoutSession []*e2ee.DeviceRecord

	ownIdentityKey := e.engine.IdentityKey()

	for _, userID := range userIDs {
		for _, device := range e.directory.StoredDevices(userID) {
			identityKey := device.IdentityKey()

			if identityKey == ownIdentityKey {
				// No point in a session with ourself.
				continue
			}
			if device.Trust == e2ee.TrustBlocked {
				continue
			}

			sessionID := e.engine.SessionIDForKey(identityKey)
			if sessionID == "" {
				devicesWithoutSession = append(devicesWithoutSession, device)
			}

			if results[device.UserID] == nil {
				results[device.UserID] = make(map[string]*Outcome)
			}
			results[device.UserID][device.DeviceID] = &Outcome{Device: device, SessionID: sessionID}
		}
	}

	if len(devicesWithoutSession) == 0 {
		return results, nil
	}

	toClaim := make(map[string]map[string]string)
	for _, device := range devicesWithoutSession {
		if toClaim[device.UserID] == nil {
			toClaim[device.UserID] = make(map[string]string)
		}
		toClaim[device.UserID][device.DeviceID] = e2ee.KeyTypeSignedCurve25519
	}

	claimed, err := e.transport.ClaimOneTimeKeys(ctx, toClaim)
	if err != nil {
		return nil, err
	}

	hasNewOutboundSession := false

	for userID, deviceKeys := range claimed {
		for deviceID, key := range deviceKeys {
			outcome := results[userID][deviceID]
			if outcome == nil {
				continue
			}

			if key == nil || key.Type != e2ee.KeyTypeSignedCurve25519 {
				e.log.WithDevice(userID, deviceID).Warn("no valid one-time key claimed")
				e.metrics.RecordClaim(false)
				continue
			}

			signKeyID := e2ee.KeyTypeEd25519 + ":" + deviceID
			signature := key.SignatureFor(userID, signKeyID)
			if signature == "" {
				e.log.WithDevice(userID, deviceID).Warn("claimed one-time key is unsigned")
				e.metrics.RecordClaim(false)
				continue
			}

			signKey := outcome.Device.SigningKey()
			if err := e.engine.VerifySignature(signKey, key.SignableContent(), signature); err != nil {
				e.log.WithDevice(userID, deviceID).Error(err, "claimed one-time key has a bad signature")
				e.metrics.RecordClaim(false)
				continue
			}

			sessionID, err := e.engine.CreateOutboundSession(outcome.Device.IdentityKey(), key.Value)
			if err != nil {
				e.log.WithDevice(userID, deviceID).Error(err, "failed to create outbound session")
				e.metrics.RecordClaim(false)
				continue
			}

			outcome.SessionID = sessionID
			hasNewOutboundSession = true
			e.metrics.RecordClaim(true)
			e.metrics.SessionsEstablishedTotal.Inc()
			e.log.SessionEstablished(userID, deviceID, sessionID)
		}
	}

	if hasNewOutboundSession {
		// A session believed established must survive a crash.
		if err := e.store.FlushSessions(); err != nil {
			e.log.Error(err, "failed to flush sessions")
		}
	}

	return results, nil
}
