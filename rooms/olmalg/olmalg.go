// Package olmalg implements the pairwise m.olm.v1.curve25519-aes-sha2 room
// algorithm: every message is encrypted separately for each recipient device.
package olmalg

import (
	"context"
	"encoding/json"

	"github.com/quillchat/e2ee"
	"github.com/quillchat/e2ee/devices"
	"github.com/quillchat/e2ee/internal/observability"
	"github.com/quillchat/e2ee/sessions"
)

// Encryptor encrypts room content per recipient device. It keeps no share
// state of its own: sessions are resolved on every send, so membership and
// trust notifications need no bookkeeping here.
type Encryptor struct {
	roomID      string
	ownDevice   *e2ee.DeviceRecord
	directory   *devices.Directory
	establisher *sessions.Establisher
	engine      e2ee.CryptoEngine
	roomState   e2ee.RoomState
	log         *observability.Logger
	metrics     *observability.Metrics
}

// NewEncryptor creates the encryptor for one room.
func NewEncryptor(roomID string, ownDevice *e2ee.DeviceRecord, directory *devices.Directory, establisher *sessions.Establisher, engine e2ee.CryptoEngine, roomState e2ee.RoomState, log *observability.Logger, metrics *observability.Metrics) *Encryptor {
	return &Encryptor{
		roomID:      roomID,
		ownDevice:   ownDevice,
		directory:   directory,
		establisher: establisher,
		engine:      engine,
		roomState:   roomState,
		log:         log.WithRoom(roomID),
		metrics:     metrics,
	}
}

// EncryptContent encrypts content for every joined or invited member's known
// devices. Devices without an established session are silently left out; they
// recover the conversation from a later message once a session exists.
func (e *Encryptor) EncryptContent(ctx context.Context, content map[string]any, eventType string) (map[string]any, error) {
	var userIDs []string
	for _, member := range e.roomState.Members(e.roomID) {
		if member.Membership == e2ee.MembershipJoin || member.Membership == e2ee.MembershipInvite {
			userIDs = append(userIDs, member.UserID)
		}
	}

	if _, err := e.directory.DownloadKeys(ctx, userIDs, false); err != nil {
		return nil, err
	}

	outcomes, err := e.establisher.EnsureSessions(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	ciphertext := make(map[string]any)
	for _, deviceOutcomes := range outcomes {
		for _, outcome := range deviceOutcomes {
			if outcome.SessionID == "" {
				continue
			}

			payload := map[string]any{
				"room_id":       e.roomID,
				"type":          eventType,
				"content":       content,
				"sender":        e.ownDevice.UserID,
				"sender_device": e.ownDevice.DeviceID,
				"keys": map[string]string{
					e2ee.KeyTypeEd25519: e.engine.SigningKey(),
				},
				"recipient": outcome.Device.UserID,
				"recipient_keys": map[string]string{
					e2ee.KeyTypeEd25519: outcome.Device.SigningKey(),
				},
			}
			plaintext, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}

			identityKey := outcome.Device.IdentityKey()
			enc, err := e.engine.EncryptForSession(identityKey, outcome.SessionID, plaintext)
			if err != nil {
				e.log.WithDevice(outcome.Device.UserID, outcome.Device.DeviceID).Error(err, "failed to encrypt for device")
				continue
			}
			ciphertext[identityKey] = enc
		}
	}

	// An envelope nobody can read is not a successful encryption.
	if len(ciphertext) == 0 {
		e.metrics.EncryptionsTotal.WithLabelValues("empty").Inc()
	} else {
		e.metrics.EncryptionsTotal.WithLabelValues("success").Inc()
	}
	return map[string]any{
		"algorithm":  e2ee.AlgorithmOlm,
		"sender_key": e.engine.IdentityKey(),
		"ciphertext": ciphertext,
	}, nil
}

// OnNewDevice is a no-op: a session with the new device is established by the
// next send.
func (e *Encryptor) OnNewDevice(userID, deviceID string) {}

// OnMembershipChange is a no-op: the member list is re-read on every send.
func (e *Encryptor) OnMembershipChange(change e2ee.MembershipChange) {}

// OnTrustChange is a no-op: blocked devices are excluded during session
// establishment.
func (e *Encryptor) OnTrustChange(userID, deviceID string) {}

// Decryptor decrypts pairwise-encrypted events addressed to this device.
type Decryptor struct {
	roomID  string
	engine  e2ee.CryptoEngine
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewDecryptor creates a decryptor; roomID may be empty for direct
// device-to-device events.
func NewDecryptor(roomID string, engine e2ee.CryptoEngine, log *observability.Logger, metrics *observability.Metrics) *Decryptor {
	return &Decryptor{
		roomID:  roomID,
		engine:  engine,
		log:     log.WithRoom(roomID),
		metrics: metrics,
	}
}

// DecryptEvent decrypts the event in place. On success the clear payload is
// attached and true returned; on failure a failure marker is attached and the
// event stays otherwise untouched.
func (d *Decryptor) DecryptEvent(event *e2ee.Event, timelineID string) bool {
	senderKey := event.StringField("sender_key")
	allCiphertext, _ := event.Content["ciphertext"].(map[string]any)
	if senderKey == "" || allCiphertext == nil {
		return d.fail(event, e2ee.DecryptErrBadCiphertext, "missing sender_key or ciphertext")
	}

	ownCiphertext, _ := allCiphertext[d.engine.IdentityKey()].(map[string]any)
	if ownCiphertext == nil {
		return d.fail(event, e2ee.DecryptErrUnableToDecrypt, "not encrypted for this device")
	}

	plaintext, err := d.engine.DecryptFromSender(senderKey, ownCiphertext)
	if err != nil {
		return d.fail(event, e2ee.DecryptErrBadCiphertext, err.Error())
	}

	var payload struct {
		Type    string         `json:"type"`
		Content map[string]any `json:"content"`
		RoomID  string         `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return d.fail(event, e2ee.DecryptErrBadCiphertext, "undecodable payload")
	}
	if d.roomID != "" && payload.RoomID != d.roomID {
		return d.fail(event, e2ee.DecryptErrBadCiphertext, "payload room mismatch")
	}

	event.ClearType = payload.Type
	event.ClearContent = payload.Content
	event.DecryptError = nil
	d.metrics.DecryptionsTotal.WithLabelValues("success").Inc()
	return true
}

// OnRoomKey is a no-op: pairwise sessions carry no shared room keys.
func (d *Decryptor) OnRoomKey(event *e2ee.Event) {}

func (d *Decryptor) fail(event *e2ee.Event, code, reason string) bool {
	event.DecryptError = &e2ee.DecryptionFailure{Code: code, Reason: reason}
	d.log.DecryptFailed(event.EventID, event.RoomID, e2ee.AlgorithmOlm, reason)
	d.metrics.DecryptionsTotal.WithLabelValues("failure").Inc()
	return false
}
