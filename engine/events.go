package engine

import (
	"context"

	"github.com/quillchat/e2ee"
)

// OnToDeviceEvent routes a direct-to-device event. Unknown types are ignored.
func (e *Engine) OnToDeviceEvent(ctx context.Context, event *e2ee.Event) {
	switch event.Type {
	case e2ee.EventTypeRoomKey:
		e.onRoomKeyEvent(event)
	case e2ee.EventTypeNewDevice:
		e.onNewDeviceEvent(ctx, event)
	}
}

func (e *Engine) onRoomKeyEvent(event *e2ee.Event) {
	roomID := event.StringField("room_id")
	algorithm := event.StringField("algorithm")
	if roomID == "" || algorithm == "" {
		e.log.Warn("room key event missing room_id or algorithm")
		return
	}

	dec := e.router.DecryptorFor(roomID, algorithm)
	if dec == nil {
		e.log.WithRoom(roomID).Warn("no decryptor to handle keys for algorithm " + algorithm)
		return
	}
	dec.OnRoomKey(event)
}

// onNewDeviceEvent refreshes the sender's device list, then reports the new
// device to the encryptor of every room it announced itself for.
func (e *Engine) onNewDeviceEvent(ctx context.Context, event *e2ee.Event) {
	deviceID := event.StringField("device_id")
	roomIDs := event.StringsField("rooms")
	if deviceID == "" || roomIDs == nil {
		e.log.WithUser(event.Sender).Warn("new device event missing device_id or rooms")
		return
	}

	if _, err := e.directory.DownloadKeys(ctx, []string{event.Sender}, true); err != nil {
		e.log.WithDevice(event.Sender, deviceID).Error(err, "failed to refresh devices for announced device")
		return
	}

	for _, roomID := range roomIDs {
		if enc := e.router.CachedEncryptor(roomID); enc != nil {
			enc.OnNewDevice(event.Sender, deviceID)
		}
	}
}

// OnRoomEvent routes a room timeline or state event. Unknown types are
// ignored.
func (e *Engine) OnRoomEvent(event *e2ee.Event) {
	switch event.Type {
	case e2ee.EventTypeEncryption:
		e.router.BindAlgorithm(event.RoomID, event.StringField("algorithm"))
	case e2ee.EventTypeMember:
		e.onRoomMembership(event)
	}
}

func (e *Engine) onRoomMembership(event *e2ee.Event) {
	enc := e.router.CachedEncryptor(event.RoomID)
	if enc == nil {
		// No encryption in this room.
		return
	}

	member, ok := e.roomState.Member(event.RoomID, event.StateKey)
	if !ok {
		return
	}

	var oldMembership string
	if event.PrevContent != nil {
		oldMembership, _ = event.PrevContent["membership"].(string)
	}

	enc.OnMembershipChange(e2ee.MembershipChange{
		RoomID:        event.RoomID,
		UserID:        event.StateKey,
		Membership:    member.Membership,
		OldMembership: oldMembership,
	})
}

// EncryptEventContent encrypts content for a room and returns the encrypted
// content with its wire event type. When no encryptor resolves, the original
// content and type are returned together with an *EncryptionUnavailable
// error: the caller decides whether sending plaintext is acceptable.
func (e *Engine) EncryptEventContent(ctx context.Context, roomID, eventType string, content map[string]any) (map[string]any, string, error) {
	enc := e.router.EncryptorFor(roomID)
	if enc == nil {
		algorithm := e.roomState.EncryptionAlgorithm(roomID)
		e.metrics.EncryptionsTotal.WithLabelValues("unavailable").Inc()
		return content, eventType, &e2ee.EncryptionUnavailable{RoomID: roomID, Algorithm: algorithm}
	}

	encrypted, err := enc.EncryptContent(ctx, content, eventType)
	if err != nil {
		e.metrics.EncryptionsTotal.WithLabelValues("failure").Inc()
		return content, eventType, err
	}
	return encrypted, e2ee.EventTypeEncrypted, nil
}

// DecryptEvent decrypts an encrypted event in place and reports success.
// Failure attaches a marker to the event instead of returning an error so a
// timeline can render the failure inline and move on.
func (e *Engine) DecryptEvent(event *e2ee.Event, timelineID string) bool {
	algorithm := event.StringField("algorithm")

	dec := e.router.DecryptorFor(event.RoomID, algorithm)
	if dec == nil {
		reason := "no decryptor for algorithm \"" + algorithm + "\""
		event.DecryptError = &e2ee.DecryptionFailure{
			Code:   e2ee.DecryptErrUnableToDecrypt,
			Reason: reason,
		}
		e.log.DecryptFailed(event.EventID, event.RoomID, algorithm, reason)
		e.metrics.DecryptionsTotal.WithLabelValues("failure").Inc()
		return false
	}

	return dec.DecryptEvent(event, timelineID)
}
