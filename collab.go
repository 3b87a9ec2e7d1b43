package e2ee

import "context"

// UploadAck is the server's acknowledgement of a key upload. Counts report the
// unclaimed one-time keys currently held server-side, per key algorithm.
type UploadAck struct {
	OneTimeKeyCounts map[string]int
}

// Transport is the network collaborator. Implementations own timeouts;
// failures surface as *NetworkError (unreachable/timeout) or *ProtocolError
// (structured server rejection) and are never retried by this module.
type Transport interface {
	// UploadDeviceKeys uploads the signed identity-key bundle. A nil bundle
	// uploads nothing and just returns the current one-time-key counts.
	UploadDeviceKeys(ctx context.Context, bundle map[string]any) (UploadAck, error)

	// UploadOneTimeKeys uploads signed one-time keys keyed by
	// "<algorithm>:<keyId>".
	UploadOneTimeKeys(ctx context.Context, keys map[string]any) (UploadAck, error)

	// DownloadDeviceKeys fetches raw device records for the given users,
	// keyed by user id then device id.
	DownloadDeviceKeys(ctx context.Context, userIDs []string) (map[string]map[string]*DeviceRecord, error)

	// ClaimOneTimeKeys claims one key per requested device. The request maps
	// user id -> device id -> requested key algorithm.
	ClaimOneTimeKeys(ctx context.Context, req map[string]map[string]string) (map[string]map[string]*ClaimedKey, error)

	// SendToDevice delivers a direct-to-device event. The content maps
	// user id -> device id (or "*") -> payload.
	SendToDevice(ctx context.Context, eventType string, content map[string]map[string]map[string]any) error
}

// CryptoStore is the persistence collaborator. The unit of device write-back
// is all devices for one user.
type CryptoStore interface {
	DeviceID() (string, error)
	StoreDeviceID(deviceID string) error

	DevicesForUser(userID string) (map[string]*DeviceRecord, error)
	StoreDevicesForUser(userID string, devices map[string]*DeviceRecord) error
	DeviceWithDeviceID(userID, deviceID string) (*DeviceRecord, error)
	StoreDeviceForUser(userID string, device *DeviceRecord) error

	AlgorithmForRoom(roomID string) (string, error)
	StoreAlgorithmForRoom(roomID, algorithm string) error

	DeviceAnnounced() (bool, error)
	StoreDeviceAnnounced() error

	// FlushSessions persists engine session state immediately. Called once a
	// new outbound session is believed established so it survives a crash.
	FlushSessions() error

	IsCorrupted() bool
	Close() error
}

// CryptoEngine is the opaque cryptographic collaborator: it owns all private
// key material. Keys cross this interface only in their public, base64 form.
type CryptoEngine interface {
	// SigningKey returns this device's base64 ed25519 public key.
	SigningKey() string
	// IdentityKey returns this device's base64 curve25519 public key.
	IdentityKey() string

	MaxOneTimeKeys() int
	GenerateOneTimeKeys(count int) error
	// OneTimeKeys returns unpublished one-time keys, key id -> base64 value.
	OneTimeKeys() map[string]string
	MarkKeysPublished()

	// SignJSON signs the canonical encoding of v with the device ed25519 key.
	SignJSON(v any) (string, error)
	// VerifySignature checks signature over the canonical encoding of v
	// against the base64 ed25519 key.
	VerifySignature(signingKey string, v any, signature string) error

	// SessionIDForKey returns the id of an existing outbound session with the
	// device owning identityKey, or "".
	SessionIDForKey(identityKey string) string
	CreateOutboundSession(identityKey, oneTimeKey string) (string, error)
	// EncryptForSession encrypts plaintext for an established session and
	// returns the wire ciphertext object.
	EncryptForSession(identityKey, sessionID string, plaintext []byte) (map[string]any, error)
	// DecryptFromSender decrypts a per-device ciphertext object produced by
	// the device owning senderKey, creating an inbound session from a pre-key
	// message when none exists yet.
	DecryptFromSender(senderKey string, ciphertext map[string]any) ([]byte, error)

	Release()
}

// RoomMember is one member of a room as seen by the client's room model.
type RoomMember struct {
	UserID     string
	Membership string
}

// RoomState exposes the slice of the client's room/membership model this
// engine needs. Conflict resolution for that model is out of scope here.
type RoomState interface {
	RoomIDs() []string
	IsEncrypted(roomID string) bool
	EncryptionAlgorithm(roomID string) string
	Members(roomID string) []RoomMember
	Member(roomID, userID string) (RoomMember, bool)
	// IsJoinedOrInvited reports our own membership in the room.
	IsJoinedOrInvited(roomID string) bool
}
