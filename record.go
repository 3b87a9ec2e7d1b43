// Package e2ee holds the shared data model and collaborator contracts for the
// end-to-end encryption engine.
//
// The engine itself is assembled from the sub-packages:
//   - devices: device-identity directory with signature validation
//   - keys: identity and one-time key lifecycle against the homeserver
//   - sessions: pairwise encrypted session establishment
//   - rooms: per-room algorithm binding and encryptor/decryptor caches
//   - announce: rate-limited device-presence announcements
//   - engine: event dispatch and lifecycle orchestration
//
// Cryptographic primitives, durable storage and network transport are
// delegated to the CryptoEngine, CryptoStore and Transport collaborators
// declared in this package.
package e2ee

// TrustState is the local-only classification of a device. It is client-side
// state, never part of the signed payload exchanged with the server.
type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustVerified
	TrustBlocked
)

func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "UNVERIFIED"
	case TrustVerified:
		return "VERIFIED"
	case TrustBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Key type prefixes used in the "<keyType>:<deviceId>" key map entries.
const (
	KeyTypeEd25519          = "ed25519"
	KeyTypeCurve25519       = "curve25519"
	KeyTypeSignedCurve25519 = "signed_curve25519"
)

// DeviceRecord identifies one cryptographic device of one user.
//
// Records are produced by merge-on-download in the device directory; the only
// in-place mutation is an explicit trust-state update.
type DeviceRecord struct {
	UserID     string                       `json:"user_id"`
	DeviceID   string                       `json:"device_id"`
	Algorithms []string                     `json:"algorithms,omitempty"`
	Keys       map[string]string            `json:"keys,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned   map[string]any               `json:"unsigned,omitempty"`

	// Trust is local client state, carried across downloads.
	Trust TrustState `json:"-"`
}

// SigningKey returns the device's base64 ed25519 public key, or "".
func (d *DeviceRecord) SigningKey() string {
	return d.Keys[KeyTypeEd25519+":"+d.DeviceID]
}

// IdentityKey returns the device's base64 curve25519 public key, or "".
func (d *DeviceRecord) IdentityKey() string {
	return d.Keys[KeyTypeCurve25519+":"+d.DeviceID]
}

// DisplayName returns the unsigned display name supplied by the server, if any.
func (d *DeviceRecord) DisplayName() string {
	name, _ := d.Unsigned["device_display_name"].(string)
	return name
}

// SignableContent returns the subset of the record covered by the device
// self-signature: device id, user id, algorithms and keys. Signatures and
// unsigned metadata are excluded.
func (d *DeviceRecord) SignableContent() map[string]any {
	m := map[string]any{
		"device_id": d.DeviceID,
		"user_id":   d.UserID,
	}
	if d.Algorithms != nil {
		m["algorithms"] = d.Algorithms
	}
	if d.Keys != nil {
		m["keys"] = d.Keys
	}
	return m
}

// WireContent returns the full record as uploaded to the server.
func (d *DeviceRecord) WireContent() map[string]any {
	m := d.SignableContent()
	if d.Signatures != nil {
		m["signatures"] = d.Signatures
	}
	if d.Unsigned != nil {
		m["unsigned"] = d.Unsigned
	}
	return m
}

// Clone returns a deep copy of the record.
func (d *DeviceRecord) Clone() *DeviceRecord {
	c := &DeviceRecord{
		UserID:   d.UserID,
		DeviceID: d.DeviceID,
		Trust:    d.Trust,
	}
	if d.Algorithms != nil {
		c.Algorithms = append([]string(nil), d.Algorithms...)
	}
	if d.Keys != nil {
		c.Keys = make(map[string]string, len(d.Keys))
		for k, v := range d.Keys {
			c.Keys[k] = v
		}
	}
	if d.Signatures != nil {
		c.Signatures = make(map[string]map[string]string, len(d.Signatures))
		for user, sigs := range d.Signatures {
			inner := make(map[string]string, len(sigs))
			for k, v := range sigs {
				inner[k] = v
			}
			c.Signatures[user] = inner
		}
	}
	if d.Unsigned != nil {
		c.Unsigned = make(map[string]any, len(d.Unsigned))
		for k, v := range d.Unsigned {
			c.Unsigned[k] = v
		}
	}
	return c
}

// ClaimedKey is one one-time key returned by a claim request, signed by the
// owning device.
type ClaimedKey struct {
	Type       string                       `json:"type"`
	Value      string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// SignatureFor returns the signature made by signerUser with keyID, or "".
func (k *ClaimedKey) SignatureFor(signerUser, keyID string) string {
	return k.Signatures[signerUser][keyID]
}

// SignableContent returns the signed subset of the claimed key.
func (k *ClaimedKey) SignableContent() map[string]any {
	return map[string]any{"key": k.Value}
}
